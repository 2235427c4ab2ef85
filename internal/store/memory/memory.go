// Package memory provides in-memory implementations of the ledger and
// margin stores. Every read returns a deep copy so callers can never
// alias the stored record; every write copies the input for the same
// reason. Intended for tests and single-process deployments.
package memory

import "time"

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
