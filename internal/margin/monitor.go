package margin

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"marginledger/internal/observability"
)

// Monitor sweeps open positions against current prices and liquidates
// the ones whose maintenance ratio has fallen to or below the floor.
// It is driven on a schedule by the caller; each sweep is one pass over
// all symbols with open positions.
type Monitor struct {
	manager *Manager
	prices  PriceSource
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewMonitor(manager *Manager, prices PriceSource, logger zerolog.Logger, metrics *observability.Metrics) *Monitor {
	return &Monitor{
		manager: manager,
		prices:  prices,
		logger:  logger,
		metrics: metrics,
	}
}

// RunSweep marks every open symbol to market and liquidates eligible
// positions. Symbols whose price fetch fails are skipped and retried on
// the next sweep. Returns the number of positions liquidated.
func (mon *Monitor) RunSweep(ctx context.Context) (int, error) {
	start := time.Now()

	symbols, err := mon.manager.OpenSymbols(ctx)
	if err != nil {
		return 0, err
	}

	liquidated := 0
	for _, symbol := range symbols {
		price, err := mon.prices.GetCurrentPrice(ctx, symbol)
		if err != nil {
			mon.logger.Warn().Err(err).
				Str("symbol", symbol).
				Msg("skipping symbol, price unavailable")
			continue
		}

		eligible, err := mon.manager.MarkToMarket(ctx, symbol, price)
		if err != nil {
			mon.logger.Error().Err(err).
				Str("symbol", symbol).
				Msg("mark to market failed")
			continue
		}

		for _, positionID := range eligible {
			if _, err := mon.manager.LiquidatePosition(ctx, positionID, "maintenance margin breached"); err != nil {
				// Lost the race with a concurrent close; nothing to do.
				var closed *PositionAlreadyClosedError
				if errors.As(err, &closed) {
					continue
				}
				mon.logger.Error().Err(err).
					Str("position_id", positionID.String()).
					Msg("liquidation failed")
				continue
			}
			liquidated++
		}
	}

	if mon.metrics != nil {
		mon.metrics.SweepDuration.WithLabelValues("liquidation").Observe(time.Since(start).Seconds())
	}
	if liquidated > 0 {
		mon.logger.Info().
			Int("liquidated", liquidated).
			Int("symbols", len(symbols)).
			Msg("liquidation sweep complete")
	}
	return liquidated, nil
}
