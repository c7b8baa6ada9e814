package sweeper

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/hearthbid/marketplace/pkg/market"
)

// DefaultInterval is how often the expiry sweep runs when unconfigured.
const DefaultInterval = time.Minute

// Sweeper periodically expires projects whose bidding deadline has passed.
// The underlying sweep is idempotent, so overlapping or repeated runs are
// harmless.
type Sweeper struct {
	service  *market.Service
	logger   *zap.Logger
	interval time.Duration
}

// New wires a Sweeper.
func New(service *market.Service, logger *zap.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{service: service, logger: logger, interval: interval}
}

// Run starts the periodic sweep and blocks until ctx is cancelled.
func (sweeper *Sweeper) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(sweeper.interval),
		gocron.NewTask(func() { sweeper.sweep(ctx) }),
	)
	if err != nil {
		return err
	}
	scheduler.Start()
	sweeper.logger.Info("sweeper started", zap.Duration("interval", sweeper.interval))
	<-ctx.Done()
	return scheduler.Shutdown()
}

func (sweeper *Sweeper) sweep(ctx context.Context) {
	now := time.Now().UTC().Unix()
	expired, err := sweeper.service.SweepExpired(ctx, now)
	if err != nil {
		sweeper.logger.Warn("expiry sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		sweeper.logger.Info("expired projects", zap.Int("count", expired))
	}
}
