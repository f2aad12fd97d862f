package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/model"
)

// Expirer receives prompts the sweeper just marked EXPIRED so the channel
// side can show an expired notice.
type Expirer interface {
	HandleExpired(ctx context.Context, prompts []model.PromptEvent)
}

// Sweeper periodically expires prompts whose TTL has passed. The store does
// the marking in one transaction; the sweeper only fans the result out.
type Sweeper struct {
	store    *db.Store
	expirer  Expirer
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(store *db.Store, expirer Expirer, logger *zap.Logger, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{
		store:    store,
		expirer:  expirer,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	ids, err := s.store.SweepExpired(ctx, s.now().UTC())
	if err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	s.logger.Info("expired prompts", zap.Int("count", len(ids)))
	if s.expirer == nil {
		return
	}
	expired := make([]model.PromptEvent, 0, len(ids))
	for _, id := range ids {
		p, err := s.store.GetPrompt(ctx, id)
		if err != nil {
			s.logger.Warn("load expired prompt failed", zap.String("prompt_id", id), zap.Error(err))
			continue
		}
		expired = append(expired, p)
	}
	s.expirer.HandleExpired(ctx, expired)
}
