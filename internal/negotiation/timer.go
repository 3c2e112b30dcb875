package negotiation

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically cancels pending offers that were never answered.
type Sweeper struct {
	service  *Service
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewSweeper creates a stale-offer sweeper. Offers pending longer than ttl
// are cancelled.
func NewSweeper(service *Service, ttl time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		interval: time.Minute,
		ttl:      ttl,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			n, err := s.service.ExpireStale(ctx, s.ttl, 100)
			if err != nil {
				s.logger.Warn("offer sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("expired stale offers", "count", n)
			}
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}
