package app

import (
	"context"
	"log"
	"time"
)

// SweepExpired finds threads inactive past their budget and expires each one
// independently. A failure on one thread never stops the rest of the tick.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	candidates, err := s.store.ListExpiredThreads(ctx, s.now())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, thread := range candidates {
		if err := s.ExpireThread(ctx, thread.ID); err != nil {
			log.Printf("sweep: expire thread %s: %v", thread.ID, err)
			continue
		}
		expired++
	}
	return expired, nil
}

// Sweeper drives SweepExpired on a fixed interval.
type Sweeper struct {
	service  *Service
	interval time.Duration
}

func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{service: service, interval: interval}
}

// Run blocks until ctx is cancelled. Each tick is independent; an errored
// sweep is logged and the next tick proceeds normally.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := w.service.SweepExpired(ctx)
			if err != nil {
				log.Printf("sweep: tick failed: %v", err)
				continue
			}
			if count > 0 {
				log.Printf("sweep: expired %d threads", count)
			}
		}
	}
}
