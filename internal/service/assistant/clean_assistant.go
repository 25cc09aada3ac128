package assistant

import (
	"context"
	"log"
	"time"
)

const DefaultStreamCleanupInterval = time.Hour

// StreamPurger drops expired stream chunks from the resumable store.
type StreamPurger interface {
	Purge(ctx context.Context, before time.Time) (int, error)
}

// StartStreamJanitor periodically drops stream rows and stored chunks older than ttl.
func (s *Service) StartStreamJanitor(ctx context.Context, purger StreamPurger, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = DefaultStreamCleanupInterval
	}
	go s.cleanupLoop(ctx, purger, interval, ttl)
}

func (s *Service) cleanupLoop(ctx context.Context, purger StreamPurger, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupExpiredStreams(ctx, purger, ttl)
		}
	}
}

func (s *Service) cleanupExpiredStreams(ctx context.Context, purger StreamPurger, ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	if n, err := s.DeleteStreamsBefore(ctx, cutoff); err != nil {
		log.Printf("cleanup stream ids error: %v", err)
	} else if n > 0 {
		log.Printf("cleanup: removed %d stream ids", n)
	}
	if purger == nil {
		return
	}
	if n, err := purger.Purge(ctx, cutoff); err != nil {
		log.Printf("cleanup stream chunks error: %v", err)
	} else if n > 0 {
		log.Printf("cleanup: purged %d streams", n)
	}
}
