package service

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/outflow/outflow-backend/pkg/logger"
)

const sweepLockKey = "lock:outbound:proposal-sweep"

// ProposalExpirer releases proposals older than a TTL
type ProposalExpirer interface {
	ExpireStaleProposals(ctx context.Context, ttl time.Duration) (int, error)
}

// ProposalSweeper expires stale proposals on an interval. With a locker
// only the instance holding the Redis lock sweeps in a given cycle.
type ProposalSweeper struct {
	expirer  ProposalExpirer
	locker   *redislock.Client
	ttl      time.Duration
	interval time.Duration
	logger   *logger.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewProposalSweeper creates a sweeper. locker may be nil.
func NewProposalSweeper(expirer ProposalExpirer, locker *redislock.Client, ttl, interval time.Duration, log *logger.Logger) *ProposalSweeper {
	return &ProposalSweeper{
		expirer:  expirer,
		locker:   locker,
		ttl:      ttl,
		interval: interval,
		logger:   log.WithComponent("proposal-sweeper"),
	}
}

// Start runs the sweeper in a background goroutine
func (s *ProposalSweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.logger.Info().Dur("interval", s.interval).Dur("ttl", s.ttl).Msg("proposal sweeper started")

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("proposal sweeper stopped")
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop stops the sweeper and waits for a running cycle to finish
func (s *ProposalSweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Sweep runs one expiry cycle and returns how many proposals it released
func (s *ProposalSweeper) Sweep(ctx context.Context) int {
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, sweepLockKey, s.interval, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			s.logger.Debug().Msg("another instance is sweeping")
			return 0
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to obtain sweep lock")
			return 0
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				s.logger.Warn().Err(err).Msg("failed to release sweep lock")
			}
		}()
	}

	start := time.Now()
	expired, err := s.expirer.ExpireStaleProposals(ctx, s.ttl)
	if err != nil {
		s.logger.Error().Err(err).Msg("proposal sweep failed")
		return 0
	}

	s.logger.Debug().
		Dur("duration", time.Since(start)).
		Int("expired", expired).
		Msg("proposal sweep completed")
	return expired
}
