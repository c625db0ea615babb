// Package reconciler mirrors exchange positions into a local read-only cache.
package reconciler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/internal/domain"
	"github.com/vadiminshakov/perpgate/internal/metrics"
)

const DefaultInterval = 5 * time.Second

type positionSource interface {
	Positions(ctx context.Context, owner common.Address) (*domain.Portfolio, error)
}

// Reconciler fetches positions and replaces the cached portfolio wholesale.
// Every fetch takes a sequence number when it starts; a response is dropped when a
// fetch that started later has already been applied.
type Reconciler struct {
	source   positionSource
	interval time.Duration
	logger   *zap.Logger

	seq atomic.Uint64

	mu       sync.RWMutex
	applied  map[common.Address]uint64
	cache    map[common.Address]domain.Portfolio
	onUpdate func(domain.Portfolio)
}

func NewReconciler(source positionSource, interval time.Duration, logger *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		source:   source,
		interval: interval,
		logger:   logger,
		applied:  make(map[common.Address]uint64),
		cache:    make(map[common.Address]domain.Portfolio),
	}
}

// OnUpdate registers a hook called after each applied fetch.
func (r *Reconciler) OnUpdate(fn func(domain.Portfolio)) {
	r.mu.Lock()
	r.onUpdate = fn
	r.mu.Unlock()
}

// Refresh fetches owner's positions now. It returns the portfolio that is current after
// the call, which is a newer one than fetched if this response lost the race.
func (r *Reconciler) Refresh(ctx context.Context, owner common.Address) (*domain.Portfolio, error) {
	seq := r.seq.Add(1)

	fetched, err := r.source.Positions(ctx, owner)
	if err != nil {
		metrics.IncPositionPoll("error")
		return nil, err
	}

	r.mu.Lock()
	if seq < r.applied[owner] {
		current, ok := r.cache[owner]
		r.mu.Unlock()
		metrics.IncPositionPoll("stale")
		r.logger.Debug("dropping stale positions response", zap.String("owner", owner.Hex()), zap.Uint64("seq", seq))
		if !ok {
			// reset after this fetch started: the owner is no longer tracked
			return &domain.Portfolio{Owner: owner.Hex()}, nil
		}
		return &current, nil
	}
	portfolio := *fetched
	portfolio.Positions = append([]domain.Position(nil), fetched.Positions...)
	r.applied[owner] = seq
	r.cache[owner] = portfolio
	hook := r.onUpdate
	r.mu.Unlock()

	metrics.IncPositionPoll("ok")
	metrics.SetEquity(portfolio.AccountValue)
	if hook != nil {
		hook(portfolio)
	}
	return &portfolio, nil
}

// Run refreshes owner every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, owner common.Address) {
	r.logger.Info("position polling started", zap.String("owner", owner.Hex()), zap.Duration("interval", r.interval))
	defer r.logger.Info("position polling stopped", zap.String("owner", owner.Hex()))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Refresh(ctx, owner); err != nil && ctx.Err() == nil {
			r.logger.Warn("position poll failed", zap.String("owner", owner.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Portfolio returns the cached portfolio of owner.
func (r *Reconciler) Portfolio(owner common.Address) (domain.Portfolio, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.cache[owner]
	if !ok {
		return domain.Portfolio{}, false
	}
	p.Positions = append([]domain.Position(nil), p.Positions...)
	return p, true
}

// Reset forgets owner and discards every fetch for it that is still in flight.
func (r *Reconciler) Reset(owner common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, owner)
	r.applied[owner] = r.seq.Load() + 1
}
