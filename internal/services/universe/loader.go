// Package universe loads the exchange's instrument universe into an AssetIndexMap.
package universe

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/internal/domain"
	"github.com/vadiminshakov/perpgate/pkg/retrier"
)

type metaSource interface {
	Meta(ctx context.Context) ([]domain.Asset, error)
}

// Load fetches the universe once, retrying transient failures, and freezes it into a map.
func Load(ctx context.Context, source metaSource, r *retrier.Retrier, logger *zap.Logger) (*domain.AssetIndexMap, error) {
	if r == nil {
		r = retrier.New(
			retrier.WithInitialInterval(500*time.Millisecond),
			retrier.WithMaxRetries(4),
			retrier.WithOnRetry(func(attempt int, err error, wait time.Duration) {
				logger.Warn("failed to load exchange universe, retrying",
					zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
			}),
		)
	}

	assets, err := retrier.DoWithData(r, ctx, func(ctx context.Context) ([]domain.Asset, error) {
		assets, err := source.Meta(ctx)
		if errors.Is(err, domain.ErrExchangeRejected) {
			// a 4xx will not change on retry
			return nil, retrier.Permanent(err)
		}
		if err != nil {
			return nil, err
		}
		if len(assets) == 0 {
			return nil, errors.New("exchange universe is empty")
		}
		return assets, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "load universe")
	}

	m, err := domain.NewAssetIndexMap(assets)
	if err != nil {
		return nil, errors.Wrap(err, "build asset index map")
	}
	logger.Info("exchange universe loaded", zap.Int("assets", m.Len()))
	return m, nil
}
