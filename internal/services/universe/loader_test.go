package universe

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/internal/domain"
	"github.com/vadiminshakov/perpgate/pkg/retrier"
)

type scriptedMeta struct {
	results [][]domain.Asset
	errs    []error
	calls   int
}

func (s *scriptedMeta) Meta(context.Context) ([]domain.Asset, error) {
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i], s.errs[i]
}

func fastRetrier() *retrier.Retrier {
	return retrier.New(retrier.WithInitialInterval(time.Millisecond), retrier.WithMaxRetries(2), retrier.WithJitter(0))
}

func TestLoadRetriesThenBuildsMap(t *testing.T) {
	src := &scriptedMeta{
		results: [][]domain.Asset{nil, {{Name: "BTC", Index: 0, SzDecimals: 5, MaxLeverage: 50}, {Name: "ETH", Index: 1, SzDecimals: 4, MaxLeverage: 25}}},
		errs:    []error{errors.New("502"), nil},
	}

	m, err := Load(context.Background(), src, fastRetrier(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
	assert.Equal(t, 2, m.Len())

	eth, err := m.Resolve("eth")
	require.NoError(t, err)
	assert.Equal(t, 1, eth.Index)
}

func TestLoadEmptyUniverseFails(t *testing.T) {
	src := &scriptedMeta{results: [][]domain.Asset{{}}, errs: []error{nil}}

	_, err := Load(context.Background(), src, fastRetrier(), zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, 3, src.calls)
}

func TestLoadRejectsDuplicateSymbols(t *testing.T) {
	src := &scriptedMeta{
		results: [][]domain.Asset{{{Name: "BTC", Index: 0}, {Name: "btc", Index: 1}}},
		errs:    []error{nil},
	}

	_, err := Load(context.Background(), src, fastRetrier(), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLoadDoesNotRetryRejection(t *testing.T) {
	src := &scriptedMeta{
		results: [][]domain.Asset{nil},
		errs:    []error{domain.NewExchangeError(422, "Failed to deserialize the JSON body")},
	}

	_, err := Load(context.Background(), src, fastRetrier(), zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, 1, src.calls)
	detail, ok := domain.RejectionDetail(err)
	require.True(t, ok)
	assert.Equal(t, "Failed to deserialize the JSON body", detail)
}
