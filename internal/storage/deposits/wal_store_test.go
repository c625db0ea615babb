package deposits

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/perpgate/internal/domain"
)

func TestWALStore_LatestStatePerIntent(t *testing.T) {
	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	created := time.Now().UTC()

	first := domain.DepositIntent{ID: "d1", Owner: owner, Amount: decimal.NewFromInt(25), CreatedAt: created}
	require.NoError(t, store.Save(first))
	first.ConfirmedOnChain = true
	require.NoError(t, store.Save(first))
	first.Outcome = domain.DepositPendingCredit
	require.NoError(t, store.Save(first))

	second := domain.DepositIntent{ID: "d2", Owner: owner, Amount: decimal.NewFromInt(50), CreatedAt: created.Add(time.Minute)}
	require.NoError(t, store.Save(second))

	require.NoError(t, store.Save(domain.DepositIntent{ID: "x", Owner: other, CreatedAt: created}))

	latest, err := store.Latest(owner)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "d2", latest[0].ID)
	assert.Equal(t, "d1", latest[1].ID)
	assert.True(t, latest[1].Pending())
	assert.True(t, latest[1].ConfirmedOnChain)
}

func TestWALStore_RequiresID(t *testing.T) {
	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.Save(domain.DepositIntent{}))
}
