package activation

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/internal/domain"
	"github.com/vadiminshakov/perpgate/internal/eip712"
	"github.com/vadiminshakov/perpgate/internal/exchange"
	"github.com/vadiminshakov/perpgate/internal/storage/agents"
)

type keySigner struct {
	key     *ecdsa.PrivateKey
	session *domain.WalletSession // what the wallet reports now; nil when disconnected
	reject  bool
	calls   int
	last    apitypes.TypedData
}

func (s *keySigner) Session() (domain.WalletSession, bool) {
	if s.session == nil {
		return domain.WalletSession{}, false
	}
	return *s.session, true
}

func (s *keySigner) SignTyped(_ context.Context, td apitypes.TypedData) (domain.Signature, error) {
	s.calls++
	s.last = td
	if s.reject {
		return domain.Signature{}, domain.ErrUserRejected
	}
	raw, err := eip712.Sign(s.key, td)
	if err != nil {
		return domain.Signature{}, err
	}
	return eip712.Split(raw)
}

type recordingSubmitter struct {
	mu        sync.Mutex
	approvals []domain.AgentApproval
	err       error
}

func (r *recordingSubmitter) ApproveAgent(_ context.Context, a domain.AgentApproval) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals = append(r.approvals, a)
	return r.err
}

type fixture struct {
	protocol  *Protocol
	signer    *keySigner
	submitter *recordingSubmitter
	store     *agents.Store
	session   domain.WalletSession
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	store, err := agents.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	f := &fixture{
		signer:    &keySigner{key: key},
		submitter: &recordingSubmitter{},
		store:     store,
		session: domain.WalletSession{
			Address: crypto.PubkeyToAddress(key.PublicKey),
			ChainID: 42161,
			CanSign: true,
		},
	}
	f.signer.session = &f.session
	f.protocol = NewProtocol(f.signer, f.submitter, store, "", true, zap.NewNop())
	frozen := time.UnixMilli(1700000000000)
	f.protocol.now = func() time.Time { return frozen }
	return f
}

func TestActivateApprovesAgent(t *testing.T) {
	f := newFixture(t)
	agent, err := f.store.GetOrCreate(f.session.Address)
	require.NoError(t, err)
	require.False(t, agent.Approved)

	state, err := f.protocol.Activate(context.Background(), f.session, agent)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationApproved, state)
	assert.Equal(t, domain.ActivationApproved, f.protocol.State(f.session.Address))

	require.Len(t, f.submitter.approvals, 1)
	approval := f.submitter.approvals[0]
	assert.Equal(t, f.session.Address, approval.Owner)
	assert.Equal(t, agent.LowerAddress(), approval.AgentAddress)
	assert.Equal(t, DefaultAgentName, approval.AgentName)
	assert.Equal(t, "Mainnet", approval.HyperliquidChain)
	assert.Equal(t, int64(42161), approval.SignatureChainID)
	assert.Equal(t, uint64(1700000000000), approval.Nonce)

	// the submitted signature verifies against exactly the submitted fields
	signer, err := eip712.Recover(exchange.ApprovalTypedData(approval), approval.Signature)
	require.NoError(t, err)
	assert.Equal(t, f.session.Address, signer)

	stored, err := f.store.Get(f.session.Address)
	require.NoError(t, err)
	assert.True(t, stored.Approved)
}

func TestActivateSignsForWalletChain(t *testing.T) {
	f := newFixture(t)
	f.session.ChainID = 421614
	agent, err := f.store.GetOrCreate(f.session.Address)
	require.NoError(t, err)

	_, err = f.protocol.Activate(context.Background(), f.session, agent)
	require.NoError(t, err)

	chainID := f.signer.last.Domain.ChainId
	require.NotNil(t, chainID)
	assert.Equal(t, "421614", (*big.Int)(chainID).String())
	assert.Equal(t, int64(421614), f.submitter.approvals[0].SignatureChainID)
}

func TestActivateReadsChainFromLiveSession(t *testing.T) {
	f := newFixture(t)
	agent, err := f.store.GetOrCreate(f.session.Address)
	require.NoError(t, err)

	stale := f.session
	f.session.ChainID = 1 // wallet moved after the caller's snapshot

	_, err = f.protocol.Activate(context.Background(), stale, agent)
	require.NoError(t, err)

	chainID := f.signer.last.Domain.ChainId
	require.NotNil(t, chainID)
	assert.Equal(t, "1", (*big.Int)(chainID).String())
	assert.Equal(t, int64(1), f.submitter.approvals[0].SignatureChainID)

	signer, err := eip712.Recover(exchange.ApprovalTypedData(f.submitter.approvals[0]), f.submitter.approvals[0].Signature)
	require.NoError(t, err)
	assert.Equal(t, f.session.Address, signer)
}

func TestActivateNeedsLiveSession(t *testing.T) {
	tests := []struct {
		name  string
		apply func(f *fixture)
	}{
		{"disconnected", func(f *fixture) { f.signer.session = nil }},
		{"account changed", func(f *fixture) {
			other := f.session
			other.Address = common.HexToAddress("0x00000000000000000000000000000000000000aa")
			f.signer.session = &other
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			agent, err := f.store.GetOrCreate(f.session.Address)
			require.NoError(t, err)
			tt.apply(f)

			_, err = f.protocol.Activate(context.Background(), f.session, agent)
			assert.ErrorIs(t, err, domain.ErrNotConnected)
			assert.Zero(t, f.signer.calls)
			assert.Empty(t, f.submitter.approvals)
		})
	}
}

func TestActivateTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	agent, err := f.store.GetOrCreate(f.session.Address)
	require.NoError(t, err)

	first, err := f.protocol.Activate(context.Background(), f.session, agent)
	require.NoError(t, err)
	second, err := f.protocol.Activate(context.Background(), f.session, agent)
	require.NoError(t, err)

	assert.Equal(t, domain.ActivationApproved, first)
	assert.Equal(t, domain.ActivationApproved, second)

	after, err := f.store.GetOrCreate(f.session.Address)
	require.NoError(t, err)
	assert.Equal(t, agent.Address, after.Address)
	assert.True(t, after.Approved)

	// same wall clock, still strictly increasing
	require.Len(t, f.submitter.approvals, 2)
	assert.Greater(t, f.submitter.approvals[1].Nonce, f.submitter.approvals[0].Nonce)
}

func TestActivateUserRejectedHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.signer.reject = true
	agent, err := f.store.GetOrCreate(f.session.Address)
	require.NoError(t, err)

	state, err := f.protocol.Activate(context.Background(), f.session, agent)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUserRejected))
	assert.Equal(t, domain.ActivationApprovalFailed, state)
	assert.Empty(t, f.submitter.approvals)

	stored, err := f.store.Get(f.session.Address)
	require.NoError(t, err)
	assert.False(t, stored.Approved)
	assert.Equal(t, agent.Address, stored.Address)
}

func TestActivateSurfacesRejectionVerbatim(t *testing.T) {
	f := newFixture(t)
	const detail = "Invalid signature chain id 0x1 for hyperliquidChain Mainnet"
	f.submitter.err = domain.NewExchangeError(400, detail)
	agent, err := f.store.GetOrCreate(f.session.Address)
	require.NoError(t, err)

	state, err := f.protocol.Activate(context.Background(), f.session, agent)
	require.Error(t, err)
	assert.Equal(t, domain.ActivationApprovalFailed, state)
	assert.True(t, errors.Is(err, domain.ErrExchangeRejected))
	got, ok := domain.RejectionDetail(err)
	require.True(t, ok)
	assert.Equal(t, detail, got)

	stored, err := f.store.Get(f.session.Address)
	require.NoError(t, err)
	assert.False(t, stored.Approved)

	// retryable after failure
	f.submitter.err = nil
	state, err = f.protocol.Activate(context.Background(), f.session, agent)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationApproved, state)
}

func TestActivateRejectsForeignAgent(t *testing.T) {
	f := newFixture(t)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	agent, err := f.store.GetOrCreate(crypto.PubkeyToAddress(other.PublicKey))
	require.NoError(t, err)

	_, err = f.protocol.Activate(context.Background(), f.session, agent)
	require.Error(t, err)
	assert.Zero(t, f.signer.calls)
}

func TestInvalidate(t *testing.T) {
	f := newFixture(t)
	agent, err := f.store.GetOrCreate(f.session.Address)
	require.NoError(t, err)
	_, err = f.protocol.Activate(context.Background(), f.session, agent)
	require.NoError(t, err)

	f.protocol.Invalidate(f.session.Address)
	assert.Equal(t, domain.ActivationAgentGenerated, f.protocol.State(f.session.Address))
}
