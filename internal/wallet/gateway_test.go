package wallet

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/internal/domain"
	"github.com/vadiminshakov/perpgate/internal/eip712"
)

const arbitrum = 42161

// fakeProvider is a scripted wallet.
type fakeProvider struct {
	mu          sync.Mutex
	account     common.Address
	chainID     int64
	rejectConn  bool
	rejectSign  bool
	switchTo    int64 // chain the wallet actually lands on after a switch request
	switchDelay int   // ChainID reads before the switch becomes visible
	reads       int
	switches    int
	signs       int
	transfers   int
	receipts    []*types.Receipt
	decimalsOut []byte
}

func (f *fakeProvider) RequestAccounts(context.Context) ([]common.Address, error) {
	if f.rejectConn {
		return nil, domain.ErrUserRejected
	}
	return []common.Address{f.account}, nil
}

func (f *fakeProvider) ChainID(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.switchTo != 0 && f.switches > 0 {
		f.reads++
		if f.reads > f.switchDelay {
			f.chainID = f.switchTo
		}
	}
	return f.chainID, nil
}

func (f *fakeProvider) SwitchChain(context.Context, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switches++
	return nil
}

func (f *fakeProvider) SignTypedData(_ context.Context, _ common.Address, td apitypes.TypedData) ([]byte, error) {
	f.mu.Lock()
	f.signs++
	f.mu.Unlock()
	if f.rejectSign {
		return nil, domain.ErrUserRejected
	}
	key, _ := crypto.GenerateKey()
	return eip712.Sign(key, td)
}

func (f *fakeProvider) SendERC20Transfer(context.Context, common.Address, common.Address, common.Address, *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers++
	return common.HexToHash("0x01"), nil
}

func (f *fakeProvider) CallContract(context.Context, ethereum.CallMsg) ([]byte, error) {
	return f.decimalsOut, nil
}

func (f *fakeProvider) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.receipts) == 0 {
		return nil, ethereum.NotFound
	}
	r := f.receipts[0]
	f.receipts = f.receipts[1:]
	if r == nil {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func fastOptions() Options {
	return Options{
		RequiredChainID:     arbitrum,
		ChainPollInterval:   time.Millisecond,
		ChainSwitchTimeout:  30 * time.Millisecond,
		ReceiptPollInterval: time.Millisecond,
		ReceiptTimeout:      30 * time.Millisecond,
	}
}

var account = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestConnect_NoProvider(t *testing.T) {
	g := NewGateway(nil, fastOptions(), zap.NewNop())
	_, err := g.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrWalletUnavailable)
}

func TestConnect_UserRejected(t *testing.T) {
	g := NewGateway(&fakeProvider{account: account, chainID: arbitrum, rejectConn: true}, fastOptions(), zap.NewNop())
	_, err := g.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrUserRejected)
	_, ok := g.Session()
	assert.False(t, ok)
}

func TestConnect_SwitchObservedLate(t *testing.T) {
	p := &fakeProvider{account: account, chainID: 1, switchTo: arbitrum, switchDelay: 3}
	g := NewGateway(p, fastOptions(), zap.NewNop())

	session, err := g.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(arbitrum), session.ChainID)
	assert.Equal(t, account, session.Address)
	assert.Equal(t, 1, p.switches)
}

func TestEnsureChain_TimesOutWithoutSigning(t *testing.T) {
	// wallet on chain 1 accepts the switch request but never actually switches
	p := &fakeProvider{account: account, chainID: 1}
	g := NewGateway(p, fastOptions(), zap.NewNop())

	_, err := g.Connect(context.Background())
	require.ErrorIs(t, err, domain.ErrNetworkMismatch)
	assert.ErrorIs(t, err, domain.ErrChainSwitchTimeout)
	assert.Equal(t, 1, p.switches)

	assert.False(t, g.EnsureChain(context.Background(), arbitrum))

	_, err = g.SignTyped(context.Background(), apitypes.TypedData{})
	assert.Error(t, err)
	_, err = g.TransferToken(context.Background(), common.Address{}, common.Address{}, big.NewInt(1))
	assert.Error(t, err)
	assert.Equal(t, 0, p.signs)
	assert.Equal(t, 0, p.transfers)
}

func TestSwitchChain_Reasons(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name     string
		provider *fakeProvider
		ctx      context.Context
		want     error
	}{
		{"already there", &fakeProvider{chainID: arbitrum}, context.Background(), nil},
		{"switch observed", &fakeProvider{chainID: 1, switchTo: arbitrum}, context.Background(), nil},
		{"never switches", &fakeProvider{chainID: 1}, context.Background(), domain.ErrChainSwitchTimeout},
		{"caller gave up", &fakeProvider{chainID: 1}, cancelled, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGateway(tt.provider, fastOptions(), zap.NewNop())
			err := g.SwitchChain(tt.ctx, arbitrum)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, domain.ErrNetworkMismatch)
			var switchErr *domain.NetworkSwitchError
			require.ErrorAs(t, err, &switchErr)
			assert.Equal(t, int64(arbitrum), switchErr.Target)
		})
	}
}

func TestSwitchChain_NoProvider(t *testing.T) {
	g := NewGateway(nil, fastOptions(), zap.NewNop())
	err := g.SwitchChain(context.Background(), arbitrum)
	assert.ErrorIs(t, err, domain.ErrWalletUnavailable)
	assert.ErrorIs(t, err, domain.ErrNetworkMismatch)
}

func TestSignTyped_FailsFastAfterWalletLeftNetwork(t *testing.T) {
	p := &fakeProvider{account: account, chainID: arbitrum}
	g := NewGateway(p, fastOptions(), zap.NewNop())
	_, err := g.Connect(context.Background())
	require.NoError(t, err)

	p.mu.Lock()
	p.chainID = 1
	p.mu.Unlock()

	_, err = g.SignTyped(context.Background(), apitypes.TypedData{})
	assert.ErrorIs(t, err, domain.ErrNetworkMismatch)
	assert.Equal(t, 0, p.signs)
}

func TestSignTyped_UserRejected(t *testing.T) {
	p := &fakeProvider{account: account, chainID: arbitrum, rejectSign: true}
	g := NewGateway(p, fastOptions(), zap.NewNop())
	_, err := g.Connect(context.Background())
	require.NoError(t, err)

	_, err = g.SignTyped(context.Background(), apitypes.TypedData{})
	assert.ErrorIs(t, err, domain.ErrUserRejected)
}

func TestAwaitConfirmation(t *testing.T) {
	tests := []struct {
		name     string
		receipts []*types.Receipt
		wantErr  error
	}{
		{name: "success after pending", receipts: []*types.Receipt{nil, nil, {Status: types.ReceiptStatusSuccessful}}},
		{name: "reverted", receipts: []*types.Receipt{{Status: types.ReceiptStatusFailed}}, wantErr: domain.ErrTxReverted},
		{name: "timed out", receipts: nil, wantErr: domain.ErrTxTimedOut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{account: account, chainID: arbitrum, receipts: tt.receipts}
			g := NewGateway(p, fastOptions(), zap.NewNop())

			_, err := g.AwaitConfirmation(context.Background(), common.HexToHash("0x01"))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTokenDecimals(t *testing.T) {
	out, err := erc20ABI.Methods["decimals"].Outputs.Pack(uint8(6))
	require.NoError(t, err)

	g := NewGateway(&fakeProvider{decimalsOut: out}, fastOptions(), zap.NewNop())
	decimals, err := g.TokenDecimals(context.Background(), common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"))
	require.NoError(t, err)
	assert.Equal(t, uint8(6), decimals)
}
