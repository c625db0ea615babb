package wallet

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Provider is the wallet the user controls. Every call that needs the user's consent
// may block until they answer and returns domain.ErrUserRejected on refusal.
// TransactionReceipt returns ethereum.NotFound while a transaction is pending.
type Provider interface {
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (int64, error)
	// SwitchChain asks the wallet to change network. It may return before the
	// switch is observable through ChainID.
	SwitchChain(ctx context.Context, chainID int64) error
	SignTypedData(ctx context.Context, account common.Address, td apitypes.TypedData) ([]byte, error)
	SendERC20Transfer(ctx context.Context, from, token, to common.Address, amount *big.Int) (common.Hash, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}
