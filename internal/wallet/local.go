package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/internal/eip712"
)

// LocalProvider is a Provider backed by a key held in this process and one RPC
// endpoint per chain. Every signature and transaction goes through the approver.
type LocalProvider struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	rpcs     map[int64]string
	approver Approver
	logger   *zap.Logger

	mu      sync.Mutex
	chainID int64
	client  *ethclient.Client
}

// NewLocalProvider creates a provider starting on initialChainID. RPC connections are
// dialed on first use.
func NewLocalProvider(privateKeyHex string, rpcs map[int64]string, initialChainID int64, approver Approver, logger *zap.Logger) (*LocalProvider, error) {
	key := strings.TrimSpace(privateKeyHex)
	if len(key) >= 2 && (key[:2] == "0x" || key[:2] == "0X") {
		key = key[2:]
	}
	if key == "" {
		return nil, errors.New("wallet private key is empty")
	}

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, errors.Wrap(err, "parse wallet key")
	}
	if approver == nil {
		approver = NewPromptApprover()
	}

	return &LocalProvider{
		key:      privateKey,
		address:  crypto.PubkeyToAddress(privateKey.PublicKey),
		rpcs:     rpcs,
		approver: approver,
		logger:   logger,
		chainID:  initialChainID,
	}, nil
}

func (p *LocalProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	if err := p.approver.Approve(ctx, Approval{
		Title:  "Connect wallet",
		Detail: fmt.Sprintf("Share account %s with perpgate?", p.address.Hex()),
	}); err != nil {
		return nil, err
	}
	return []common.Address{p.address}, nil
}

func (p *LocalProvider) ChainID(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chainID, nil
}

func (p *LocalProvider) SwitchChain(ctx context.Context, chainID int64) error {
	url, ok := p.rpcs[chainID]
	if !ok {
		return errors.Errorf("unrecognized chain %d: no rpc configured", chainID)
	}
	if err := p.approver.Approve(ctx, Approval{
		Title:  "Switch network",
		Detail: fmt.Sprintf("Switch wallet to chain %d?", chainID),
	}); err != nil {
		return err
	}

	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return errors.Wrapf(err, "dial chain %d", chainID)
	}
	remote, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return errors.Wrapf(err, "read chain id of %s", url)
	}
	if remote.Int64() != chainID {
		client.Close()
		return errors.Errorf("rpc %s serves chain %s, expected %d", url, remote, chainID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Close()
	}
	p.client = client
	p.chainID = chainID
	return nil
}

func (p *LocalProvider) SignTypedData(ctx context.Context, account common.Address, td apitypes.TypedData) ([]byte, error) {
	if account != p.address {
		return nil, errors.Errorf("unknown account %s", account.Hex())
	}
	if err := p.approver.Approve(ctx, Approval{
		Title:  "Signature request",
		Detail: describeTypedData(td),
	}); err != nil {
		return nil, err
	}
	return eip712.Sign(p.key, td)
}

func (p *LocalProvider) SendERC20Transfer(ctx context.Context, from, token, to common.Address, amount *big.Int) (common.Hash, error) {
	if from != p.address {
		return common.Hash{}, errors.Errorf("unknown account %s", from.Hex())
	}
	client, chainID, err := p.rpc(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "pack transfer")
	}

	if err := p.approver.Approve(ctx, Approval{
		Title:  "Send transaction",
		Detail: fmt.Sprintf("Transfer %s base units of token %s to %s on chain %d", amount, token.Hex(), to.Hex(), chainID),
	}); err != nil {
		return common.Hash{}, err
	}

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "pending nonce")
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "suggest gas tip")
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "latest header")
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &token, Data: data})
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "estimate gas")
	}

	chain := big.NewInt(chainID)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chain,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &token,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chain), p.key)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "sign transaction")
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, errors.Wrap(err, "send transaction")
	}
	return signed.Hash(), nil
}

func (p *LocalProvider) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	client, _, err := p.rpc(ctx)
	if err != nil {
		return nil, err
	}
	return client.CallContract(ctx, msg, nil)
}

func (p *LocalProvider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	client, _, err := p.rpc(ctx)
	if err != nil {
		return nil, err
	}
	return client.TransactionReceipt(ctx, hash)
}

// Close releases the RPC connection.
func (p *LocalProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
}

// rpc returns a client for the current chain, dialing it on first use.
func (p *LocalProvider) rpc(ctx context.Context) (*ethclient.Client, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, p.chainID, nil
	}
	url, ok := p.rpcs[p.chainID]
	if !ok {
		return nil, 0, errors.Errorf("no rpc configured for chain %d", p.chainID)
	}
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "dial chain %d", p.chainID)
	}
	p.client = client
	p.logger.Debug("dialed rpc", zap.Int64("chain_id", p.chainID))
	return client, p.chainID, nil
}
