// Package activation authorizes an agent key to trade on behalf of its owner wallet.
package activation

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/internal/domain"
	"github.com/vadiminshakov/perpgate/internal/exchange"
	"github.com/vadiminshakov/perpgate/internal/metrics"
)

// DefaultAgentName is shown by the exchange next to the approved agent.
const DefaultAgentName = "perpgate"

type typedSigner interface {
	SignTyped(ctx context.Context, td apitypes.TypedData) (domain.Signature, error)
	Session() (domain.WalletSession, bool)
}

// Submitter delivers a signed approval to the exchange, directly or through the backend relay.
type Submitter interface {
	ApproveAgent(ctx context.Context, approval domain.AgentApproval) error
}

type approvalStore interface {
	MarkApproved(owner common.Address) error
}

// Protocol runs the approval handshake. Activating an already approved agent simply
// approves it again; the exchange decides what is currently authorized.
type Protocol struct {
	signer    typedSigner
	submitter Submitter
	store     approvalStore
	agentName string
	mainnet   bool
	logger    *zap.Logger

	// serializes handshakes so the wallet sees one prompt at a time
	activating sync.Mutex

	mu        sync.Mutex
	states    map[common.Address]domain.ActivationState
	lastNonce map[common.Address]uint64
	now       func() time.Time
}

func NewProtocol(signer typedSigner, submitter Submitter, store approvalStore, agentName string, mainnet bool, logger *zap.Logger) *Protocol {
	if agentName == "" {
		agentName = DefaultAgentName
	}
	return &Protocol{
		signer:    signer,
		submitter: submitter,
		store:     store,
		agentName: agentName,
		mainnet:   mainnet,
		logger:    logger,
		states:    make(map[common.Address]domain.ActivationState),
		lastNonce: make(map[common.Address]uint64),
		now:       time.Now,
	}
}

// Activate asks the owner wallet to sign an approval of agent and submits it.
// On success the agent is marked approved in the key store. A rejection by the exchange
// is returned with its literal detail.
func (p *Protocol) Activate(ctx context.Context, session domain.WalletSession, agent *domain.AgentIdentity) (domain.ActivationState, error) {
	if agent == nil {
		return domain.ActivationNoAgent, errors.New("agent is required")
	}
	owner := session.Address
	if agent.Owner != owner {
		return p.State(owner), errors.Errorf("agent %s belongs to %s, not %s", agent.Address.Hex(), agent.Owner.Hex(), owner.Hex())
	}

	p.activating.Lock()
	defer p.activating.Unlock()

	// the wallet may have changed network since the caller took its snapshot
	current, ok := p.signer.Session()
	if !ok {
		return p.State(owner), domain.ErrNotConnected
	}
	if current.Address != owner {
		return p.State(owner), errors.Wrapf(domain.ErrNotConnected, "wallet now on account %s, not %s", current.Address.Hex(), owner.Hex())
	}

	if p.State(owner) == domain.ActivationNoAgent {
		p.setState(owner, domain.ActivationAgentGenerated)
	}

	approval := domain.AgentApproval{
		Owner:            owner,
		AgentAddress:     agent.LowerAddress(),
		AgentName:        p.agentName,
		Nonce:            p.nextNonce(owner),
		HyperliquidChain: exchange.ChainLabel(p.mainnet),
		// the wallet's own chain, which may differ from the settlement chain
		SignatureChainID: current.ChainID,
	}

	p.setState(owner, domain.ActivationApprovalRequested)
	p.logger.Info("requesting agent approval",
		zap.String("owner", owner.Hex()),
		zap.String("agent", approval.AgentAddress),
		zap.Uint64("nonce", approval.Nonce),
		zap.Int64("chain_id", approval.SignatureChainID))

	sig, err := p.signer.SignTyped(ctx, exchange.ApprovalTypedData(approval))
	if err != nil {
		p.setState(owner, domain.ActivationApprovalFailed)
		if errors.Is(err, domain.ErrUserRejected) {
			metrics.IncActivation("user_rejected")
		} else {
			metrics.IncActivation("error")
		}
		return domain.ActivationApprovalFailed, errors.Wrap(err, "sign agent approval")
	}
	approval.Signature = sig

	if err := p.submitter.ApproveAgent(ctx, approval); err != nil {
		p.setState(owner, domain.ActivationApprovalFailed)
		metrics.IncActivation("rejected")
		if detail, ok := domain.RejectionDetail(err); ok {
			p.logger.Warn("agent approval rejected",
				zap.String("owner", owner.Hex()), zap.String("detail", detail))
		}
		return domain.ActivationApprovalFailed, err
	}

	if err := p.store.MarkApproved(owner); err != nil {
		p.setState(owner, domain.ActivationApprovalFailed)
		metrics.IncActivation("error")
		return domain.ActivationApprovalFailed, errors.Wrap(err, "mark agent approved")
	}

	p.setState(owner, domain.ActivationApproved)
	metrics.IncActivation("approved")
	p.logger.Info("agent approved", zap.String("owner", owner.Hex()), zap.String("agent", approval.AgentAddress))
	return domain.ActivationApproved, nil
}

// State returns the handshake state of owner.
func (p *Protocol) State(owner common.Address) domain.ActivationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[owner]
}

// Invalidate records that the exchange no longer accepts the owner's agent.
func (p *Protocol) Invalidate(owner common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.states[owner]; ok {
		p.states[owner] = domain.ActivationAgentGenerated
	}
}

func (p *Protocol) setState(owner common.Address, s domain.ActivationState) {
	p.mu.Lock()
	p.states[owner] = s
	p.mu.Unlock()
}

// nextNonce returns the wall clock in ms, bumped past the last nonce used for owner.
func (p *Protocol) nextNonce(owner common.Address) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := uint64(p.now().UnixMilli())
	if last := p.lastNonce[owner]; n <= last {
		n = last + 1
	}
	p.lastNonce[owner] = n
	return n
}
