package domain

import (
	"crypto/ecdsa"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AgentIdentity is the delegated signing key of an owner wallet.
// PrivateKey never leaves the process; only Address is sent over the network.
type AgentIdentity struct {
	Owner      common.Address
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
	Approved   bool
	CreatedAt  time.Time
}

// LowerAddress returns the agent address in lower case, the form used inside signed payloads.
func (a *AgentIdentity) LowerAddress() string {
	if a == nil {
		return ""
	}
	return strings.ToLower(a.Address.Hex())
}

// ActivationState tracks the approval handshake of an owner's agent.
type ActivationState int

const (
	ActivationNoAgent ActivationState = iota
	ActivationAgentGenerated
	ActivationApprovalRequested
	ActivationApproved
	ActivationApprovalFailed
)

func (s ActivationState) String() string {
	switch s {
	case ActivationNoAgent:
		return "no_agent"
	case ActivationAgentGenerated:
		return "agent_generated"
	case ActivationApprovalRequested:
		return "approval_requested"
	case ActivationApproved:
		return "approved"
	case ActivationApprovalFailed:
		return "approval_failed"
	default:
		return "unknown"
	}
}

// AgentApproval is the signed authorization of an agent by its owner wallet.
type AgentApproval struct {
	Owner            common.Address
	AgentAddress     string // lower-case hex
	AgentName        string
	Nonce            uint64
	HyperliquidChain string
	SignatureChainID int64
	Signature        Signature
}
