package exchange

import (
	"crypto/ecdsa"
	"fmt"
	gomath "math"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
	hyperliquid "github.com/sonirico/go-hyperliquid"

	"github.com/vadiminshakov/perpgate/internal/domain"
	"github.com/vadiminshakov/perpgate/internal/eip712"
)

const (
	// ApproveAgentPrimaryType is the primary type of the user-signed agent approval.
	ApproveAgentPrimaryType = "HyperliquidTransaction:ApproveAgent"
	// UserSignedDomainName is the domain name of user-signed actions.
	UserSignedDomainName = "HyperliquidSignTransaction"
)

// ChainLabel returns the hyperliquidChain label for the network.
func ChainLabel(mainnet bool) string {
	if mainnet {
		return "Mainnet"
	}
	return "Testnet"
}

// SignL1Action signs a trading action with the agent key. Hashing and the phantom-agent
// payload come from the SDK; actions must use its wire types so field order matches.
func SignL1Action(key *ecdsa.PrivateKey, action any, nonce uint64, mainnet bool) (sig domain.Signature, err error) {
	if key == nil {
		return domain.Signature{}, errors.New("signing key is nil")
	}
	if nonce > gomath.MaxInt64 {
		return domain.Signature{}, errors.Errorf("nonce %d out of range", nonce)
	}
	// the SDK panics on actions it cannot msgpack-encode
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("sign l1 action: %v", r)
		}
	}()

	raw, err := hyperliquid.SignL1Action(key, action, "", int64(nonce), nil, mainnet)
	if err != nil {
		return domain.Signature{}, errors.Wrap(err, "sign l1 action")
	}
	return fromSDKSignature(raw)
}

// fromSDKSignature left-pads r and s to 32 bytes; the SDK drops leading zero bytes.
func fromSDKSignature(sig hyperliquid.SignatureResult) (domain.Signature, error) {
	r, err := hexutil.DecodeBig(sig.R)
	if err != nil {
		return domain.Signature{}, errors.Wrap(err, "decode r")
	}
	s, err := hexutil.DecodeBig(sig.S)
	if err != nil {
		return domain.Signature{}, errors.Wrap(err, "decode s")
	}
	return domain.Signature{
		R: hexutil.Encode(common.LeftPadBytes(r.Bytes(), 32)),
		S: hexutil.Encode(common.LeftPadBytes(s.Bytes(), 32)),
		V: sig.V,
	}, nil
}

// ApproveAgentTypedData builds the payload the owner wallet signs to authorize an agent.
// signatureChainID is the chain the wallet is connected to, which may differ from the
// exchange settlement chain.
func ApproveAgentTypedData(signatureChainID int64, hyperliquidChain, agentAddress, agentName string, nonce uint64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712.DomainType,
			ApproveAgentPrimaryType: []apitypes.Type{
				{Name: "hyperliquidChain", Type: "string"},
				{Name: "agentAddress", Type: "address"},
				{Name: "agentName", Type: "string"},
				{Name: "nonce", Type: "uint64"},
			},
		},
		PrimaryType: ApproveAgentPrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              UserSignedDomainName,
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(signatureChainID),
			VerifyingContract: eip712.ZeroAddress,
		},
		Message: apitypes.TypedDataMessage{
			"hyperliquidChain": hyperliquidChain,
			"agentAddress":     strings.ToLower(agentAddress),
			"agentName":        agentName,
			"nonce":            strconv.FormatUint(nonce, 10),
		},
	}
}

// ApprovalTypedData rebuilds the signed payload of an approval.
func ApprovalTypedData(a domain.AgentApproval) apitypes.TypedData {
	return ApproveAgentTypedData(a.SignatureChainID, a.HyperliquidChain, a.AgentAddress, a.AgentName, a.Nonce)
}

// hexChainID formats a chain id the way signatureChainId is sent, e.g. 0xa4b1.
func hexChainID(chainID int64) string {
	return fmt.Sprintf("0x%x", chainID)
}
