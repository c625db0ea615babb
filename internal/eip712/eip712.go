// Package eip712 hashes and signs structured typed data.
package eip712

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/perpgate/internal/domain"
)

// ZeroAddress is the verifying-contract sentinel used by the exchange domains.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// DomainType is the field layout of an EIP712Domain with a verifying contract.
var DomainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Digest returns keccak256(0x19 0x01 ‖ domainSeparator ‖ hashStruct(message)).
func Digest(td apitypes.TypedData) (common.Hash, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "hash domain")
	}

	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "hash message")
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, messageHash...)
	return crypto.Keccak256Hash(rawData), nil
}

// Sign signs the typed data and returns the 65-byte signature with v in {27, 28}.
func Sign(key *ecdsa.PrivateKey, td apitypes.TypedData) ([]byte, error) {
	if key == nil {
		return nil, errors.New("signing key is nil")
	}
	digest, err := Digest(td)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, errors.Wrap(err, "sign digest")
	}
	sig[64] += 27
	return sig, nil
}

// Split converts a 65-byte signature into the {r, s, v} form the exchange accepts.
func Split(sig []byte) (domain.Signature, error) {
	if len(sig) != 65 {
		return domain.Signature{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	v := int(sig[64])
	if v < 27 {
		v += 27
	}
	return domain.Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: v,
	}, nil
}

// Recover returns the address that produced sig over td.
func Recover(td apitypes.TypedData, sig domain.Signature) (common.Address, error) {
	r, err := hexutil.Decode(sig.R)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "decode r")
	}
	s, err := hexutil.Decode(sig.S)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "decode s")
	}
	if len(r) != 32 || len(s) != 32 {
		return common.Address{}, errors.New("r and s must be 32 bytes")
	}

	digest, err := Digest(td)
	if err != nil {
		return common.Address{}, err
	}

	raw := make([]byte, 65)
	copy(raw[:32], r)
	copy(raw[32:64], s)
	raw[64] = byte(sig.V - 27)

	pub, err := crypto.SigToPub(digest.Bytes(), raw)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "recover public key")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
