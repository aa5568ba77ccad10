package cryptography

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/taskmesh/taskmesh-backend/pkg/errors"
)

// SignerEntry pairs a claimed signer with its signature over a shared message.
type SignerEntry struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// AttestationBundle is a compact commitment to a set of signatures over one
// message. AttestationHash covers (address, r, s, v) tuples sorted by
// address, so the bundle is independent of submission order.
type AttestationBundle struct {
	MessageHash     string   `json:"message_hash"`
	AttestationHash string   `json:"attestation_hash"`
	Signers         []string `json:"signers"`
}

// AggregateSignatures builds an attestation bundle. Aggregation fails
// closed: one invalid or duplicate signature invalidates the whole set.
func AggregateSignatures(message []byte, entries []SignerEntry) (*AttestationBundle, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}

	seen := make(map[common.Address]bool, len(entries))
	for i, entry := range entries {
		if err := VerifyMessage(entry.Address, entry.Signature, message); err != nil {
			return nil, &errors.InvalidSignatureError{Index: i, Signer: entry.Address, Err: err}
		}
		addr := common.HexToAddress(entry.Address)
		if seen[addr] {
			return nil, fmt.Errorf("duplicate signer %s in aggregation set", strings.ToLower(addr.Hex()))
		}
		seen[addr] = true
	}

	sorted := make([]SignerEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].Address) < strings.ToLower(sorted[j].Address)
	})

	var attestation []byte
	signers := make([]string, 0, len(sorted))
	for _, entry := range sorted {
		sigBytes, _ := hexutil.Decode(entry.Signature)
		sig := make([]byte, 65)
		copy(sig, sigBytes)
		if sig[64] < 27 {
			sig[64] += 27
		}

		addr := common.HexToAddress(entry.Address)
		attestation = append(attestation, addr.Bytes()...)
		attestation = append(attestation, sig...)
		signers = append(signers, strings.ToLower(addr.Hex()))
	}

	return &AttestationBundle{
		MessageHash:     hexutil.Encode(eip191Hash(message)),
		AttestationHash: hexutil.Encode(crypto.Keccak256(attestation)),
		Signers:         signers,
	}, nil
}

// VerifyAggregatedSignature re-derives the bundle from the message and
// signer set and compares every field.
func VerifyAggregatedSignature(bundle *AttestationBundle, message []byte, entries []SignerEntry) error {
	if bundle == nil {
		return fmt.Errorf("nil attestation bundle")
	}

	derived, err := AggregateSignatures(message, entries)
	if err != nil {
		return fmt.Errorf("failed to re-derive bundle: %w", err)
	}

	if derived.MessageHash != bundle.MessageHash {
		return fmt.Errorf("message hash mismatch: derived %s, bundle %s", derived.MessageHash, bundle.MessageHash)
	}
	if derived.AttestationHash != bundle.AttestationHash {
		return fmt.Errorf("attestation hash mismatch: derived %s, bundle %s", derived.AttestationHash, bundle.AttestationHash)
	}
	if len(derived.Signers) != len(bundle.Signers) {
		return fmt.Errorf("signer count mismatch: derived %d, bundle %d", len(derived.Signers), len(bundle.Signers))
	}
	for i := range derived.Signers {
		if derived.Signers[i] != bundle.Signers[i] {
			return fmt.Errorf("signer %d mismatch: derived %s, bundle %s", i, derived.Signers[i], bundle.Signers[i])
		}
	}
	return nil
}
