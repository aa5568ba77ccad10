// Package canonical produces RFC 8785 (JCS) canonical JSON and content
// hashes derived from it. Two payloads that differ only in key order or
// insignificant whitespace canonicalize to identical bytes, so their
// hashes match.
package canonical

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
)

// Marshal serializes v to canonical JSON.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return Transform(raw)
}

// Transform canonicalizes raw JSON bytes.
func Transform(raw []byte) ([]byte, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return canonical, nil
}

// Hash returns the 0x-prefixed keccak256 digest of the canonical form of v.
func Hash(v interface{}) (string, error) {
	canonical, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(crypto.Keccak256(canonical)), nil
}

// HashRaw returns the 0x-prefixed keccak256 digest of canonicalized raw JSON.
func HashRaw(raw []byte) (string, error) {
	canonical, err := Transform(raw)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(crypto.Keccak256(canonical)), nil
}
