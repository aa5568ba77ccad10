// Package cryptography implements signing and verification for validator
// evaluations: EIP-191 personal-sign over RFC 8785 canonical JSON, batch
// verification with per-item verdicts, and attestation bundle aggregation.
package cryptography

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/taskmesh/taskmesh-backend/pkg/canonical"
	"github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// CanonicalEvaluationMessage returns the exact bytes a validator signs for
// an evaluation. Canonicalization fixes key order, so independently built
// messages for the same evaluation are byte-identical.
func CanonicalEvaluationMessage(networkID int64, eval types.Evaluation) ([]byte, error) {
	return canonical.Marshal(types.MessageForEvaluation(networkID, eval))
}

// eip191Hash hashes a message with the Ethereum personal-sign prefix.
func eip191Hash(message []byte) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return crypto.Keccak256([]byte(prefixed))
}

// CheckSignatureFormat rejects signatures that cannot possibly verify:
// bad hex, wrong length, out-of-range recovery id. It does no cryptography,
// so it is safe to call on the submission path.
func CheckSignatureFormat(signature string) error {
	sigBytes, err := hexutil.Decode(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrSignatureFormat, err)
	}
	if len(sigBytes) != 65 {
		return fmt.Errorf("%w: length %d, want 65", errors.ErrSignatureFormat, len(sigBytes))
	}
	if v := sigBytes[64]; v != 0 && v != 1 && v != 27 && v != 28 {
		return fmt.Errorf("%w: recovery id %d", errors.ErrSignatureFormat, v)
	}
	return nil
}

// decodeSignature decodes and normalizes a signature for Ecrecover
// (recovery id in 0/1 form).
func decodeSignature(signature string) ([]byte, error) {
	if err := CheckSignatureFormat(signature); err != nil {
		return nil, err
	}
	sigBytes, _ := hexutil.Decode(signature)
	sig := make([]byte, 65)
	copy(sig, sigBytes)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	return sig, nil
}
