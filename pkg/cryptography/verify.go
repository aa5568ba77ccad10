package cryptography

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// VerifyMessage recovers the signer of an EIP-191 signature and compares it
// to the claimed address (case-insensitive). Format failures wrap
// ErrSignatureFormat; a wrong signer wraps ErrSignatureMismatch.
func VerifyMessage(signerAddress string, signature string, message []byte) error {
	sig, err := decodeSignature(signature)
	if err != nil {
		return err
	}

	pubKeyRaw, err := crypto.Ecrecover(eip191Hash(message), sig)
	if err != nil {
		return fmt.Errorf("%w: recover failed: %v", errors.ErrSignatureFormat, err)
	}

	pubKey, err := crypto.UnmarshalPubkey(pubKeyRaw)
	if err != nil {
		return fmt.Errorf("%w: unmarshal public key: %v", errors.ErrSignatureFormat, err)
	}

	recovered := crypto.PubkeyToAddress(*pubKey)
	if recovered != common.HexToAddress(signerAddress) {
		return fmt.Errorf("%w: recovered %s, claimed %s",
			errors.ErrSignatureMismatch, strings.ToLower(recovered.Hex()), strings.ToLower(signerAddress))
	}
	return nil
}

// VerifyEvaluation checks that an evaluation's signature was produced by
// its claimed validator over the canonical evaluation message.
func VerifyEvaluation(networkID int64, eval types.Evaluation) error {
	message, err := CanonicalEvaluationMessage(networkID, eval)
	if err != nil {
		return fmt.Errorf("failed to build evaluation message: %w", err)
	}
	return VerifyMessage(eval.ValidatorAddress, eval.Signature, message)
}

// BatchVerdict is the verification outcome for one evaluation in a batch.
type BatchVerdict struct {
	Index      int
	Evaluation types.Evaluation
	Err        error // nil when the signature verified
}

// BatchResult carries per-item verdicts for a verified batch. Processing
// never short-circuits: every item gets a verdict, and callers filter
// invalid items rather than aborting the batch.
type BatchResult struct {
	Verdicts []BatchVerdict
	AllValid bool
}

// Valid returns the evaluations that verified, preserving input order.
func (r *BatchResult) Valid() []types.Evaluation {
	var valid []types.Evaluation
	for _, v := range r.Verdicts {
		if v.Err == nil {
			valid = append(valid, v.Evaluation)
		}
	}
	return valid
}

// Invalid returns the verdicts for evaluations that failed verification.
func (r *BatchResult) Invalid() []BatchVerdict {
	var invalid []BatchVerdict
	for _, v := range r.Verdicts {
		if v.Err != nil {
			invalid = append(invalid, v)
		}
	}
	return invalid
}

// VerifyBatch verifies every evaluation independently.
func VerifyBatch(networkID int64, evals []types.Evaluation) *BatchResult {
	result := &BatchResult{
		Verdicts: make([]BatchVerdict, len(evals)),
		AllValid: true,
	}

	for i, eval := range evals {
		verdict := BatchVerdict{Index: i, Evaluation: eval}
		if err := VerifyEvaluation(networkID, eval); err != nil {
			verdict.Err = &errors.InvalidSignatureError{
				Index:  i,
				Signer: eval.ValidatorAddress,
				Err:    err,
			}
			result.AllValid = false
		}
		result.Verdicts[i] = verdict
	}

	return result
}
