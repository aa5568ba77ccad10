package cryptography

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// SignMessage signs a message with the EIP-191 personal-sign scheme and
// returns the 65-byte signature hex-encoded, recovery id in 27/28 form.
func SignMessage(message string, privateKey string) (string, error) {
	privateKeyECDSA, err := crypto.HexToECDSA(privateKey)
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}

	signature, err := crypto.Sign(eip191Hash([]byte(message)), privateKeyECDSA)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}

	signature[64] += 27

	return hexutil.Encode(signature), nil
}

// SignEvaluation canonicalizes and signs an evaluation message. Used by
// validator clients and tests; the coordinator itself never signs.
func SignEvaluation(networkID int64, eval types.Evaluation, privateKey string) (string, error) {
	message, err := CanonicalEvaluationMessage(networkID, eval)
	if err != nil {
		return "", fmt.Errorf("failed to build evaluation message: %w", err)
	}
	return SignMessage(string(message), privateKey)
}
