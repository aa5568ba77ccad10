// Package anchor builds the unsigned calldata that binds a task to its
// archived state on chain. The coordinator never signs or submits the
// transaction; it hands the calldata to whoever settles the task.
package anchor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/taskmesh/taskmesh-backend/pkg/errors"
)

// anchorABI declares the single anchoring entry point of the settlement
// contract: anchorTask(taskHash, archiveCid).
const anchorABI = `[
	{"name":"anchorTask","type":"function","stateMutability":"nonpayable","inputs":[{"name":"taskHash","type":"bytes32"},{"name":"archiveCid","type":"string"}],"outputs":[]}
]`

// Binding is one task-to-archive anchor: the abi-packed calldata plus the
// hashes a verifier re-derives.
type Binding struct {
	TaskID     string `json:"task_id"`
	ArchiveCID string `json:"archive_cid"`
	TaskHash   string `json:"task_hash"` // 0x keccak256(taskID)
	CallData   []byte `json:"call_data"`
}

// Builder packs and verifies anchor calldata.
type Builder struct {
	abi abi.ABI
}

func NewBuilder() (*Builder, error) {
	parsed, err := abi.JSON(strings.NewReader(anchorABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse anchor ABI: %w", err)
	}
	return &Builder{abi: parsed}, nil
}

// BuildCallData packs anchorTask(keccak256(taskID), cid) into unsigned
// calldata.
func (b *Builder) BuildCallData(taskID string, cid string) (*Binding, error) {
	if taskID == "" {
		return nil, taskmeshValidation("task_id is required")
	}
	if cid == "" {
		return nil, taskmeshValidation("archive cid is required")
	}

	taskHash := crypto.Keccak256Hash([]byte(taskID))
	callData, err := b.abi.Pack("anchorTask", [32]byte(taskHash), cid)
	if err != nil {
		return nil, fmt.Errorf("failed to pack anchor calldata: %w", err)
	}

	return &Binding{
		TaskID:     taskID,
		ArchiveCID: cid,
		TaskHash:   taskHash.Hex(),
		CallData:   callData,
	}, nil
}

// Verify re-derives the calldata for (taskID, cid) and compares it to the
// presented bytes. Any drift in task id, content id or encoding fails.
func (b *Builder) Verify(taskID string, cid string, callData []byte) error {
	expected, err := b.BuildCallData(taskID, cid)
	if err != nil {
		return err
	}
	if !bytes.Equal(expected.CallData, callData) {
		return &errors.InvariantViolation{
			Name:     "anchor_calldata_mismatch",
			Severity: "high",
			Detail:   fmt.Sprintf("calldata does not bind task %s to archive %s", taskID, cid),
		}
	}
	return nil
}

func taskmeshValidation(reason string) error {
	return errors.NewValidationError("anchor", reason)
}
