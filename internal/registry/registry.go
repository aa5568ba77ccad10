// Package registry reads the on-chain TaskMesh registry: role populations,
// validator records and per-task validator selections.
package registry

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/taskmesh/taskmesh-backend/pkg/logging"
)

// registryABI is the read surface of the registry contract, hand-bound so
// view calls need no generated bindings.
const registryABI = `[
	{"name":"validatorCount","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"minerCount","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"validatorInfo","type":"function","stateMutability":"view","inputs":[{"name":"validator","type":"address"}],"outputs":[{"name":"registered","type":"bool"},{"name":"stake","type":"uint256"},{"name":"reputation","type":"uint256"},{"name":"endpoint","type":"string"}]},
	{"name":"selectedValidators","type":"function","stateMutability":"view","inputs":[{"name":"taskHash","type":"bytes32"}],"outputs":[{"name":"","type":"address[]"}]}
]`

// ValidatorInfo is one validator's on-chain record.
type ValidatorInfo struct {
	Registered bool
	Stake      *big.Int // wei
	Reputation float64  // 0..100
	Endpoint   string   // p2p multiaddr
}

// Client reads the registry contract.
type Client struct {
	contract *bind.BoundContract
	address  common.Address
	logger   logging.Logger
	closeFn  func()
}

// NewClient dials the chain RPC and binds the registry contract.
func NewClient(rpcURL string, contractAddress string, logger logging.Logger) (*Client, error) {
	ethClient, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain RPC: %w", err)
	}
	client, err := newClient(ethClient, contractAddress, logger)
	if err != nil {
		ethClient.Close()
		return nil, err
	}
	client.closeFn = ethClient.Close
	return client, nil
}

func newClient(caller bind.ContractCaller, contractAddress string, logger logging.Logger) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry ABI: %w", err)
	}
	address := common.HexToAddress(contractAddress)
	return &Client{
		contract: bind.NewBoundContract(address, parsed, caller, nil, nil),
		address:  address,
		logger:   logger,
	}, nil
}

// ValidatorCount returns how many validators are registered.
func (c *Client) ValidatorCount(ctx context.Context) (int, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "validatorCount"); err != nil {
		return 0, fmt.Errorf("validatorCount call failed: %w", err)
	}
	return int(out[0].(*big.Int).Int64()), nil
}

// MinerCount returns how many miners are registered.
func (c *Client) MinerCount(ctx context.Context) (int, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "minerCount"); err != nil {
		return 0, fmt.Errorf("minerCount call failed: %w", err)
	}
	return int(out[0].(*big.Int).Int64()), nil
}

// ValidatorInfo returns one validator's on-chain record.
func (c *Client) ValidatorInfo(ctx context.Context, address string) (*ValidatorInfo, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "validatorInfo", common.HexToAddress(address))
	if err != nil {
		return nil, fmt.Errorf("validatorInfo call failed: %w", err)
	}
	return &ValidatorInfo{
		Registered: out[0].(bool),
		Stake:      out[1].(*big.Int),
		Reputation: float64(out[2].(*big.Int).Int64()),
		Endpoint:   out[3].(string),
	}, nil
}

// SelectedValidators returns the validator set assigned to a task. Task ids
// are arbitrary strings; the contract indexes them by keccak hash.
func (c *Client) SelectedValidators(ctx context.Context, taskID string) ([]string, error) {
	taskHash := crypto.Keccak256Hash([]byte(taskID))

	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "selectedValidators", [32]byte(taskHash))
	if err != nil {
		return nil, fmt.Errorf("selectedValidators call failed: %w", err)
	}

	addresses := out[0].([]common.Address)
	selected := make([]string, len(addresses))
	for i, addr := range addresses {
		selected[i] = addr.Hex()
	}
	return selected, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}
