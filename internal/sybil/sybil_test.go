package sybil

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh-backend/internal/registry"
	"github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/logging"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

const (
	testAddress  = "0x1111111111111111111111111111111111111111"
	testEndpoint = "/ip4/127.0.0.1/tcp/9010/p2p/QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ"
)

type fakeRegistry struct {
	info *registry.ValidatorInfo
	err  error
}

func (f *fakeRegistry) ValidatorInfo(ctx context.Context, address string) (*registry.ValidatorInfo, error) {
	return f.info, f.err
}

type fakeConverter struct {
	pricePerToken float64
}

func (f *fakeConverter) ConvertToUSD(ctx context.Context, chainID int64, amountWei *big.Int) float64 {
	if amountWei == nil {
		return 0
	}
	tokens, _ := new(big.Float).Quo(new(big.Float).SetInt(amountWei), big.NewFloat(1e18)).Float64()
	return tokens * f.pricePerToken
}

func eth(n float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(n), big.NewFloat(1e18)).Int(nil)
	return wei
}

func storeWith(t *testing.T, profile *types.ValidatorProfile) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	if profile != nil {
		require.NoError(t, store.PutValidator(context.Background(), profile))
	}
	return store
}

func TestOffchainQualification(t *testing.T) {
	tests := []struct {
		name        string
		profile     types.ValidatorProfile
		qualified   bool
		wantReasons int
	}{
		{
			name:      "all checks pass",
			profile:   types.ValidatorProfile{Address: testAddress, StakeUSD: 150, Reputation: 75, Active: true},
			qualified: true,
		},
		{
			name:      "reputation exactly at minimum qualifies",
			profile:   types.ValidatorProfile{Address: testAddress, StakeUSD: 100, Reputation: 70, Active: true},
			qualified: true,
		},
		{
			name:        "stake below minimum disqualifies despite perfect reputation",
			profile:     types.ValidatorProfile{Address: testAddress, StakeUSD: 99.99, Reputation: 100, Active: true},
			qualified:   false,
			wantReasons: 1,
		},
		{
			name:        "reputation below minimum",
			profile:     types.ValidatorProfile{Address: testAddress, StakeUSD: 500, Reputation: 69.99, Active: true},
			qualified:   false,
			wantReasons: 1,
		},
		{
			name:        "inactive validator",
			profile:     types.ValidatorProfile{Address: testAddress, StakeUSD: 500, Reputation: 90, Active: false},
			qualified:   false,
			wantReasons: 1,
		},
		{
			name:        "banned validator",
			profile:     types.ValidatorProfile{Address: testAddress, StakeUSD: 500, Reputation: 90, Active: true, Banned: true},
			qualified:   false,
			wantReasons: 1,
		},
		{
			name:        "every failed check is itemized",
			profile:     types.ValidatorProfile{Address: testAddress, StakeUSD: 10, Reputation: 20, Active: false, Banned: true},
			qualified:   false,
			wantReasons: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, err := NewGate(storeWith(t, &tt.profile), nil, nil, DefaultConfig(), logging.NewNoOpLogger())
			require.NoError(t, err)

			qualification, err := gate.Qualify(context.Background(), testAddress)
			require.NoError(t, err)
			assert.Equal(t, tt.qualified, qualification.Qualified)
			assert.Equal(t, types.QualificationSourceOffchain, qualification.Source)
			if !tt.qualified {
				assert.Len(t, qualification.Reasons, tt.wantReasons)
			} else {
				assert.Empty(t, qualification.Reasons)
			}
		})
	}
}

func TestOffchainMissingRecord(t *testing.T) {
	gate, err := NewGate(NewMemoryStore(), nil, nil, DefaultConfig(), logging.NewNoOpLogger())
	require.NoError(t, err)

	qualification, err := gate.Qualify(context.Background(), testAddress)
	require.NoError(t, err)
	assert.False(t, qualification.Qualified)
	require.Len(t, qualification.Reasons, 1)
	assert.Contains(t, qualification.Reasons[0], "no validator record")
}

func TestOnchainQualification(t *testing.T) {
	onchain := &fakeRegistry{info: &registry.ValidatorInfo{
		Registered: true,
		Stake:      eth(1),
		Reputation: 85,
		Endpoint:   testEndpoint,
	}}
	gate, err := NewGate(NewMemoryStore(), onchain, &fakeConverter{pricePerToken: 3000}, DefaultConfig(), logging.NewNoOpLogger())
	require.NoError(t, err)

	qualification, err := gate.Qualify(context.Background(), testAddress)
	require.NoError(t, err)
	assert.True(t, qualification.Qualified)
	assert.Equal(t, types.QualificationSourceOnchain, qualification.Source)
	assert.InDelta(t, 3000.0, qualification.StakeUSD, 1e-6)
	assert.InDelta(t, 85.0, qualification.Reputation, 1e-9)
}

func TestOnchainRejectionsItemized(t *testing.T) {
	onchain := &fakeRegistry{info: &registry.ValidatorInfo{
		Registered: false,
		Stake:      big.NewInt(0),
		Reputation: 40,
		Endpoint:   "not-a-multiaddr",
	}}
	gate, err := NewGate(NewMemoryStore(), onchain, &fakeConverter{pricePerToken: 3000}, DefaultConfig(), logging.NewNoOpLogger())
	require.NoError(t, err)

	qualification, err := gate.Qualify(context.Background(), testAddress)
	require.NoError(t, err)
	assert.False(t, qualification.Qualified)
	// unregistered, zero stake, low reputation, bad endpoint
	assert.Len(t, qualification.Reasons, 4)
}

func TestOnchainFailureFallsBackToOffchain(t *testing.T) {
	onchain := &fakeRegistry{err: fmt.Errorf("rpc connection refused")}
	profile := &types.ValidatorProfile{Address: testAddress, StakeUSD: 200, Reputation: 80, Active: true}
	gate, err := NewGate(storeWith(t, profile), onchain, &fakeConverter{pricePerToken: 3000}, DefaultConfig(), logging.NewNoOpLogger())
	require.NoError(t, err)

	qualification, err := gate.Qualify(context.Background(), testAddress)
	require.NoError(t, err)
	assert.True(t, qualification.Qualified)
	assert.Equal(t, types.QualificationSourceOffchain, qualification.Source)
}

func TestRequire(t *testing.T) {
	profile := &types.ValidatorProfile{Address: testAddress, StakeUSD: 10, Reputation: 90, Active: true}
	gate, err := NewGate(storeWith(t, profile), nil, nil, DefaultConfig(), logging.NewNoOpLogger())
	require.NoError(t, err)

	err = gate.Require(context.Background(), testAddress)
	var unqualified *errors.UnqualifiedValidatorError
	require.ErrorAs(t, err, &unqualified)
	assert.Equal(t, testAddress, unqualified.Address)
	assert.NotEmpty(t, unqualified.Reasons)

	require.NoError(t, gate.store.PutValidator(context.Background(),
		&types.ValidatorProfile{Address: testAddress, StakeUSD: 200, Reputation: 90, Active: true}))
	assert.NoError(t, gate.Require(context.Background(), testAddress))
}

func TestAdjustReputation(t *testing.T) {
	config := DefaultConfig()

	tests := []struct {
		name    string
		current float64
		correct bool
		want    float64
	}{
		{name: "adjust then decay", current: 80, correct: true, want: 80.19},
		{name: "penalty then decay", current: 80, correct: false, want: 74.25},
		{name: "gain capped at 100 before decay", current: 100, correct: true, want: 99.0},
		{name: "near-cap clamps then decays", current: 99.5, correct: true, want: 99.0},
		{name: "penalty floored at 0", current: 3, correct: false, want: 0},
		{name: "zero stays zero on success", current: 0, correct: true, want: 0.99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, AdjustReputation(tt.current, tt.correct, config), 1e-9)
		})
	}
}

func TestUpdateReputationPersists(t *testing.T) {
	profile := &types.ValidatorProfile{Address: testAddress, StakeUSD: 200, Reputation: 80, Active: true}
	store := storeWith(t, profile)
	gate, err := NewGate(store, nil, nil, DefaultConfig(), logging.NewNoOpLogger())
	require.NoError(t, err)

	updated, err := gate.UpdateReputation(context.Background(), testAddress, true)
	require.NoError(t, err)
	assert.InDelta(t, 80.19, updated, 1e-9)

	stored, err := store.GetValidator(context.Background(), testAddress)
	require.NoError(t, err)
	assert.InDelta(t, 80.19, stored.Reputation, 1e-9)
	assert.False(t, stored.UpdatedAt.IsZero())
}

func TestUpdateReputationUnknownValidator(t *testing.T) {
	gate, err := NewGate(NewMemoryStore(), nil, nil, DefaultConfig(), logging.NewNoOpLogger())
	require.NoError(t, err)

	_, err = gate.UpdateReputation(context.Background(), testAddress, true)
	assert.True(t, errors.IsNotFound(err))
}

func TestNewGateValidation(t *testing.T) {
	var invalid *errors.InvalidConfigurationError

	_, err := NewGate(nil, nil, nil, DefaultConfig(), logging.NewNoOpLogger())
	require.ErrorAs(t, err, &invalid)

	_, err = NewGate(NewMemoryStore(), &fakeRegistry{}, nil, DefaultConfig(), logging.NewNoOpLogger())
	require.ErrorAs(t, err, &invalid)

	badDecay := DefaultConfig()
	badDecay.DecayRate = 1.5
	_, err = NewGate(NewMemoryStore(), nil, nil, badDecay, logging.NewNoOpLogger())
	require.ErrorAs(t, err, &invalid)
}
