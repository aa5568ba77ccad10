package sybil

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql"

	"github.com/taskmesh/taskmesh-backend/pkg/database"
	"github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

const (
	getValidatorQuery = `SELECT address, stake_usd, reputation, active, banned, endpoint, updated_at
		FROM taskmesh.validator_data WHERE address = ?`
	putValidatorQuery = `INSERT INTO taskmesh.validator_data (address, stake_usd, reputation, active, banned, endpoint, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
)

// CassandraStore keeps validator profiles in the validator_data table.
// Records are keyed by lowercase address; hex case is display-only.
type CassandraStore struct {
	conn *database.Connection
}

// NewCassandraStore wraps an existing database connection.
func NewCassandraStore(conn *database.Connection) *CassandraStore {
	return &CassandraStore{conn: conn}
}

func (s *CassandraStore) GetValidator(ctx context.Context, address string) (*types.ValidatorProfile, error) {
	profile := &types.ValidatorProfile{}
	err := s.conn.RetryableScan(ctx, getValidatorQuery, []interface{}{strings.ToLower(address)},
		&profile.Address, &profile.StakeUSD, &profile.Reputation,
		&profile.Active, &profile.Banned, &profile.Endpoint, &profile.UpdatedAt)
	if stderrors.Is(err, gocql.ErrNotFound) {
		return nil, &errors.NotFoundError{Kind: "validator", ID: address}
	}
	if err != nil {
		return nil, err
	}
	return profile, nil
}

func (s *CassandraStore) PutValidator(ctx context.Context, profile *types.ValidatorProfile) error {
	updatedAt := profile.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return s.conn.RetryableExec(ctx, putValidatorQuery,
		strings.ToLower(profile.Address), profile.StakeUSD, profile.Reputation,
		profile.Active, profile.Banned, profile.Endpoint, updatedAt)
}

// MemoryStore is an in-process Store for tests and single-node development.
// Records are keyed by lowercase address, matching the Cassandra store.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]types.ValidatorProfile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]types.ValidatorProfile)}
}

func (s *MemoryStore) GetValidator(ctx context.Context, address string) (*types.ValidatorProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.profiles[strings.ToLower(address)]
	if !ok {
		return nil, &errors.NotFoundError{Kind: "validator", ID: address}
	}
	copied := profile
	return &copied, nil
}

func (s *MemoryStore) PutValidator(ctx context.Context, profile *types.ValidatorProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[strings.ToLower(profile.Address)] = *profile
	return nil
}
