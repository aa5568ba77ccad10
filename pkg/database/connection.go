package database

import (
	"github.com/gocql/gocql"

	"github.com/taskmesh/taskmesh-backend/pkg/logging"
)

// Sessioner defines the interface for database session operations
type Sessioner interface {
	Query(string, ...interface{}) *gocql.Query
	ExecuteBatch(*gocql.Batch) error
	Close()
}

type Connection struct {
	session Sessioner
	config  *Config
	logger  logging.Logger
}

func NewConnection(config *Config, logger logging.Logger) (*Connection, error) {
	cluster := gocql.NewCluster(config.Hosts...)
	cluster.Keyspace = config.Keyspace
	cluster.Timeout = config.Timeout
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: config.Retries}
	cluster.ConnectTimeout = config.ConnectWait
	cluster.Consistency = gocql.Quorum

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		session: session,
		config:  config,
		logger:  logger,
	}

	return conn, nil
}

// NewConnectionWithSession wraps an existing session. Used by tests that
// stub out the session layer.
func NewConnectionWithSession(session Sessioner, config *Config, logger logging.Logger) *Connection {
	return &Connection{
		session: session,
		config:  config,
		logger:  logger,
	}
}

func (c *Connection) Session() Sessioner {
	return c.session
}

func (c *Connection) Keyspace() string {
	return c.config.Keyspace
}

func (c *Connection) Close() {
	if c.session != nil {
		c.session.Close()
	}
}
