// Package archive stores task state snapshots in content-addressed storage
// (IPFS). Uploads canonicalize the snapshot first, so identical states
// always resolve to the same content id. The archive is never authoritative:
// callers treat failures as non-fatal and the repository stays the source
// of truth.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/taskmesh/taskmesh-backend/pkg/canonical"
	"github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/logging"
)

// DefaultTimeout bounds a single archive call.
const DefaultTimeout = 30 * time.Second

// Store is the content-addressed archive contract the coordinator depends on.
type Store interface {
	Upload(ctx context.Context, state interface{}) (string, error)
	Fetch(ctx context.Context, cid string, into interface{}) error
}

// ipfsAPI is the slice of the IPFS shell the client uses.
type ipfsAPI interface {
	Add(r io.Reader, options ...shell.AddOpts) (string, error)
	Cat(path string) (io.ReadCloser, error)
}

// Client archives snapshots on an IPFS node.
type Client struct {
	api    ipfsAPI
	logger logging.Logger
}

// NewClient connects to the IPFS HTTP API at apiAddr (host:port or
// multiaddr, per the shell's conventions).
func NewClient(apiAddr string, logger logging.Logger) *Client {
	sh := shell.NewShell(apiAddr)
	sh.SetTimeout(DefaultTimeout)
	return &Client{api: sh, logger: logger}
}

// newClientWithAPI wires a prebuilt API. Tests stub the shell through this.
func newClientWithAPI(api ipfsAPI, logger logging.Logger) *Client {
	return &Client{api: api, logger: logger}
}

// Upload pins the canonical JSON form of state and returns its content id.
func (c *Client) Upload(ctx context.Context, state interface{}) (string, error) {
	raw, err := canonical.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize archive state: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cid, err := c.api.Add(bytes.NewReader(raw), shell.Pin(true))
	if err != nil {
		return "", fmt.Errorf("failed to upload archive state: %w", err)
	}
	c.logger.Debugf("Archived %d bytes as %s", len(raw), cid)
	return cid, nil
}

// Fetch reads the snapshot stored under cid into the given value. A content
// id the node cannot resolve yields a NotFoundError.
func (c *Client) Fetch(ctx context.Context, cid string, into interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	reader, err := c.api.Cat(cid)
	if err != nil {
		if isNotFound(err) {
			return &errors.NotFoundError{Kind: "archive state", ID: cid}
		}
		return fmt.Errorf("failed to fetch archive state %s: %w", cid, err)
	}
	defer func() {
		if err := reader.Close(); err != nil {
			c.logger.Warnf("Failed to close archive reader for %s: %v", cid, err)
		}
	}()

	if err := json.NewDecoder(reader).Decode(into); err != nil {
		return fmt.Errorf("failed to decode archive state %s: %w", cid, err)
	}
	return nil
}

// isNotFound matches the shell's unresolvable-path errors. Timeouts while
// resolving count too: an unpinned, unreachable cid surfaces as a deadline.
func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no link named") ||
		strings.Contains(msg, "could not resolve") ||
		strings.Contains(msg, "context deadline exceeded")
}
