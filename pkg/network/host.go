// Package network runs the coordinator's libp2p host and broadcasts task
// announcements to registered miner and validator peers.
package network

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/p2p/host/peerstore/pstoremem"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
)

type HostConfig struct {
	ListenAddr   string
	IdentityFile string
}

type peerIdentity struct {
	PrivKey []byte `json:"priv_key"`
}

// LoadOrCreateIdentity reads the host key from disk, generating and
// persisting a fresh one on first start.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		var identity peerIdentity
		if err := json.Unmarshal(data, &identity); err == nil {
			if priv, err := crypto.UnmarshalPrivateKey(identity.PrivKey); err == nil {
				return priv, nil
			}
		}
	}

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host identity: %w", err)
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal host identity: %w", err)
	}
	data, err := json.Marshal(peerIdentity{PrivKey: raw})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create identity directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist host identity: %w", err)
	}

	return priv, nil
}

// SetupHost creates the coordinator's libp2p host. Transport metrics land
// in the given Prometheus registry.
func SetupHost(config HostConfig, promReg *prometheus.Registry) (host.Host, error) {
	priv, err := LoadOrCreateIdentity(config.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("failed to setup peer identity: %w", err)
	}

	listenAddr, err := multiaddr.NewMultiaddr(config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address: %w", err)
	}

	connMgr, err := connmgr.NewConnManager(
		200, 400,
		connmgr.WithGracePeriod(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	ps, err := pstoremem.NewPeerstore()
	if err != nil {
		return nil, fmt.Errorf("failed to create peerstore: %w", err)
	}

	if promReg == nil {
		promReg = prometheus.NewRegistry()
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listenAddr),
		libp2p.ConnectionManager(connMgr),
		libp2p.Peerstore(ps),
		libp2p.PrometheusRegisterer(promReg),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	return h, nil
}

// ValidateEndpoint checks that a peer endpoint is a usable p2p multiaddr
// carrying a peer id.
func ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint is empty")
	}
	maddr, err := multiaddr.NewMultiaddr(endpoint)
	if err != nil {
		return fmt.Errorf("invalid multiaddr: %w", err)
	}
	if _, err := maddr.ValueForProtocol(multiaddr.P_P2P); err != nil {
		return fmt.Errorf("endpoint is missing a /p2p peer id")
	}
	return nil
}
