package network

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	corenetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/taskmesh/taskmesh-backend/pkg/logging"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

const AnnounceProtocol = "/taskmesh/announce/1.0.0"

const announceTimeout = 30 * time.Second

// Announcer broadcasts task announcements to known peers. Messages are
// newline-framed JSON on a dedicated stream per announcement.
type Announcer struct {
	host   host.Host
	logger logging.Logger

	mu    sync.RWMutex
	peers map[peer.ID]peer.AddrInfo
}

func NewAnnouncer(h host.Host, logger logging.Logger) *Announcer {
	return &Announcer{
		host:   h,
		logger: logger,
		peers:  make(map[peer.ID]peer.AddrInfo),
	}
}

// AddPeer registers a peer endpoint for future announcements.
func (a *Announcer) AddPeer(endpoint string) error {
	maddr, err := multiaddr.NewMultiaddr(endpoint)
	if err != nil {
		return fmt.Errorf("invalid peer address: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("invalid peer info: %w", err)
	}

	a.mu.Lock()
	a.peers[info.ID] = *info
	a.mu.Unlock()

	a.host.Peerstore().AddAddrs(info.ID, info.Addrs, time.Hour*168)
	return nil
}

// RemovePeer drops a peer from the announcement set.
func (a *Announcer) RemovePeer(endpoint string) {
	maddr, err := multiaddr.NewMultiaddr(endpoint)
	if err != nil {
		return
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return
	}
	a.mu.Lock()
	delete(a.peers, info.ID)
	a.mu.Unlock()
}

// PeerCount returns how many peers are registered.
func (a *Announcer) PeerCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.peers)
}

// Announce sends the task announcement to every registered peer and
// returns how many deliveries succeeded. Per-peer failures are logged and
// skipped; announcement delivery is best effort.
func (a *Announcer) Announce(ctx context.Context, announcement types.TaskAnnouncement) int {
	msgBytes, err := json.Marshal(announcement)
	if err != nil {
		a.logger.Errorf("Failed to marshal announcement for task %s: %v", announcement.TaskID, err)
		return 0
	}
	msgBytes = append(msgBytes, '\n')

	a.mu.RLock()
	targets := make([]peer.AddrInfo, 0, len(a.peers))
	for _, info := range a.peers {
		targets = append(targets, info)
	}
	a.mu.RUnlock()

	delivered := 0
	for _, info := range targets {
		if err := a.sendToPeer(ctx, info, msgBytes); err != nil {
			a.logger.Warnf("Failed to announce task %s to peer %s: %v", announcement.TaskID, info.ID, err)
			continue
		}
		delivered++
	}

	a.logger.Infof("Announced task %s to %d/%d peers", announcement.TaskID, delivered, len(targets))
	return delivered
}

func (a *Announcer) sendToPeer(ctx context.Context, info peer.AddrInfo, msg []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()

	if err := a.host.Connect(sendCtx, info); err != nil {
		return fmt.Errorf("error connecting to peer: %w", err)
	}

	stream, err := a.host.NewStream(sendCtx, info.ID, protocol.ID(AnnounceProtocol))
	if err != nil {
		return fmt.Errorf("error opening stream: %w", err)
	}
	defer stream.Close()

	if _, err = stream.Write(msg); err != nil {
		return fmt.Errorf("error sending announcement: %w", err)
	}
	return nil
}

// HandleAnnouncements installs a stream handler that decodes incoming
// announcements. Miner and validator nodes use this side of the protocol.
func HandleAnnouncements(h host.Host, onAnnouncement func(types.TaskAnnouncement)) {
	h.SetStreamHandler(protocol.ID(AnnounceProtocol), func(stream corenetwork.Stream) {
		defer stream.Close()
		reader := bufio.NewReader(stream)

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}

			var announcement types.TaskAnnouncement
			if err := json.Unmarshal([]byte(line), &announcement); err != nil {
				continue
			}
			onAnnouncement(announcement)
		}
	})
}
