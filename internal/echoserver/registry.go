package echoserver

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// fanoutLimit bounds concurrent writes of one broadcast.
const fanoutLimit = 64

// registry tracks connected peers for broadcasting.
type registry struct {
	mu    sync.RWMutex
	peers map[uint64]peer
}

func newRegistry() *registry {
	return &registry{peers: make(map[uint64]peer)}
}

func (r *registry) register(id uint64, p peer) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id] = p
	return len(r.peers)
}

func (r *registry) unregister(id uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
	return len(r.peers)
}

// broadcast sends payload to every peer except the sender and returns how
// many writes succeeded. Targets are snapshotted under RLock and written
// without holding the lock.
func (r *registry) broadcast(ctx context.Context, senderID uint64, payload []byte) int {
	r.mu.RLock()
	targets := make([]peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id != senderID {
			targets = append(targets, p)
		}
	}
	r.mu.RUnlock()

	var (
		g  errgroup.Group
		mu sync.Mutex
		ok int
	)
	g.SetLimit(fanoutLimit)
	for _, p := range targets {
		g.Go(func() error {
			if err := p.Write(ctx, payload); err != nil {
				slog.Debug("broadcast write failed", "error", err)
				return nil
			}
			mu.Lock()
			ok++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return ok
}

// closeAll sends a close frame to every peer.
func (r *registry) closeAll(reason string) {
	r.mu.RLock()
	targets := make([]peer, 0, len(r.peers))
	for _, p := range r.peers {
		targets = append(targets, p)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(fanoutLimit)
	for _, p := range targets {
		g.Go(func() error {
			p.Close(reason)
			return nil
		})
	}
	g.Wait()
}
