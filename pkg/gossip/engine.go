package gossip

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dftp-io/dftp/pkg/log"
	"github.com/dftp-io/dftp/pkg/metrics"
	"github.com/dftp-io/dftp/pkg/transport"
	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

const (
	mergeTimeout  = 10 * time.Second
	notifyTimeout = 2 * time.Second
)

// Replica is the state a node replicates to its role peers. Updates are
// small deltas pushed after local changes; dumps are the full state
// exchanged during merges. Both sides of the interface receive raw
// payloads so the engine stays agnostic of what is being replicated.
type Replica interface {
	// ApplyUpdate applies one delta received from a peer. Updates must
	// be idempotent; peers may resend them. peerIP identifies the
	// sender for conflict handling and lazy fetches.
	ApplyUpdate(update json.RawMessage, peerIP string) error

	// ExportDump returns the full local state for a merge.
	ExportDump() (any, error)

	// ImportDump folds a peer's full state into the local state. peerIP
	// identifies the sender for conflict handling and lazy fetches.
	ImportDump(dump json.RawMessage, peerIP string) error
}

// PeerFunc returns the current role peers, excluding the local node.
type PeerFunc func() []types.NodeRef

// Engine keeps a Replica converged with its role peers. It tracks peer
// membership, pushes local deltas, and runs a coordinator-driven full
// state merge whenever new peers appear.
type Engine struct {
	node     *transport.Node
	replica  Replica
	peersOf  PeerFunc
	interval time.Duration

	mu    sync.Mutex
	peers map[string]string // name -> ip

	// mergeMu serializes every mutation coming from the network so a
	// merge never interleaves with incoming deltas.
	mergeMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New creates a gossip engine for the given replica. peersOf supplies
// the role peers each refresh cycle.
func New(node *transport.Node, replica Replica, peersOf PeerFunc, interval time.Duration) *Engine {
	e := &Engine{
		node:     node,
		replica:  replica,
		peersOf:  peersOf,
		interval: interval,
		peers:    make(map[string]string),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("gossip").With().Str("node", node.Name).Logger(),
	}
	node.Handle(wire.GossipUpdate, e.handleUpdate)
	node.Handle(wire.MergeState, e.handleMergeState)
	node.Handle(wire.SendState, e.handleSendState)
	return e
}

// Start launches the peer refresh loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.refresh()
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop halts the refresh loop.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// Peers returns a snapshot of the known role peers.
func (e *Engine) Peers() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	peers := make(map[string]string, len(e.peers))
	for name, ip := range e.peers {
		peers[name] = ip
	}
	return peers
}

// NotifyLocalChange pushes a delta to every known peer without waiting
// for acknowledgements.
func (e *Engine) NotifyLocalChange(update any) {
	for name, ip := range e.Peers() {
		msg := wire.New(wire.GossipUpdate, e.node.IP, ip, update)
		go func(name, ip string, msg *wire.Message) {
			if err := e.node.Notify(ip, msg, notifyTimeout); err != nil {
				e.logger.Debug().Err(err).Str("peer", name).Msg("gossip update not delivered")
			}
		}(name, ip, msg)
	}
}

// refresh reconciles the peer set and, when this node coordinates the
// role group, merges state with newly appeared peers.
func (e *Engine) refresh() {
	current := make(map[string]string)
	for _, ref := range e.peersOf() {
		if ref.Name == e.node.Name {
			continue
		}
		current[ref.Name] = ref.IP
	}

	e.mu.Lock()
	var added []types.NodeRef
	for name, ip := range current {
		if _, known := e.peers[name]; !known {
			added = append(added, types.NodeRef{Name: name, IP: ip})
		}
	}
	for name := range e.peers {
		if _, still := current[name]; !still {
			e.logger.Info().Str("peer", name).Msg("peer left the role group")
		}
	}
	e.peers = current
	e.mu.Unlock()

	if len(added) == 0 {
		return
	}
	for _, ref := range added {
		e.logger.Info().Str("peer", ref.Name).Str("ip", ref.IP).Msg("new peer in role group")
	}

	// The coordinator (smallest name in the group) folds the newcomer's
	// state in and rebroadcasts the merged result, so exactly one node
	// drives each reconciliation.
	coordinator := e.node.Name
	for name := range current {
		if name < coordinator {
			coordinator = name
		}
	}
	newest := added[0]
	for _, ref := range added[1:] {
		if ref.Name < newest.Name {
			newest = ref
		}
	}
	if coordinator != e.node.Name || e.node.Name >= newest.Name {
		return
	}

	if err := e.mergeWith(newest.IP); err != nil {
		e.logger.Warn().Err(err).Str("peer", newest.Name).Msg("state merge failed")
		return
	}
	for name, ip := range current {
		if name == newest.Name {
			continue
		}
		e.sendState(name, ip)
	}
}

// mergeWith exchanges full state with one peer: push ours, fold in the
// dump it answers with.
func (e *Engine) mergeWith(peerIP string) error {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	dump, err := e.replica.ExportDump()
	if err != nil {
		return fmt.Errorf("failed to export state: %w", err)
	}
	msg := wire.New(wire.MergeState, e.node.IP, peerIP, dump)
	reply, err := e.node.Request(peerIP, msg, mergeTimeout)
	if err != nil {
		return fmt.Errorf("failed to exchange state: %w", err)
	}
	if !reply.OK() {
		return fmt.Errorf("peer rejected merge: %s", reply.Metadata.Message)
	}
	if err := e.replica.ImportDump(reply.Payload, peerIP); err != nil {
		return fmt.Errorf("failed to import peer state: %w", err)
	}
	metrics.StateMerges.Inc()
	return nil
}

func (e *Engine) sendState(name, ip string) {
	dump, err := e.replica.ExportDump()
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to export state")
		return
	}
	msg := wire.New(wire.SendState, e.node.IP, ip, dump)
	if err := e.node.Notify(ip, msg, notifyTimeout); err != nil {
		e.logger.Warn().Err(err).Str("peer", name).Msg("state push not delivered")
	}
}

func (e *Engine) handleUpdate(msg *wire.Message) *wire.Message {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	if err := e.replica.ApplyUpdate(msg.Payload, msg.Header.Src); err != nil {
		e.logger.Warn().Err(err).Str("src", msg.Header.Src).Msg("gossip update rejected")
		return nil
	}
	metrics.GossipUpdatesApplied.Inc()
	return nil
}

func (e *Engine) handleMergeState(msg *wire.Message) *wire.Message {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	if err := e.replica.ImportDump(msg.Payload, msg.Header.Src); err != nil {
		return wire.NewErrorReply(msg, wire.MergeStateAck, e.node.IP, err.Error())
	}
	dump, err := e.replica.ExportDump()
	if err != nil {
		return wire.NewErrorReply(msg, wire.MergeStateAck, e.node.IP, err.Error())
	}
	metrics.StateMerges.Inc()
	return wire.NewReply(msg, wire.MergeStateAck, e.node.IP, wire.StatusOK, dump)
}

func (e *Engine) handleSendState(msg *wire.Message) *wire.Message {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	if err := e.replica.ImportDump(msg.Payload, msg.Header.Src); err != nil {
		e.logger.Warn().Err(err).Str("src", msg.Header.Src).Msg("state push rejected")
	}
	return nil
}
