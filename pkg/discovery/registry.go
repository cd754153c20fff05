package discovery

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dftp-io/dftp/pkg/gossip"
	"github.com/dftp-io/dftp/pkg/log"
	"github.com/dftp-io/dftp/pkg/metrics"
	"github.com/dftp-io/dftp/pkg/transport"
	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

// RegistryOptions configures a registry node.
type RegistryOptions struct {
	Subnet           string
	HeartbeatTimeout time.Duration
	CleanInterval    time.Duration
	GossipInterval   time.Duration
	ProbeTimeout     time.Duration
	ProbeWorkers     int
}

// Registry is the membership service. It collects heartbeats into a
// Table, answers lookup queries, evicts silent nodes, and keeps its
// table converged with peer registries over gossip.
type Registry struct {
	node   *transport.Node
	table  *Table
	engine *gossip.Engine
	opts   RegistryOptions

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewRegistry wires a registry onto the given control node.
func NewRegistry(node *transport.Node, opts RegistryOptions) (*Registry, error) {
	r := &Registry{
		node:   node,
		table:  NewTable(),
		opts:   opts,
		stopCh: make(chan struct{}),
		logger: log.WithComponent("registry").With().Str("node", node.Name).Logger(),
	}

	// Peer registries find each other the same way everyone finds them:
	// by sweeping the subnet with heartbeats.
	prober, err := NewProber(node, types.RoleRegistry, opts.Subnet, opts.ProbeTimeout, opts.ProbeWorkers)
	if err != nil {
		return nil, err
	}
	r.engine = gossip.New(node, r, prober.Probe, opts.GossipInterval)

	node.Handle(wire.DiscoveryHeartbeat, r.handleHeartbeat)
	node.Handle(wire.DiscoveryQueryByName, r.handleQueryByName)
	node.Handle(wire.DiscoveryQueryByRole, r.handleQueryByRole)
	node.Handle(wire.DiscoveryQueryAll, r.handleQueryAll)
	return r, nil
}

// Start serves the control port and launches the gossip and eviction
// loops.
func (r *Registry) Start() error {
	if err := r.node.Start(); err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}
	r.engine.Start()
	r.wg.Add(1)
	go r.cleanLoop()
	r.logger.Info().Msg("registry started")
	return nil
}

// Stop shuts everything down.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.engine.Stop()
	r.node.Stop()
	r.wg.Wait()
}

// Table exposes the membership table, mainly for tests.
func (r *Registry) Table() *Table {
	return r.table
}

func (r *Registry) handleHeartbeat(msg *wire.Message) *wire.Message {
	var hb wire.HeartbeatPayload
	if err := msg.Decode(&hb); err != nil {
		return wire.NewErrorReply(msg, wire.DiscoveryHeartbeatAck, r.node.IP, "invalid heartbeat payload")
	}
	if hb.Name == "" || hb.IP == "" || hb.Role == "" {
		return wire.NewErrorReply(msg, wire.DiscoveryHeartbeatAck, r.node.IP, "heartbeat requires name, ip and role")
	}
	role, err := types.ParseRole(hb.Role)
	if err != nil {
		return wire.NewErrorReply(msg, wire.DiscoveryHeartbeatAck, r.node.IP, err.Error())
	}

	self := wire.PeerInfoPayload{Name: r.node.Name, IP: r.node.IP}

	// Peer registries are gossip peers, not members. Acknowledging with
	// our own identity is what lets their probe find us.
	if role == types.RoleRegistry {
		return wire.NewReply(msg, wire.DiscoveryHeartbeatAck, r.node.IP, wire.StatusOK, self)
	}

	entry, changed, err := r.table.Upsert(hb.Name, hb.IP, role)
	if err != nil {
		r.logger.Warn().Err(err).Str("name", hb.Name).Str("ip", hb.IP).Msg("heartbeat rejected")
		return wire.NewErrorReply(msg, wire.DiscoveryHeartbeatAck, r.node.IP, err.Error())
	}
	if changed {
		r.logger.Info().Str("name", entry.Name).Str("ip", entry.IP).Str("role", string(entry.Role)).Msg("node registered")
		r.engine.NotifyLocalChange(wire.RegistryUpdatePayload{Op: wire.OpAdd, Registry: *entry})
		r.updateGauges()
	}
	return wire.NewReply(msg, wire.DiscoveryHeartbeatAck, r.node.IP, wire.StatusOK, self)
}

func (r *Registry) handleQueryByName(msg *wire.Message) *wire.Message {
	var q wire.QueryByNamePayload
	if err := msg.Decode(&q); err != nil || q.Name == "" {
		return wire.NewErrorReply(msg, wire.DiscoveryQueryByNameAck, r.node.IP, "query requires a name")
	}
	entry := r.table.Get(q.Name)
	if entry == nil {
		return wire.NewErrorReply(msg, wire.DiscoveryQueryByNameAck, r.node.IP,
			fmt.Sprintf("node %q not found", q.Name))
	}
	return wire.NewReply(msg, wire.DiscoveryQueryByNameAck, r.node.IP, wire.StatusOK,
		wire.NodePayload{Node: *entry})
}

func (r *Registry) handleQueryByRole(msg *wire.Message) *wire.Message {
	var q wire.QueryByRolePayload
	if err := msg.Decode(&q); err != nil {
		return wire.NewErrorReply(msg, wire.DiscoveryQueryByRoleAck, r.node.IP, "invalid query payload")
	}
	role, err := types.ParseRole(q.Role)
	if err != nil {
		return wire.NewErrorReply(msg, wire.DiscoveryQueryByRoleAck, r.node.IP, err.Error())
	}
	refs := r.table.ByRole(role)
	if refs == nil {
		refs = []types.NodeRef{}
	}
	return wire.NewReply(msg, wire.DiscoveryQueryByRoleAck, r.node.IP, wire.StatusOK,
		wire.NodeRefsPayload{Nodes: refs})
}

func (r *Registry) handleQueryAll(msg *wire.Message) *wire.Message {
	entries := r.table.All()
	if entries == nil {
		entries = []types.RegistryEntry{}
	}
	return wire.NewReply(msg, wire.DiscoveryQueryAllAck, r.node.IP, wire.StatusOK,
		wire.RegistryDumpPayload{Nodes: entries})
}

func (r *Registry) cleanLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.CleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.evictStale()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) evictStale() {
	for _, name := range r.table.Stale(r.opts.HeartbeatTimeout) {
		entry := r.table.Remove(name)
		if entry == nil {
			continue
		}
		metrics.RegistryEvictions.Inc()
		r.logger.Warn().Str("name", name).Str("ip", entry.IP).Msg("node evicted after missed heartbeats")
		r.engine.NotifyLocalChange(wire.RegistryUpdatePayload{Op: wire.OpDelete, Registry: *entry})
	}
	r.updateGauges()
}

func (r *Registry) updateGauges() {
	counts := r.table.CountByRole()
	for _, role := range types.AllRoles {
		metrics.NodesKnown.WithLabelValues(string(role)).Set(float64(counts[role]))
	}
}

// ApplyUpdate folds one membership delta from a peer registry.
func (r *Registry) ApplyUpdate(update json.RawMessage, peerIP string) error {
	var p wire.RegistryUpdatePayload
	if err := json.Unmarshal(update, &p); err != nil {
		return fmt.Errorf("failed to decode registry update: %w", err)
	}
	switch p.Op {
	case wire.OpAdd:
		if err := r.table.Import(p.Registry); err != nil {
			return err
		}
	case wire.OpDelete:
		r.table.Remove(p.Registry.Name)
	default:
		return fmt.Errorf("unknown registry update op %q", p.Op)
	}
	r.updateGauges()
	return nil
}

// ExportDump returns the full membership table for a merge.
func (r *Registry) ExportDump() (any, error) {
	entries := r.table.All()
	if entries == nil {
		entries = []types.RegistryEntry{}
	}
	return wire.RegistryDumpPayload{Nodes: entries}, nil
}

// ImportDump folds a peer registry's full table into ours. Conflicting
// entries are logged and skipped rather than failing the merge.
func (r *Registry) ImportDump(dump json.RawMessage, peerIP string) error {
	var p wire.RegistryDumpPayload
	if err := json.Unmarshal(dump, &p); err != nil {
		return fmt.Errorf("failed to decode registry dump: %w", err)
	}
	for _, entry := range p.Nodes {
		if err := r.table.Import(entry); err != nil {
			r.logger.Warn().Err(err).Str("peer", peerIP).Str("name", entry.Name).Msg("skipping conflicting entry")
		}
	}
	r.updateGauges()
	return nil
}
