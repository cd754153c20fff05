package discovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dftp-io/dftp/pkg/log"
	"github.com/dftp-io/dftp/pkg/transport"
	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

const queryTimeout = 2 * time.Second

// Locator keeps a node registered with the cluster's registries and
// answers lookup queries through them. Every node except the registries
// themselves runs one.
type Locator struct {
	node     *transport.Node
	prober   *Prober
	interval time.Duration

	mu         sync.RWMutex
	registries map[string]string // name -> ip

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewLocator creates a locator announcing role over the subnet.
func NewLocator(node *transport.Node, role types.Role, subnet string, interval, probeTimeout time.Duration, workers int) (*Locator, error) {
	prober, err := NewProber(node, role, subnet, probeTimeout, workers)
	if err != nil {
		return nil, err
	}
	return &Locator{
		node:       node,
		prober:     prober,
		interval:   interval,
		registries: make(map[string]string),
		stopCh:     make(chan struct{}),
		logger:     log.WithComponent("locator").With().Str("node", node.Name).Logger(),
	}, nil
}

// Start probes once immediately, then keeps heartbeating on the
// configured interval. The initial probe doubles as registration.
func (l *Locator) Start() {
	l.refresh()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.refresh()
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop halts the heartbeat loop.
func (l *Locator) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

// Registries returns a snapshot of the known registry nodes.
func (l *Locator) Registries() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	regs := make(map[string]string, len(l.registries))
	for name, ip := range l.registries {
		regs[name] = ip
	}
	return regs
}

func (l *Locator) refresh() {
	found := make(map[string]string)
	for _, ref := range l.prober.Probe() {
		found[ref.Name] = ref.IP
	}

	l.mu.Lock()
	changed := len(found) != len(l.registries)
	if !changed {
		for name, ip := range found {
			if l.registries[name] != ip {
				changed = true
				break
			}
		}
	}
	if changed {
		l.registries = found
		l.logger.Info().Int("registries", len(found)).Msg("registry set changed")
	}
	l.mu.Unlock()
}

// QueryByName resolves a node by name, trying each known registry until
// one answers.
func (l *Locator) QueryByName(name string) (*types.RegistryEntry, error) {
	for regName, ip := range l.Registries() {
		msg := wire.New(wire.DiscoveryQueryByName, l.node.IP, ip, wire.QueryByNamePayload{Name: name})
		reply, err := l.node.Request(ip, msg, queryTimeout)
		if err != nil {
			l.logger.Debug().Err(err).Str("registry", regName).Msg("registry unreachable")
			continue
		}
		if !reply.OK() {
			return nil, fmt.Errorf("node %q not found: %s", name, reply.Metadata.Message)
		}
		var p wire.NodePayload
		if err := reply.Decode(&p); err != nil {
			return nil, fmt.Errorf("failed to decode query reply: %w", err)
		}
		return &p.Node, nil
	}
	return nil, fmt.Errorf("no registry reachable")
}

// QueryByRole lists every node of a role, trying each known registry
// until one answers.
func (l *Locator) QueryByRole(role types.Role) ([]types.NodeRef, error) {
	for regName, ip := range l.Registries() {
		msg := wire.New(wire.DiscoveryQueryByRole, l.node.IP, ip, wire.QueryByRolePayload{Role: string(role)})
		reply, err := l.node.Request(ip, msg, queryTimeout)
		if err != nil {
			l.logger.Debug().Err(err).Str("registry", regName).Msg("registry unreachable")
			continue
		}
		if !reply.OK() {
			return nil, fmt.Errorf("role query failed: %s", reply.Metadata.Message)
		}
		var p wire.NodeRefsPayload
		if err := reply.Decode(&p); err != nil {
			return nil, fmt.Errorf("failed to decode query reply: %w", err)
		}
		return p.Nodes, nil
	}
	return nil, fmt.Errorf("no registry reachable")
}

// PeersOf adapts QueryByRole to a gossip peer source. Lookup failures
// surface as an empty peer set; the gossip engine retries next cycle.
func (l *Locator) PeersOf(role types.Role) func() []types.NodeRef {
	return func() []types.NodeRef {
		refs, err := l.QueryByRole(role)
		if err != nil {
			l.logger.Debug().Err(err).Str("role", string(role)).Msg("peer lookup failed")
			return nil
		}
		return refs
	}
}
