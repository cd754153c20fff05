package discovery

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dftp-io/dftp/pkg/transport"
	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

// SubnetHosts expands a CIDR range into its host addresses, skipping
// the network and broadcast addresses and the caller's own address.
func SubnetHosts(cidr, selfIP string) ([]string, error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse subnet %q: %w", cidr, err)
	}
	ip := network.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("subnet %q is not an IPv4 range", cidr)
	}

	ones, bits := network.Mask.Size()
	total := 1 << (bits - ones)

	var hosts []string
	addr := make(net.IP, len(ip))
	copy(addr, ip)
	for i := 0; i < total; i++ {
		// point-to-point ranges have no network/broadcast addresses
		if total > 2 && (i == 0 || i == total-1) {
			incr(addr)
			continue
		}
		if s := addr.String(); s != selfIP {
			hosts = append(hosts, s)
		}
		incr(addr)
	}
	return hosts, nil
}

func incr(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}

// Prober finds registry nodes by sweeping a subnet with heartbeats. Any
// address that answers with an OK heartbeat ack is a registry.
type Prober struct {
	node    *transport.Node
	role    types.Role
	hosts   []string
	timeout time.Duration
	workers int
}

// NewProber creates a prober announcing the given role to every host in
// the subnet.
func NewProber(node *transport.Node, role types.Role, subnet string, timeout time.Duration, workers int) (*Prober, error) {
	hosts, err := SubnetHosts(subnet, node.IP)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 1
	}
	return &Prober{
		node:    node,
		role:    role,
		hosts:   hosts,
		timeout: timeout,
		workers: workers,
	}, nil
}

// Probe heartbeats every host in parallel and returns the registries
// that answered, identified by the name and address in their acks.
func (p *Prober) Probe() []types.NodeRef {
	jobs := make(chan string)
	results := make(chan types.NodeRef, len(p.hosts))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for host := range jobs {
				if ref, ok := p.probeOne(host); ok {
					results <- ref
				}
			}
		}()
	}
	for _, host := range p.hosts {
		jobs <- host
	}
	close(jobs)
	wg.Wait()
	close(results)

	var found []types.NodeRef
	for ref := range results {
		found = append(found, ref)
	}
	return found
}

func (p *Prober) probeOne(host string) (types.NodeRef, bool) {
	msg := wire.New(wire.DiscoveryHeartbeat, p.node.IP, host, wire.HeartbeatPayload{
		Name: p.node.Name,
		IP:   p.node.IP,
		Role: string(p.role),
	})
	reply, err := p.node.Request(host, msg, p.timeout)
	if err != nil || !reply.OK() {
		return types.NodeRef{}, false
	}
	var info wire.PeerInfoPayload
	if err := reply.Decode(&info); err != nil || info.Name == "" {
		return types.NodeRef{}, false
	}
	return types.NodeRef{Name: info.Name, IP: info.IP}, true
}
