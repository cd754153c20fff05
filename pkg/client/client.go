package client

import (
	"fmt"
	"time"

	"github.com/dftp-io/dftp/pkg/transport"
	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

// DefaultTimeout bounds one query round trip.
const DefaultTimeout = 3 * time.Second

// Client queries a registry node over the control protocol. It is what
// the CLI inspection commands use; it holds no connection state, each
// call opens and closes one TCP exchange.
type Client struct {
	registryIP string
	port       int
	timeout    time.Duration
	tc         *transport.Client
}

// Option adjusts a Client.
type Option func(*Client)

// WithPort overrides the control port, mainly for tests.
func WithPort(port int) Option {
	return func(c *Client) { c.port = port }
}

// WithTimeout overrides the per-query timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a client for the registry at registryIP.
func New(registryIP string, opts ...Option) *Client {
	c := &Client{
		registryIP: registryIP,
		port:       wire.ControlPort,
		timeout:    DefaultTimeout,
		tc:         transport.NewClient(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Nodes returns every registered node.
func (c *Client) Nodes() ([]types.RegistryEntry, error) {
	msg := wire.New(wire.DiscoveryQueryAll, "cli", c.registryIP, nil)
	reply, err := c.request(msg)
	if err != nil {
		return nil, err
	}
	var dump wire.RegistryDumpPayload
	if err := reply.Decode(&dump); err != nil {
		return nil, fmt.Errorf("failed to decode node list: %w", err)
	}
	return dump.Nodes, nil
}

// NodesByRole returns the name and address of every node with a role.
func (c *Client) NodesByRole(role types.Role) ([]types.NodeRef, error) {
	msg := wire.New(wire.DiscoveryQueryByRole, "cli", c.registryIP,
		wire.QueryByRolePayload{Role: string(role)})
	reply, err := c.request(msg)
	if err != nil {
		return nil, err
	}
	var refs wire.NodeRefsPayload
	if err := reply.Decode(&refs); err != nil {
		return nil, fmt.Errorf("failed to decode node list: %w", err)
	}
	return refs.Nodes, nil
}

// NodeByName returns one node's registry entry.
func (c *Client) NodeByName(name string) (*types.RegistryEntry, error) {
	msg := wire.New(wire.DiscoveryQueryByName, "cli", c.registryIP,
		wire.QueryByNamePayload{Name: name})
	reply, err := c.request(msg)
	if err != nil {
		return nil, err
	}
	var node wire.NodePayload
	if err := reply.Decode(&node); err != nil {
		return nil, fmt.Errorf("failed to decode node entry: %w", err)
	}
	return &node.Node, nil
}

func (c *Client) request(msg *wire.Message) (*wire.Message, error) {
	reply, err := c.tc.Request(c.registryIP, c.port, msg, c.timeout)
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return nil, fmt.Errorf("registry at %s: %s", c.registryIP, reply.Metadata.Message)
	}
	return reply, nil
}
