package transport

import (
	"net"
	"time"

	"github.com/dftp-io/dftp/pkg/wire"
)

// Node bundles the control server and client every dftp node owns,
// together with its cluster identity.
type Node struct {
	Name string
	IP   string
	Port int

	server *Server
	client *Client
}

// NewNode creates the control endpoint for a node. Start must be called
// before the node can receive messages.
func NewNode(name, ip string, port int) *Node {
	return &Node{
		Name:   name,
		IP:     ip,
		Port:   port,
		server: NewServer(ip, port),
		client: NewClient(),
	}
}

// Handle registers a handler for a message type.
func (n *Node) Handle(msgType string, h Handler) {
	n.server.Handle(msgType, h)
}

// Start begins serving the control port.
func (n *Node) Start() error {
	return n.server.Start()
}

// Stop shuts the control server down.
func (n *Node) Stop() {
	n.server.Stop()
}

// Addr returns the bound control address, useful when port 0 was
// requested.
func (n *Node) Addr() net.Addr {
	return n.server.Addr()
}

// Request sends msg to a peer's control port and returns the reply.
// Peers are dialed on this node's own port: the whole cluster agrees on
// one control port, so ours is theirs.
func (n *Node) Request(ip string, msg *wire.Message, timeout time.Duration) (*wire.Message, error) {
	return n.client.Request(ip, n.Port, msg, timeout)
}

// Notify sends msg to a peer's control port without awaiting a reply.
func (n *Node) Notify(ip string, msg *wire.Message, timeout time.Duration) error {
	return n.client.Notify(ip, n.Port, msg, timeout)
}
