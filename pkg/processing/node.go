package processing

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dftp-io/dftp/pkg/discovery"
	"github.com/dftp-io/dftp/pkg/log"
	"github.com/dftp-io/dftp/pkg/metrics"
	"github.com/dftp-io/dftp/pkg/transport"
	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

// handlerFunc executes one FTP verb against a session and returns the
// reply code and text. Handlers mutate the session in place; the
// updated session rides back to the routing node in the ack.
type handlerFunc func(n *Node, cmd *Command, session *types.Session) (int, string)

// verbs a client may issue before logging in
var authExempt = map[string]bool{
	"USER": true,
	"PASS": true,
	"QUIT": true,
	"NOOP": true,
	"SYST": true,
	"HELP": true,
	"TYPE": true,
	"REIN": true,
}

// Node is a processing node: the stateless FTP brain. Routing nodes
// forward raw command lines with their session; this node resolves the
// storage and auth nodes involved and computes the reply.
type Node struct {
	node    *transport.Node
	locator *discovery.Locator

	// session id -> routing node address, for relaying transfer
	// notifications back to the node that owns the client connection
	mu             sync.Mutex
	sessionRouting map[string]string

	logger zerolog.Logger
}

// New wires a processing node onto the given control node.
func New(node *transport.Node, locator *discovery.Locator) *Node {
	n := &Node{
		node:           node,
		locator:        locator,
		sessionRouting: make(map[string]string),
		logger:         log.WithComponent("processing").With().Str("node", node.Name).Logger(),
	}
	node.Handle(wire.ProcessFTPCommand, n.handleProcessCommand)
	node.Handle(wire.DataReady, n.handleDataReady)
	return n
}

// Start serves the control port and registers with the cluster.
func (n *Node) Start() error {
	if err := n.node.Start(); err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}
	n.locator.Start()
	n.logger.Info().Msg("processing node started")
	return nil
}

// Stop shuts everything down.
func (n *Node) Stop() {
	n.locator.Stop()
	n.node.Stop()
}

func (n *Node) handleProcessCommand(msg *wire.Message) *wire.Message {
	var p wire.ProcessCommandPayload
	if err := msg.Decode(&p); err != nil || p.Session == nil {
		return wire.NewErrorReply(msg, wire.ProcessFTPCommandAck, n.node.IP, "invalid command payload")
	}

	n.mu.Lock()
	n.sessionRouting[p.Session.SessionID] = msg.Header.Src
	n.mu.Unlock()

	cmd := ParseCommand(p.Line)
	code, text := n.dispatch(cmd, p.Session)
	metrics.CommandsProcessed.WithLabelValues(cmd.Name, strconv.Itoa(code)).Inc()
	n.logger.Debug().Str("session_id", p.Session.SessionID).Str("verb", cmd.Name).Int("code", code).Msg("command processed")

	return wire.NewReply(msg, wire.ProcessFTPCommandAck, n.node.IP, wire.StatusOK,
		wire.FTPReplyPayload{Code: code, Message: text, Session: p.Session})
}

func (n *Node) dispatch(cmd *Command, session *types.Session) (code int, text string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error().Interface("panic", r).Str("verb", cmd.Name).Msg("command handler panicked")
			code, text = 451, "Internal Server Error"
		}
	}()

	if cmd.Name == "" {
		return 500, "Empty Command."
	}
	handler, ok := verbHandlers[cmd.Name]
	if !ok {
		return 502, "Command not implemented."
	}
	if !session.Authenticated && !authExempt[cmd.Name] {
		return 530, "Not logged in."
	}
	return handler(n, cmd, session)
}

// handleDataReady relays a storage node's transfer notification to the
// routing node owning the session, and reports whether the client side
// is ready.
func (n *Node) handleDataReady(msg *wire.Message) *wire.Message {
	var p wire.SessionRefPayload
	if err := msg.Decode(&p); err != nil || p.SessionID == "" {
		return wire.NewErrorReply(msg, wire.DataReadyAck, n.node.IP, "data ready requires a session id")
	}

	n.mu.Lock()
	routingIP, ok := n.sessionRouting[p.SessionID]
	n.mu.Unlock()
	if !ok {
		return wire.NewReply(msg, wire.DataReadyAck, n.node.IP, wire.StatusError,
			wire.SuccessPayload{Success: false})
	}

	forward := wire.New(wire.DataReady, n.node.IP, routingIP, p)
	reply, err := n.node.Request(routingIP, forward, 10*time.Second)
	if err != nil {
		n.logger.Warn().Err(err).Str("session_id", p.SessionID).Msg("failed to relay data ready")
		return wire.NewReply(msg, wire.DataReadyAck, n.node.IP, wire.StatusError,
			wire.SuccessPayload{Success: false})
	}
	var result wire.SuccessPayload
	if err := reply.Decode(&result); err != nil {
		result.Success = false
	}
	return wire.NewReply(msg, wire.DataReadyAck, n.node.IP, wire.StatusOK, result)
}
