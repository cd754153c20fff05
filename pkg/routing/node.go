package routing

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dftp-io/dftp/pkg/discovery"
	"github.com/dftp-io/dftp/pkg/gossip"
	"github.com/dftp-io/dftp/pkg/log"
	"github.com/dftp-io/dftp/pkg/metrics"
	"github.com/dftp-io/dftp/pkg/transport"
	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

// processTimeout caps one command round trip to a processing node. It
// exceeds the longest storage-side wait (a replicated STOR) so slow
// transfers fail there first, with a precise message.
const processTimeout = 360 * time.Second

// Node is a routing node: the FTP front door. It owns the client
// control connections and their sessions, forwards every command line
// to a processing node, and writes the replies back.
type Node struct {
	node     *transport.Node
	locator  *discovery.Locator
	sessions *SessionTable
	engine   *gossip.Engine
	ftpPort  int

	listener net.Listener

	// control connections by session id, for transfer notifications
	connMu sync.Mutex
	conns  map[string]net.Conn

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New wires a routing node onto the given control node. Sessions
// replicate to peer routing nodes over gossip so another front door can
// pick a client up with its state intact.
func New(node *transport.Node, locator *discovery.Locator, ftpPort int, gossipInterval time.Duration) *Node {
	n := &Node{
		node:     node,
		locator:  locator,
		sessions: NewSessionTable(),
		ftpPort:  ftpPort,
		conns:    make(map[string]net.Conn),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("routing").With().Str("node", node.Name).Logger(),
	}
	n.engine = gossip.New(node, NewReplica(n.sessions), locator.PeersOf(types.RoleRouting), gossipInterval)
	node.Handle(wire.DataReady, n.handleDataReady)
	return n
}

// Start serves the control port, registers with the cluster and begins
// accepting FTP clients.
func (n *Node) Start() error {
	if err := n.node.Start(); err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}
	n.locator.Start()
	n.engine.Start()

	listener, err := net.Listen("tcp", net.JoinHostPort(n.node.IP, strconv.Itoa(n.ftpPort)))
	if err != nil {
		return fmt.Errorf("failed to listen on ftp port: %w", err)
	}
	n.listener = listener
	n.wg.Add(1)
	go n.acceptLoop()
	n.logger.Info().Int("ftp_port", n.ftpPort).Msg("routing node started")
	return nil
}

// Stop closes the FTP listener, every client connection and the control
// plane.
func (n *Node) Stop() {
	close(n.stopCh)
	if n.listener != nil {
		n.listener.Close()
	}
	n.connMu.Lock()
	for _, conn := range n.conns {
		conn.Close()
	}
	n.connMu.Unlock()
	n.wg.Wait()

	n.engine.Stop()
	n.locator.Stop()
	n.node.Stop()
}

// Addr returns the FTP listener address, for tests binding port 0.
func (n *Node) Addr() net.Addr {
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-n.stopCh:
				return
			default:
				n.logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.serveClient(conn)
		}()
	}
}

func (n *Node) serveClient(conn net.Conn) {
	defer conn.Close()

	clientIP := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}
	session := types.NewSession(uuid.NewString(), clientIP)
	n.sessions.Add(session)
	n.connMu.Lock()
	n.conns[session.SessionID] = conn
	n.connMu.Unlock()
	metrics.SessionsActive.Inc()
	n.engine.NotifyLocalChange(wire.SessionUpdatePayload{Op: wire.OpAdd, Session: *session})
	logger := n.logger.With().Str("session_id", session.SessionID).Str("client", clientIP).Logger()
	logger.Info().Msg("client connected")

	defer func() {
		n.connMu.Lock()
		delete(n.conns, session.SessionID)
		n.connMu.Unlock()
		n.sessions.Remove(session.SessionID)
		n.engine.NotifyLocalChange(wire.SessionUpdatePayload{Op: wire.OpDelete, Session: types.Session{SessionID: session.SessionID}})
		metrics.SessionsActive.Dec()
		logger.Info().Msg("client disconnected")
	}()

	if !n.reply(conn, 220, "Distributed FTP Server Ready") {
		return
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		code, text, ok := n.process(session, line)
		if !ok {
			// no processing nodes: tell the client and hang up
			n.reply(conn, 421, "Service not available")
			return
		}
		if !n.reply(conn, code, text) {
			return
		}
		if code == 221 {
			return
		}
	}
}

// process forwards one command line to the first reachable processing
// node and applies the session the ack carries. ok=false means no
// processing node exists at all.
func (n *Node) process(session *types.Session, line string) (int, string, bool) {
	procs, err := n.locator.QueryByRole(types.RoleProcessing)
	if err != nil || len(procs) == 0 {
		return 0, "", false
	}

	snapshot := *session
	for _, ref := range procs {
		msg := wire.New(wire.ProcessFTPCommand, n.node.IP, ref.IP,
			wire.ProcessCommandPayload{Line: line, Session: &snapshot})
		reply, err := n.node.Request(ref.IP, msg, processTimeout)
		if err != nil {
			n.logger.Debug().Err(err).Str("peer", ref.Name).Msg("processing node unreachable")
			continue
		}
		var result wire.FTPReplyPayload
		if err := reply.Decode(&result); err != nil {
			continue
		}
		if session.Update(result.Session) {
			n.engine.NotifyLocalChange(wire.SessionUpdatePayload{Op: wire.OpAdd, Session: *session})
		}
		return result.Code, result.Message, true
	}
	return 451, "Requested action aborted. Local error in processing", true
}

func (n *Node) reply(conn net.Conn, code int, text string) bool {
	_, err := fmt.Fprintf(conn, "%d %s\r\n", code, text)
	return err == nil
}

// handleDataReady is called (via a processing node) when a storage node
// is about to serve a data connection: the client gets its preliminary
// reply here, on the control connection it is actually reading.
func (n *Node) handleDataReady(msg *wire.Message) *wire.Message {
	var p wire.SessionRefPayload
	if err := msg.Decode(&p); err != nil || p.SessionID == "" {
		return wire.NewReply(msg, wire.DataReadyAck, n.node.IP, wire.StatusError,
			wire.SuccessPayload{Success: false})
	}

	n.connMu.Lock()
	conn, ok := n.conns[p.SessionID]
	n.connMu.Unlock()
	if !ok {
		return wire.NewReply(msg, wire.DataReadyAck, n.node.IP, wire.StatusError,
			wire.SuccessPayload{Success: false})
	}
	if !n.reply(conn, 150, "Data connection ready") {
		return wire.NewReply(msg, wire.DataReadyAck, n.node.IP, wire.StatusError,
			wire.SuccessPayload{Success: false})
	}
	return wire.NewReply(msg, wire.DataReadyAck, n.node.IP, wire.StatusOK,
		wire.SuccessPayload{Success: true})
}
