package auth

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dftp-io/dftp/pkg/discovery"
	"github.com/dftp-io/dftp/pkg/gossip"
	"github.com/dftp-io/dftp/pkg/log"
	"github.com/dftp-io/dftp/pkg/transport"
	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

// Node is an auth node: it answers credential checks for processing
// nodes and keeps its user table converged with peer auth nodes.
type Node struct {
	node    *transport.Node
	store   *Store
	locator *discovery.Locator
	engine  *gossip.Engine
	logger  zerolog.Logger
}

// New wires an auth node onto the given control node.
func New(node *transport.Node, store *Store, locator *discovery.Locator, gossipInterval time.Duration) *Node {
	n := &Node{
		node:    node,
		store:   store,
		locator: locator,
		logger:  log.WithComponent("auth").With().Str("node", node.Name).Logger(),
	}
	n.engine = gossip.New(node, NewReplica(store), locator.PeersOf(types.RoleAuth), gossipInterval)
	node.Handle(wire.AuthValidateUser, n.handleValidateUser)
	node.Handle(wire.AuthValidatePassword, n.handleValidatePassword)
	return n
}

// Start serves the control port, registers with the cluster and begins
// gossiping with peer auth nodes.
func (n *Node) Start() error {
	if err := n.node.Start(); err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}
	n.locator.Start()
	n.engine.Start()
	n.logger.Info().Msg("auth node started")
	return nil
}

// Stop shuts everything down.
func (n *Node) Stop() {
	n.engine.Stop()
	n.locator.Stop()
	n.node.Stop()
}

func (n *Node) handleValidateUser(msg *wire.Message) *wire.Message {
	var p wire.AuthUserPayload
	if err := msg.Decode(&p); err != nil || p.Username == "" {
		return wire.NewErrorReply(msg, wire.AuthValidateUserAck, n.node.IP, "validation requires a username")
	}
	exists := n.store.UserExists(p.Username)
	n.logger.Debug().Str("username", p.Username).Bool("exists", exists).Msg("user validation")
	return wire.NewReply(msg, wire.AuthValidateUserAck, n.node.IP, wire.StatusOK,
		wire.AuthResultPayload{Result: exists})
}

func (n *Node) handleValidatePassword(msg *wire.Message) *wire.Message {
	var p wire.AuthPasswordPayload
	if err := msg.Decode(&p); err != nil || p.Username == "" {
		return wire.NewErrorReply(msg, wire.AuthValidatePasswordAck, n.node.IP, "validation requires a username")
	}
	ok := n.store.CheckPassword(p.Username, p.Password)
	n.logger.Debug().Str("username", p.Username).Bool("valid", ok).Msg("password validation")
	return wire.NewReply(msg, wire.AuthValidatePasswordAck, n.node.IP, wire.StatusOK,
		wire.AuthResultPayload{Result: ok})
}

// AddUser creates a user locally and announces it to peer auth nodes.
func (n *Node) AddUser(username, password string) error {
	rec, err := n.store.AddUser(username, password)
	if err != nil {
		return err
	}
	n.engine.NotifyLocalChange(wire.UserUpdatePayload{Op: wire.OpAdd, User: rec})
	n.logger.Info().Str("username", username).Msg("user added")
	return nil
}

// UpdatePassword changes a user's password locally and announces the
// new record. Peers fold it in last writer wins.
func (n *Node) UpdatePassword(username, password string) error {
	rec, err := n.store.UpdatePassword(username, password)
	if err != nil {
		return err
	}
	n.engine.NotifyLocalChange(wire.UserUpdatePayload{Op: wire.OpAdd, User: rec})
	n.logger.Info().Str("username", username).Msg("password updated")
	return nil
}

// DeleteUser removes a user locally and announces the removal.
func (n *Node) DeleteUser(username string) error {
	removed, err := n.store.DeleteUser(username)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("user %q not found", username)
	}
	n.engine.NotifyLocalChange(wire.UserUpdatePayload{Op: wire.OpDelete, User: types.UserRecord{Username: username}})
	n.logger.Info().Str("username", username).Msg("user deleted")
	return nil
}

// Replica carries the user table through the gossip engine.
type Replica struct {
	store  *Store
	logger zerolog.Logger
}

// NewReplica wraps a store for gossip replication.
func NewReplica(store *Store) *Replica {
	return &Replica{store: store, logger: log.WithComponent("auth")}
}

// ApplyUpdate folds one user delta from a peer.
func (r *Replica) ApplyUpdate(update json.RawMessage, peerIP string) error {
	var p wire.UserUpdatePayload
	if err := json.Unmarshal(update, &p); err != nil {
		return fmt.Errorf("failed to decode user update: %w", err)
	}
	switch p.Op {
	case wire.OpAdd:
		_, err := r.store.PutRecord(p.User)
		return err
	case wire.OpDelete:
		_, err := r.store.DeleteUser(p.User.Username)
		return err
	}
	return fmt.Errorf("unknown user update op %q", p.Op)
}

// ExportDump returns the full user table for a merge.
func (r *Replica) ExportDump() (any, error) {
	return wire.UserDumpPayload{Users: r.store.All()}, nil
}

// ImportDump folds a peer's full user table into ours.
func (r *Replica) ImportDump(dump json.RawMessage, peerIP string) error {
	var p wire.UserDumpPayload
	if err := json.Unmarshal(dump, &p); err != nil {
		return fmt.Errorf("failed to decode user dump: %w", err)
	}
	for _, rec := range p.Users {
		if _, err := r.store.ImportRecord(rec); err != nil {
			r.logger.Warn().Err(err).Str("peer", peerIP).Str("username", rec.Username).Msg("skipping user record")
		}
	}
	return nil
}
