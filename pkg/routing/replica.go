package routing

import (
	"encoding/json"
	"fmt"

	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

// Replica replicates the session table between routing nodes. A peer's
// copy of a session carries no control connection; it exists so another
// routing node can pick the client up with its state intact.
type Replica struct {
	sessions *SessionTable
}

// NewReplica wraps a session table for gossip.
func NewReplica(sessions *SessionTable) *Replica {
	return &Replica{sessions: sessions}
}

// ApplyUpdate folds one session delta from a peer routing node.
func (r *Replica) ApplyUpdate(update json.RawMessage, peerIP string) error {
	var p wire.SessionUpdatePayload
	if err := json.Unmarshal(update, &p); err != nil {
		return fmt.Errorf("failed to decode session update: %w", err)
	}
	switch p.Op {
	case wire.OpAdd:
		r.importSession(p.Session)
	case wire.OpDelete:
		r.sessions.Remove(p.Session.SessionID)
	default:
		return fmt.Errorf("unknown session update op %q", p.Op)
	}
	return nil
}

// ExportDump returns the full session table for a merge.
func (r *Replica) ExportDump() (any, error) {
	return wire.SessionDumpPayload{Sessions: r.sessions.Snapshot()}, nil
}

// ImportDump folds a peer's full session table into ours.
func (r *Replica) ImportDump(dump json.RawMessage, peerIP string) error {
	var p wire.SessionDumpPayload
	if err := json.Unmarshal(dump, &p); err != nil {
		return fmt.Errorf("failed to decode session dump: %w", err)
	}
	for _, s := range p.Sessions {
		r.importSession(s)
	}
	return nil
}

func (r *Replica) importSession(s types.Session) {
	if s.SessionID == "" {
		return
	}
	if existing := r.sessions.Get(s.SessionID); existing != nil {
		existing.Update(&s)
		return
	}
	copied := s
	r.sessions.Add(&copied)
}
