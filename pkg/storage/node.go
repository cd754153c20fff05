package storage

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dftp-io/dftp/pkg/discovery"
	"github.com/dftp-io/dftp/pkg/gossip"
	"github.com/dftp-io/dftp/pkg/log"
	"github.com/dftp-io/dftp/pkg/transport"
	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

const (
	// DefaultChunkSize is the transfer buffer size when the requester
	// does not pick one.
	DefaultChunkSize = 64 * 1024

	pasvAcceptTimeout   = 300 * time.Second
	dataReadyAckTimeout = 30 * time.Second
	streamIdleTimeout   = 60 * time.Second
	storeWaitTimeout    = 300 * time.Second
	replicateRetries    = 3
	replicateRetryDelay = 2 * time.Second
	syncRequestTimeout  = 10 * time.Second
	fanOutTimeout       = 2 * time.Second
)

// Node is a storage node. It owns a slice of the distributed file
// system: the files themselves, their metadata, passive data
// connections for clients, and replication to its peers.
type Node struct {
	node         *transport.Node
	fs           *Manager
	meta         *MetadataTable
	locator      *discovery.Locator
	engine       *gossip.Engine
	replicationK int

	pasvMu sync.Mutex
	pasv   map[string]net.Listener

	logger zerolog.Logger
}

// Options configures a storage node.
type Options struct {
	ReplicationK   int
	GossipInterval time.Duration
}

// New wires a storage node onto the given control node.
func New(node *transport.Node, fs *Manager, meta *MetadataTable, locator *discovery.Locator, opts Options) *Node {
	if opts.ReplicationK < 1 {
		opts.ReplicationK = 1
	}
	n := &Node{
		node:         node,
		fs:           fs,
		meta:         meta,
		locator:      locator,
		replicationK: opts.ReplicationK,
		pasv:         make(map[string]net.Listener),
		logger:       log.WithComponent("storage").With().Str("node", node.Name).Logger(),
	}
	n.engine = gossip.New(node, n, locator.PeersOf(types.RoleData), opts.GossipInterval)

	node.Handle(wire.DataCwd, n.handleCwd)
	node.Handle(wire.DataMkd, n.handleMkd)
	node.Handle(wire.DataRemove, n.handleRemove)
	node.Handle(wire.DataRename, n.handleRename)
	node.Handle(wire.DataStat, n.handleStat)
	node.Handle(wire.DataMetaRequest, n.handleMetaRequest)
	node.Handle(wire.DataOpenPasv, n.handleOpenPasv)
	node.Handle(wire.DataList, n.handleList)
	node.Handle(wire.DataRetrFile, n.handleRetr)
	node.Handle(wire.DataStoreFile, n.handleStore)
	node.Handle(wire.DataReplicateFile, n.handleReplicateFile)
	node.Handle(wire.DataReplicateReady, n.handleReplicateReady)
	node.Handle(wire.DataReplicateDirCreate, n.handleReplicateDirCreate)
	node.Handle(wire.DataReplicateDirDelete, n.handleReplicateDirDelete)
	node.Handle(wire.DataReplicateFileDelete, n.handleReplicateFileDelete)
	node.Handle(wire.DataReplicateRename, n.handleReplicateRename)
	node.Handle(wire.DataSyncFileRequest, n.handleSyncFileRequest)
	return n
}

// Start serves the control port, registers with the cluster and begins
// gossiping with peer storage nodes.
func (n *Node) Start() error {
	if err := n.node.Start(); err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}
	n.locator.Start()
	n.engine.Start()
	n.logger.Info().Str("root", n.fs.Root()).Int("replication_k", n.replicationK).Msg("storage node started")
	return nil
}

// Stop shuts everything down and closes any pending data listeners.
func (n *Node) Stop() {
	n.engine.Stop()
	n.locator.Stop()
	n.node.Stop()

	n.pasvMu.Lock()
	for id, l := range n.pasv {
		l.Close()
		delete(n.pasv, id)
	}
	n.pasvMu.Unlock()
}

// errorText maps filesystem sentinels onto the wording clients see.
func errorText(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "Directory not found"
	case errors.Is(err, ErrNotDir):
		return "Not a directory"
	case errors.Is(err, ErrNotFile):
		return "Not a regular file"
	case errors.Is(err, ErrExists):
		return "Already exists"
	case errors.Is(err, ErrNotEmpty):
		return "Directory not empty"
	case errors.Is(err, ErrInvalidPath):
		return "Invalid path"
	}
	return err.Error()
}

func (n *Node) handleCwd(msg *wire.Message) *wire.Message {
	var p wire.CwdPayload
	if err := msg.Decode(&p); err != nil || p.User == "" {
		return wire.NewErrorReply(msg, wire.DataCwdAck, n.node.IP, "Invalid path")
	}
	cwd, err := n.fs.ChangeDir(p.User, p.CurrentPath, p.NewPath)
	if err != nil {
		return wire.NewErrorReply(msg, wire.DataCwdAck, n.node.IP, errorText(err))
	}
	return wire.NewReply(msg, wire.DataCwdAck, n.node.IP, wire.StatusOK, wire.CwdResultPayload{CWD: cwd})
}

func (n *Node) handleMkd(msg *wire.Message) *wire.Message {
	var p wire.PathOpPayload
	if err := msg.Decode(&p); err != nil || p.User == "" || p.Path == "" {
		return wire.NewErrorReply(msg, wire.DataMkdAck, n.node.IP, "Invalid path")
	}
	vpath, err := n.fs.MakeDir(p.User, p.CWD, p.Path)
	if err != nil {
		return wire.NewErrorReply(msg, wire.DataMkdAck, n.node.IP, errorText(err))
	}
	n.logger.Info().Str("user", p.User).Str("path", vpath).Msg("directory created")
	n.fanOut(wire.DataReplicateDirCreate, wire.NamespacePathPayload{User: p.User, VirtualPath: vpath})
	return wire.NewReply(msg, wire.DataMkdAck, n.node.IP, wire.StatusOK, wire.PathResultPayload{Path: vpath})
}

func (n *Node) handleRemove(msg *wire.Message) *wire.Message {
	var p wire.PathOpPayload
	if err := msg.Decode(&p); err != nil || p.User == "" || p.Path == "" {
		return wire.NewErrorReply(msg, wire.DataRemoveAck, n.node.IP, "Invalid path")
	}
	switch p.Type {
	case "dir":
		vpath, err := n.fs.RemoveDir(p.User, p.CWD, p.Path)
		if err != nil {
			return wire.NewErrorReply(msg, wire.DataRemoveAck, n.node.IP, errorText(err))
		}
		n.logger.Info().Str("user", p.User).Str("path", vpath).Msg("directory deleted")
		n.fanOut(wire.DataReplicateDirDelete, wire.NamespacePathPayload{User: p.User, VirtualPath: vpath})
		return wire.NewReply(msg, wire.DataRemoveAck, n.node.IP, wire.StatusOK, wire.PathResultPayload{Path: vpath})
	case "file":
		vpath, err := n.fs.DeleteFile(p.User, p.CWD, p.Path)
		if err != nil {
			return wire.NewErrorReply(msg, wire.DataRemoveAck, n.node.IP, errorText(err))
		}
		if err := n.meta.Delete(Namespaced(p.User, vpath)); err != nil {
			n.logger.Error().Err(err).Msg("failed to drop metadata")
		}
		n.logger.Info().Str("user", p.User).Str("path", vpath).Msg("file deleted")
		n.fanOut(wire.DataReplicateFileDelete, wire.NamespacePathPayload{User: p.User, VirtualPath: vpath})
		return wire.NewReply(msg, wire.DataRemoveAck, n.node.IP, wire.StatusOK, wire.PathResultPayload{Path: vpath})
	}
	return wire.NewErrorReply(msg, wire.DataRemoveAck, n.node.IP, fmt.Sprintf("unknown remove type %q", p.Type))
}

func (n *Node) handleRename(msg *wire.Message) *wire.Message {
	var p wire.RenameOpPayload
	if err := msg.Decode(&p); err != nil || p.User == "" || p.OldPath == "" || p.NewPath == "" {
		return wire.NewErrorReply(msg, wire.DataRenameAck, n.node.IP, "Invalid path")
	}
	oldV, newV, err := n.fs.Rename(p.User, p.CWD, p.OldPath, p.NewPath)
	if err != nil {
		return wire.NewErrorReply(msg, wire.DataRenameAck, n.node.IP, errorText(err))
	}
	if err := n.meta.Rename(Namespaced(p.User, oldV), Namespaced(p.User, newV)); err != nil {
		n.logger.Error().Err(err).Msg("failed to move metadata")
	}
	n.logger.Info().Str("user", p.User).Str("old", oldV).Str("new", newV).Msg("renamed")
	n.fanOut(wire.DataReplicateRename, wire.NamespaceRenamePayload{
		User:           p.User,
		OldVirtualPath: oldV,
		NewVirtualPath: newV,
	})
	return wire.NewReply(msg, wire.DataRenameAck, n.node.IP, wire.StatusOK, wire.PathResultPayload{Path: newV})
}

func (n *Node) handleStat(msg *wire.Message) *wire.Message {
	var p wire.PathOpPayload
	if err := msg.Decode(&p); err != nil || p.User == "" || p.Path == "" {
		return wire.NewErrorReply(msg, wire.DataStatAck, n.node.IP, "Invalid path")
	}
	info, err := n.fs.Stat(p.User, p.CWD, p.Path)
	if err != nil {
		return wire.NewErrorReply(msg, wire.DataStatAck, n.node.IP, errorText(err))
	}
	return wire.NewReply(msg, wire.DataStatAck, n.node.IP, wire.StatusOK, wire.StatResultPayload{Stat: info})
}

func (n *Node) handleMetaRequest(msg *wire.Message) *wire.Message {
	var p wire.MetaRequestPayload
	if err := msg.Decode(&p); err != nil {
		return wire.NewErrorReply(msg, wire.DataMetaRequestAck, n.node.IP, "invalid metadata request")
	}

	// no filename: dump the whole table
	if p.Filename == "" {
		return wire.NewReply(msg, wire.DataMetaRequestAck, n.node.IP, wire.StatusOK,
			wire.MetaResultPayload{Success: true, Metadata: n.meta.All()})
	}

	key := p.Filename
	if p.User != "" {
		key = Namespaced(p.User, NormalizeVirtual(p.CWD, p.Filename))
	}
	if md, ok := n.meta.Get(key); ok {
		return wire.NewReply(msg, wire.DataMetaRequestAck, n.node.IP, wire.StatusOK,
			wire.MetaResultPayload{Success: true, Metadata: []types.FileMetadata{md}})
	}
	return wire.NewReply(msg, wire.DataMetaRequestAck, n.node.IP, wire.StatusOK,
		wire.MetaResultPayload{Success: false, Metadata: []types.FileMetadata{}})
}

// Idempotent receivers of the namespace fan-out.

func (n *Node) handleReplicateDirCreate(msg *wire.Message) *wire.Message {
	var p wire.NamespacePathPayload
	if err := msg.Decode(&p); err == nil {
		if err := n.fs.ApplyDirCreate(p.User, p.VirtualPath); err != nil {
			n.logger.Warn().Err(err).Str("path", p.VirtualPath).Msg("replicated mkdir failed")
		}
	}
	return nil
}

func (n *Node) handleReplicateDirDelete(msg *wire.Message) *wire.Message {
	var p wire.NamespacePathPayload
	if err := msg.Decode(&p); err == nil {
		if err := n.fs.ApplyDirDelete(p.User, p.VirtualPath); err != nil {
			n.logger.Warn().Err(err).Str("path", p.VirtualPath).Msg("replicated rmdir failed")
		}
	}
	return nil
}

func (n *Node) handleReplicateFileDelete(msg *wire.Message) *wire.Message {
	var p wire.NamespacePathPayload
	if err := msg.Decode(&p); err == nil {
		if err := n.fs.ApplyFileDelete(p.User, p.VirtualPath); err != nil {
			n.logger.Warn().Err(err).Str("path", p.VirtualPath).Msg("replicated delete failed")
		}
		if err := n.meta.Delete(Namespaced(p.User, p.VirtualPath)); err != nil {
			n.logger.Error().Err(err).Msg("failed to drop metadata")
		}
	}
	return nil
}

func (n *Node) handleReplicateRename(msg *wire.Message) *wire.Message {
	var p wire.NamespaceRenamePayload
	if err := msg.Decode(&p); err == nil {
		if err := n.fs.ApplyRename(p.User, p.OldVirtualPath, p.NewVirtualPath); err != nil {
			n.logger.Warn().Err(err).Str("old", p.OldVirtualPath).Msg("replicated rename failed")
		}
		if err := n.meta.Rename(Namespaced(p.User, p.OldVirtualPath), Namespaced(p.User, p.NewVirtualPath)); err != nil {
			n.logger.Error().Err(err).Msg("failed to move metadata")
		}
	}
	return nil
}

// fanOut notifies every peer storage node of a namespace change.
func (n *Node) fanOut(msgType string, payload any) {
	for name, ip := range n.engine.Peers() {
		msg := wire.New(msgType, n.node.IP, ip, payload)
		go func(name, ip string, msg *wire.Message) {
			if err := n.node.Notify(ip, msg, fanOutTimeout); err != nil {
				n.logger.Debug().Err(err).Str("peer", name).Str("type", msg.Header.Type).Msg("fan-out not delivered")
			}
		}(name, ip, msg)
	}
}
