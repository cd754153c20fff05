package storage

import (
	"encoding/json"
	"fmt"

	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

// The storage node is its own gossip replica: the replicated state is
// the metadata table plus the directory skeleton, and importing an
// entry may trigger a background fetch of the file bytes.

// ApplyUpdate folds one metadata delta from a peer.
func (n *Node) ApplyUpdate(update json.RawMessage, peerIP string) error {
	var p wire.MetadataUpdatePayload
	if err := json.Unmarshal(update, &p); err != nil {
		return fmt.Errorf("failed to decode metadata update: %w", err)
	}
	switch p.Op {
	case wire.OpAdd:
		return n.applyMetadata(p.Metadata, peerIP)
	case wire.OpDelete:
		if err := n.meta.Delete(p.Metadata.Filename); err != nil {
			return err
		}
		return n.fs.ApplyFileDelete("", "/"+p.Metadata.Filename)
	}
	return fmt.Errorf("unknown metadata update op %q", p.Op)
}

// ExportDump returns the metadata table and directory skeleton.
func (n *Node) ExportDump() (any, error) {
	dirs, err := n.fs.Directories()
	if err != nil {
		return nil, err
	}
	if dirs == nil {
		dirs = []wire.DirEntry{}
	}
	metadatas := n.meta.All()
	if metadatas == nil {
		metadatas = []types.FileMetadata{}
	}
	return wire.StorageDumpPayload{Metadatas: metadatas, Directories: dirs}, nil
}

// ImportDump folds a peer's full state into ours: directories first so
// synced files always have a home, then every metadata entry with
// conflict resolution.
func (n *Node) ImportDump(dump json.RawMessage, peerIP string) error {
	var p wire.StorageDumpPayload
	if err := json.Unmarshal(dump, &p); err != nil {
		return fmt.Errorf("failed to decode storage dump: %w", err)
	}
	for _, dir := range p.Directories {
		if err := n.fs.ApplyDirCreate(dir.User, dir.VirtualPath); err != nil {
			n.logger.Warn().Err(err).Str("user", dir.User).Str("path", dir.VirtualPath).Msg("failed to import directory")
		}
	}
	for _, md := range p.Metadatas {
		if err := n.applyMetadata(md, peerIP); err != nil {
			n.logger.Warn().Err(err).Str("file", md.Filename).Msg("failed to import metadata")
		}
	}
	return nil
}

// applyMetadata inserts one peer entry. When both sides hold different
// versions of the same filename, the higher transfer id wins the name
// and the loser survives as a conflict copy, so both uploads remain
// retrievable everywhere the merge runs with the same inputs.
func (n *Node) applyMetadata(md types.FileMetadata, peerIP string) error {
	existing, ok := n.meta.Get(md.Filename)
	switch {
	case ok && existing.TransferID == md.TransferID:
		// same upload, nothing to reconcile
		return nil

	case ok && existing.TransferID < md.TransferID:
		copyName := CopyName(md.Filename)
		if err := n.fs.RenameOnDisk(md.Filename, copyName); err != nil {
			return fmt.Errorf("failed to move conflict copy: %w", err)
		}
		local := existing
		local.Filename = copyName
		if err := n.meta.Upsert(local); err != nil {
			return err
		}
		if err := n.meta.Upsert(md); err != nil {
			return err
		}
		n.logger.Warn().Str("file", md.Filename).Str("copy", copyName).Msg("conflicting upload, local moved aside")

	case ok:
		md.Filename = CopyName(md.Filename)
		if cur, exists := n.meta.Get(md.Filename); exists && cur.TransferID == md.TransferID {
			return nil
		}
		if err := n.meta.Upsert(md); err != nil {
			return err
		}
		n.logger.Warn().Str("copy", md.Filename).Msg("conflicting upload, peer version stored as copy")

	default:
		if err := n.meta.Upsert(md); err != nil {
			return err
		}
	}

	if peerIP != "" && !n.fs.FileExists(md.Filename) {
		go n.syncFile(md.Filename, peerIP)
	}
	return nil
}
