package wire

import "github.com/dftp-io/dftp/pkg/types"

// Typed payloads for every message on the control port. Field names are
// the wire protocol contract; changing a tag is a breaking change for
// mixed-version clusters.

// HeartbeatPayload announces a node to a registry.
type HeartbeatPayload struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
	Role string `json:"role"`
}

// PeerInfoPayload is the registry's side of a heartbeat exchange: its
// own contact information.
type PeerInfoPayload struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
}

// QueryByNamePayload asks the registry for a single node.
type QueryByNamePayload struct {
	Name string `json:"name"`
}

// NodePayload carries one full registry entry.
type NodePayload struct {
	Node types.RegistryEntry `json:"node"`
}

// QueryByRolePayload asks the registry for every node of a role.
type QueryByRolePayload struct {
	Role string `json:"role"`
}

// NodeRefsPayload carries name/address pairs for a role query.
type NodeRefsPayload struct {
	Nodes []types.NodeRef `json:"nodes"`
}

// RegistryDumpPayload carries full registry entries, used by query-all
// and by registry state merges.
type RegistryDumpPayload struct {
	Nodes []types.RegistryEntry `json:"nodes"`
}

// ProcessCommandPayload forwards one raw FTP command line together with
// the session it belongs to.
type ProcessCommandPayload struct {
	Line    string         `json:"line"`
	Session *types.Session `json:"session"`
}

// FTPReplyPayload is the processed result: an FTP reply code and text,
// plus the updated session (nil when the command changed nothing).
type FTPReplyPayload struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Session *types.Session `json:"session"`
}

// AuthUserPayload asks whether a username exists.
type AuthUserPayload struct {
	Username string `json:"username"`
}

// AuthPasswordPayload asks whether a password matches.
type AuthPasswordPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResultPayload is the boolean outcome of an auth check.
type AuthResultPayload struct {
	Result bool `json:"result"`
}

// SessionRefPayload references a session by id (PASV setup, DATA_READY).
type SessionRefPayload struct {
	SessionID string `json:"session_id"`
}

// SuccessPayload acknowledges a control handshake.
type SuccessPayload struct {
	Success bool `json:"success"`
}

// CwdPayload validates a directory change inside a user namespace.
type CwdPayload struct {
	User        string `json:"user"`
	CurrentPath string `json:"current_path"`
	NewPath     string `json:"new_path"`
}

// CwdResultPayload returns the normalized new working directory.
type CwdResultPayload struct {
	CWD string `json:"cwd"`
}

// PathOpPayload addresses a single path for MKD, RMD, DELE and STAT.
// Type distinguishes file from dir removal and is empty otherwise.
type PathOpPayload struct {
	User string `json:"user"`
	CWD  string `json:"cwd"`
	Path string `json:"path"`
	Type string `json:"type,omitempty"`
}

// PathResultPayload returns the normalized virtual path an operation
// acted on.
type PathResultPayload struct {
	Path string `json:"path"`
}

// RenameOpPayload renames old_path to new_path relative to cwd.
type RenameOpPayload struct {
	User    string `json:"user"`
	CWD     string `json:"cwd"`
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

// EntryInfo is the stat record for one filesystem entry.
type EntryInfo struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Permissions uint32 `json:"permissions"`
	Modified    string `json:"modified"`
	Accessed    string `json:"accessed"`
	IsDir       bool   `json:"is_dir"`
	IsFile      bool   `json:"is_file"`
}

// StatResultPayload wraps a stat record.
type StatResultPayload struct {
	Stat EntryInfo `json:"stat"`
}

// ListPayload requests a directory listing streamed over the session's
// passive data connection.
type ListPayload struct {
	User      string `json:"user"`
	CWD       string `json:"cwd"`
	Path      string `json:"path"`
	SessionID string `json:"session_id"`
	Detailed  bool   `json:"detailed"`
}

// PasvEndpointPayload is the data connection endpoint a storage node
// opened for a session.
type PasvEndpointPayload struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// RetrPayload requests a file download over the passive connection.
type RetrPayload struct {
	User      string `json:"user"`
	CWD       string `json:"cwd"`
	Path      string `json:"path"`
	SessionID string `json:"session_id"`
	ChunkSize int    `json:"chunk_size"`
}

// StorePayload requests a file upload. The receiving node is the
// primary; ReplicateTo lists the remaining storage nodes.
type StorePayload struct {
	SessionID   string   `json:"session_id"`
	User        string   `json:"user"`
	CWD         string   `json:"cwd"`
	Path        string   `json:"path"`
	Version     int      `json:"version"`
	TransferID  string   `json:"transfer_id"`
	ReplicateTo []string `json:"replicate_to"`
	ChunkSize   int      `json:"chunk_size"`
}

// StoreResultPayload reports how many replicas acknowledged the write.
type StoreResultPayload struct {
	AcksReceived int `json:"acks_received"`
}

// MetaRequestPayload asks for file metadata. With an empty Filename the
// whole table is returned.
type MetaRequestPayload struct {
	Filename string `json:"filename"`
	CWD      string `json:"cwd"`
	User     string `json:"user"`
}

// MetaResultPayload returns zero or more metadata entries.
type MetaResultPayload struct {
	Success  bool                 `json:"success"`
	Metadata []types.FileMetadata `json:"metadata"`
}

// ReplicateFilePayload announces an incoming replica push; the receiver
// answers out-of-band with DATA_REPLICATE_READY.
type ReplicateFilePayload struct {
	Filename  string             `json:"filename"`
	Metadata  types.FileMetadata `json:"metadata"`
	User      string             `json:"user"`
	CWD       string             `json:"cwd"`
	ChunkSize int                `json:"chunk_size,omitempty"`
}

// ReplicateReadyPayload tells the primary where to connect to push the
// replica bytes.
type ReplicateReadyPayload struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Filename string `json:"filename"`
	User     string `json:"user"`
	CWD      string `json:"cwd"`
}

// NamespacePathPayload replicates a directory create/delete or file
// delete across storage nodes.
type NamespacePathPayload struct {
	User        string `json:"user"`
	VirtualPath string `json:"virtual_path"`
}

// NamespaceRenamePayload replicates a rename across storage nodes.
type NamespaceRenamePayload struct {
	User           string `json:"user"`
	OldVirtualPath string `json:"old_virtual_path"`
	NewVirtualPath string `json:"new_virtual_path"`
}

// SyncFileRequestPayload asks a peer to serve a file it holds.
type SyncFileRequestPayload struct {
	Filename string `json:"filename"`
}

// SyncFileReadyPayload answers with an ephemeral port the file will be
// served on, or a non-ready status when the peer cannot serve it.
type SyncFileReadyPayload struct {
	Filename string `json:"filename"`
	PasvPort int    `json:"pasv_port,omitempty"`
	Status   string `json:"status"`
}

// Sync statuses for SyncFileReadyPayload.
const (
	SyncReady    = "READY"
	SyncNotFound = "NOT_FOUND"
	SyncError    = "ERROR"
)

// Gossip delta operations.
const (
	OpAdd    = "add"
	OpDelete = "delete"
)

// RegistryUpdatePayload is a single membership delta.
type RegistryUpdatePayload struct {
	Op       string              `json:"op"`
	Registry types.RegistryEntry `json:"registry"`
}

// MetadataUpdatePayload is a single file metadata delta.
type MetadataUpdatePayload struct {
	Op       string             `json:"op"`
	Metadata types.FileMetadata `json:"metadata"`
}

// UserUpdatePayload is a single user table delta.
type UserUpdatePayload struct {
	Op   string           `json:"op"`
	User types.UserRecord `json:"user"`
}

// DirEntry names one directory inside a user namespace.
type DirEntry struct {
	User        string `json:"user"`
	VirtualPath string `json:"virtual_path"`
}

// StorageDumpPayload is a storage node's full replicated state: the
// metadata table plus the directory skeleton of every namespace.
type StorageDumpPayload struct {
	Metadatas   []types.FileMetadata `json:"metadatas"`
	Directories []DirEntry           `json:"directories"`
}

// UserDumpPayload is an auth node's full replicated state.
type UserDumpPayload struct {
	Users []types.UserRecord `json:"users"`
}

// SessionUpdatePayload is a single session table delta.
type SessionUpdatePayload struct {
	Op      string        `json:"op"`
	Session types.Session `json:"session"`
}

// SessionDumpPayload is a routing node's full session table.
type SessionDumpPayload struct {
	Sessions []types.Session `json:"sessions"`
}
