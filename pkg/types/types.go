package types

import "fmt"

// Role identifies the function a node performs in the cluster.
type Role string

const (
	RoleRegistry   Role = "REGISTRY"
	RoleRouting    Role = "ROUTING"
	RoleProcessing Role = "PROCESSING"
	RoleData       Role = "DATA"
	RoleAuth       Role = "AUTH"
)

// AllRoles lists every cluster role.
var AllRoles = []Role{RoleRegistry, RoleRouting, RoleProcessing, RoleData, RoleAuth}

// ParseRole validates a role string received over the wire.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleRegistry, RoleRouting, RoleProcessing, RoleData, RoleAuth:
		return Role(s), nil
	}
	return "", fmt.Errorf("invalid role %q", s)
}

// RegistryEntry is one row of the registry membership table.
type RegistryEntry struct {
	Name          string `json:"name"`
	IP            string `json:"ip"`
	Role          Role   `json:"role"`
	LastHeartbeat int64  `json:"last_heartbeat"`
}

// NodeRef is the name/address pair returned by role queries.
type NodeRef struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
}

// FileMetadata describes one stored file version. Filename carries the
// user namespace prefix (for example "alice/docs/report.txt") so that
// entries from different users never collide.
type FileMetadata struct {
	Filename   string `json:"filename"`
	Version    int    `json:"version"`
	TransferID string `json:"transfer_id"`
	Timestamp  int64  `json:"timestamp"`
}

// UserRecord is one entry of the auth user table. Password holds a
// bcrypt hash, never a plaintext password.
type UserRecord struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TransferType is the FTP representation type negotiated with TYPE.
type TransferType string

const (
	TransferASCII  TransferType = "A"
	TransferImage  TransferType = "I"
	TransferEBCDIC TransferType = "E"
	TransferLocal  TransferType = "L"
)

// ValidTransferType reports whether t is one of the accepted TYPE codes.
func ValidTransferType(t TransferType) bool {
	switch t {
	case TransferASCII, TransferImage, TransferEBCDIC, TransferLocal:
		return true
	}
	return false
}

// Session is the full FTP session state. It travels with every command
// between routing and processing nodes, so the struct is the single
// source of truth for authentication, working directory, transfer mode
// and pending rename state.
type Session struct {
	SessionID     string       `json:"session_id"`
	ClientIP      string       `json:"client_ip"`
	Username      string       `json:"username"`
	Authenticated bool         `json:"authenticated"`
	CWD           string       `json:"cwd"`
	PasvMode      bool         `json:"pasv_mode"`
	DataIP        string       `json:"data_ip"`
	DataPort      int          `json:"data_port"`
	TransferType  TransferType `json:"transfer_type"`
	RenameFrom    string       `json:"rename_from"`
}

// NewSession returns a session in its initial state.
func NewSession(sessionID, clientIP string) *Session {
	s := &Session{SessionID: sessionID, ClientIP: clientIP}
	s.Reset()
	return s
}

// Reset returns the session to its just-connected state. Used by REIN
// and when a session is created.
func (s *Session) Reset() {
	s.Username = ""
	s.Authenticated = false
	s.CWD = "/"
	s.PasvMode = false
	s.DataIP = ""
	s.DataPort = 0
	s.TransferType = TransferASCII
	s.RenameFrom = ""
}

// ChangeUser switches the session user and drops any previous
// authentication and pending rename.
func (s *Session) ChangeUser(username string) {
	s.Username = username
	s.Authenticated = false
	s.RenameFrom = ""
}

// EnterPasv records the data connection endpoint handed out by a
// storage node.
func (s *Session) EnterPasv(ip string, port int) {
	s.PasvMode = true
	s.DataIP = ip
	s.DataPort = port
}

// ClearPasv drops any pending passive data connection state. Called
// after each transfer completes or fails.
func (s *Session) ClearPasv() {
	s.PasvMode = false
	s.DataIP = ""
	s.DataPort = 0
}

// PasvInfo returns the passive endpoint, or ok=false when the client
// has not issued PASV since the last transfer.
func (s *Session) PasvInfo() (ip string, port int, ok bool) {
	if !s.PasvMode {
		return "", 0, false
	}
	return s.DataIP, s.DataPort, true
}

// Update overwrites the mutable session state with the values carried
// in other and reports whether anything changed. Identity fields
// (session id, client address) are never touched.
func (s *Session) Update(other *Session) bool {
	if other == nil {
		return false
	}
	changed := s.Username != other.Username ||
		s.Authenticated != other.Authenticated ||
		s.CWD != other.CWD ||
		s.PasvMode != other.PasvMode ||
		s.DataIP != other.DataIP ||
		s.DataPort != other.DataPort ||
		s.TransferType != other.TransferType ||
		s.RenameFrom != other.RenameFrom

	s.Username = other.Username
	s.Authenticated = other.Authenticated
	s.CWD = other.CWD
	s.PasvMode = other.PasvMode
	s.DataIP = other.DataIP
	s.DataPort = other.DataPort
	s.TransferType = other.TransferType
	s.RenameFrom = other.RenameFrom
	return changed
}

// String renders the session the way STAT reports it.
func (s *Session) String() string {
	user := s.Username
	if user == "" {
		user = "anonymous"
	}
	mode := "ACTIVE"
	if s.PasvMode {
		mode = "PASV"
	}
	return fmt.Sprintf("Session(user=%s, CWD=%s, Mode=%s, Transfer=%s)", user, s.CWD, mode, s.TransferType)
}
