package processing

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

const (
	quickTimeout    = 10 * time.Second
	transferTimeout = 300 * time.Second

	// STOR waits on the primary, which itself waits on replication
	storeTimeout = 320 * time.Second
)

var verbHandlers = map[string]handlerFunc{
	"USER": cmdUser,
	"PASS": cmdPass,
	"QUIT": cmdQuit,
	"REIN": cmdRein,
	"NOOP": cmdNoop,
	"SYST": cmdSyst,
	"TYPE": cmdType,
	"STAT": cmdStat,
	"HELP": cmdHelp,
	"PWD":  cmdPwd,
	"CWD":  cmdCwd,
	"CDUP": cmdCdup,
	"MKD":  cmdMkd,
	"RMD":  cmdRmd,
	"DELE": cmdDele,
	"RNFR": cmdRnfr,
	"RNTO": cmdRnto,
	"PASV": cmdPasv,
	"LIST": cmdList,
	"NLST": cmdList,
	"RETR": cmdRetr,
	"STOR": cmdStor,
}

func (n *Node) dataNodes() []types.NodeRef {
	refs, err := n.locator.QueryByRole(types.RoleData)
	if err != nil {
		n.logger.Warn().Err(err).Msg("storage node lookup failed")
		return nil
	}
	return refs
}

func (n *Node) authNodes() []types.NodeRef {
	refs, err := n.locator.QueryByRole(types.RoleAuth)
	if err != nil {
		n.logger.Warn().Err(err).Msg("auth node lookup failed")
		return nil
	}
	return refs
}

// askFirst sends the request to each node in turn and returns the first
// reply, OK or not. Unreachable nodes are skipped; nil means nobody
// answered.
func (n *Node) askFirst(refs []types.NodeRef, msgType string, payload any, timeout time.Duration) *wire.Message {
	for _, ref := range refs {
		msg := wire.New(msgType, n.node.IP, ref.IP, payload)
		reply, err := n.node.Request(ref.IP, msg, timeout)
		if err != nil {
			n.logger.Debug().Err(err).Str("peer", ref.Name).Str("type", msgType).Msg("node unreachable")
			continue
		}
		return reply
	}
	return nil
}

func cmdUser(n *Node, cmd *Command, session *types.Session) (int, string) {
	if len(cmd.Args) != 1 {
		return 501, "Syntax error in parameters. Usage: USER <username>"
	}
	username := cmd.Arg(0)

	auths := n.authNodes()
	if len(auths) == 0 {
		return 451, "User authentication not available."
	}
	reply := n.askFirst(auths, wire.AuthValidateUser, wire.AuthUserPayload{Username: username}, quickTimeout)
	if reply == nil {
		return 451, "User authentication not available."
	}
	var result wire.AuthResultPayload
	if err := reply.Decode(&result); err != nil || !result.Result {
		return 530, "User not found."
	}

	session.ChangeUser(username)
	return 331, fmt.Sprintf("User %s accepted, please provide password.", username)
}

func cmdPass(n *Node, cmd *Command, session *types.Session) (int, string) {
	if len(cmd.Args) != 1 {
		return 501, "Syntax error in parameters. Usage: PASS <password>"
	}
	if session.Username == "" {
		return 503, "Bad sequence of commands. Send USER first."
	}
	if session.Authenticated {
		return 230, "Already logged in."
	}

	auths := n.authNodes()
	if len(auths) == 0 {
		return 451, "User authentication not available."
	}
	reply := n.askFirst(auths, wire.AuthValidatePassword,
		wire.AuthPasswordPayload{Username: session.Username, Password: cmd.Arg(0)}, quickTimeout)
	if reply == nil {
		return 451, "User authentication not available."
	}
	var result wire.AuthResultPayload
	if err := reply.Decode(&result); err != nil || !result.Result {
		return 530, "Login incorrect."
	}

	session.Authenticated = true
	return 230, "User logged in, proceed."
}

func cmdPwd(n *Node, cmd *Command, session *types.Session) (int, string) {
	return 257, fmt.Sprintf("%q is the current directory.", session.CWD)
}

func cmdCwd(n *Node, cmd *Command, session *types.Session) (int, string) {
	if len(cmd.Args) != 1 {
		return 501, "Syntax error in parameters. Usage: CWD <path>"
	}
	return changeDir(n, session, cmd.Arg(0))
}

func cmdCdup(n *Node, cmd *Command, session *types.Session) (int, string) {
	return changeDir(n, session, "..")
}

func changeDir(n *Node, session *types.Session, path string) (int, string) {
	reply := n.askFirst(n.dataNodes(), wire.DataCwd, wire.CwdPayload{
		User:        session.Username,
		CurrentPath: session.CWD,
		NewPath:     path,
	}, quickTimeout)
	if reply == nil {
		return 451, "No storage nodes available."
	}
	if !reply.OK() {
		return 550, reply.Metadata.Message
	}
	var result wire.CwdResultPayload
	if err := reply.Decode(&result); err != nil {
		return 451, "Internal Server Error"
	}
	session.CWD = result.CWD
	return 250, fmt.Sprintf("Directory successfully changed to %q.", result.CWD)
}

func cmdPasv(n *Node, cmd *Command, session *types.Session) (int, string) {
	reply := n.askFirst(n.dataNodes(), wire.DataOpenPasv,
		wire.SessionRefPayload{SessionID: session.SessionID}, quickTimeout)
	if reply == nil || !reply.OK() {
		return 425, "Can't open data connection."
	}
	var ep wire.PasvEndpointPayload
	if err := reply.Decode(&ep); err != nil || ep.Port == 0 {
		return 425, "Can't open data connection."
	}

	session.EnterPasv(ep.IP, ep.Port)
	return 227, fmt.Sprintf("Entering Passive Mode (%s,%d,%d).",
		strings.ReplaceAll(ep.IP, ".", ","), ep.Port/256, ep.Port%256)
}

func cmdList(n *Node, cmd *Command, session *types.Session) (int, string) {
	if len(cmd.Args) > 1 {
		return 501, "Syntax error in parameters."
	}
	path := cmd.Arg(0)
	if path == "" {
		path = "."
	}
	ip, _, ok := session.PasvInfo()
	if !ok {
		return 425, "Use PASV first."
	}
	defer session.ClearPasv()

	msg := wire.New(wire.DataList, n.node.IP, ip, wire.ListPayload{
		User:      session.Username,
		CWD:       session.CWD,
		Path:      path,
		SessionID: session.SessionID,
		Detailed:  cmd.Name == "LIST",
	})
	reply, err := n.node.Request(ip, msg, transferTimeout)
	if err != nil {
		return 425, "Can't open data connection."
	}
	if !reply.OK() {
		return 550, reply.Metadata.Message
	}
	return 226, "Directory listing successful."
}

func cmdRetr(n *Node, cmd *Command, session *types.Session) (int, string) {
	if len(cmd.Args) != 1 {
		return 501, "Syntax error in parameters. Usage: RETR <path>"
	}
	path := cmd.Arg(0)
	if _, _, ok := session.PasvInfo(); !ok {
		return 425, "Use PASV first."
	}
	defer session.ClearPasv()

	// any node may hold the file; the one with the data connection
	// answers once the bytes are on the wire
	lastErr := fmt.Sprintf("File not found: %s", path)
	for _, ref := range n.dataNodes() {
		msg := wire.New(wire.DataRetrFile, n.node.IP, ref.IP, wire.RetrPayload{
			User:      session.Username,
			CWD:       session.CWD,
			Path:      path,
			SessionID: session.SessionID,
		})
		reply, err := n.node.Request(ref.IP, msg, transferTimeout)
		if err != nil {
			continue
		}
		if reply.OK() {
			return 226, fmt.Sprintf("File '%s' transferred successfully.", path)
		}
		lastErr = reply.Metadata.Message
	}
	return 550, lastErr
}

func cmdStor(n *Node, cmd *Command, session *types.Session) (int, string) {
	if len(cmd.Args) != 1 {
		return 501, "Syntax error in parameters. Usage: STOR <path>"
	}
	path := cmd.Arg(0)
	primaryIP, _, ok := session.PasvInfo()
	if !ok {
		return 425, "Use PASV first."
	}
	defer session.ClearPasv()

	nodes := n.dataNodes()
	version := nextVersion(n, nodes, session, path)

	replicas := make([]string, 0, len(nodes))
	for _, ref := range nodes {
		if ref.IP != primaryIP {
			replicas = append(replicas, ref.IP)
		}
	}

	msg := wire.New(wire.DataStoreFile, n.node.IP, primaryIP, wire.StorePayload{
		SessionID:   session.SessionID,
		User:        session.Username,
		CWD:         session.CWD,
		Path:        path,
		Version:     version,
		TransferID:  uuid.NewString(),
		ReplicateTo: replicas,
	})
	reply, err := n.node.Request(primaryIP, msg, storeTimeout)
	if err != nil {
		return 425, "Can't open data connection."
	}
	if reply.Metadata.Status != wire.StatusOK && reply.Metadata.Status != wire.StatusPartial {
		return 550, reply.Metadata.Message
	}
	return 226, fmt.Sprintf("File '%s' stored successfully.", path)
}

// nextVersion asks every storage node for the file's current version
// and returns one higher than the maximum anyone has seen.
func nextVersion(n *Node, nodes []types.NodeRef, session *types.Session, path string) int {
	max := 0
	for _, ref := range nodes {
		msg := wire.New(wire.DataMetaRequest, n.node.IP, ref.IP, wire.MetaRequestPayload{
			Filename: path,
			CWD:      session.CWD,
			User:     session.Username,
		})
		reply, err := n.node.Request(ref.IP, msg, quickTimeout)
		if err != nil {
			continue
		}
		var result wire.MetaResultPayload
		if err := reply.Decode(&result); err != nil || !result.Success {
			continue
		}
		for _, md := range result.Metadata {
			if md.Version > max {
				max = md.Version
			}
		}
	}
	return max + 1
}

func cmdStat(n *Node, cmd *Command, session *types.Session) (int, string) {
	switch len(cmd.Args) {
	case 0:
		return 211, fmt.Sprintf("Session info: %s", session)
	case 1:
		path := cmd.Arg(0)
		reply := n.askFirst(n.dataNodes(), wire.DataStat, wire.PathOpPayload{
			User: session.Username,
			CWD:  session.CWD,
			Path: path,
		}, quickTimeout)
		if reply == nil {
			return 451, "No storage nodes available."
		}
		if !reply.OK() {
			return 550, reply.Metadata.Message
		}
		var result wire.StatResultPayload
		if err := reply.Decode(&result); err != nil {
			return 451, "Internal Server Error"
		}
		rendered, _ := json.Marshal(result.Stat)
		return 211, fmt.Sprintf("STAT for '%s': %s", path, rendered)
	}
	return 501, "Syntax error in parameters."
}

func cmdMkd(n *Node, cmd *Command, session *types.Session) (int, string) {
	if len(cmd.Args) != 1 {
		return 501, "Syntax error in parameters. Usage: MKD <path>"
	}
	reply := n.askFirst(n.dataNodes(), wire.DataMkd, wire.PathOpPayload{
		User: session.Username,
		CWD:  session.CWD,
		Path: cmd.Arg(0),
	}, quickTimeout)
	if reply == nil {
		return 451, "No storage nodes available."
	}
	if !reply.OK() {
		return 550, reply.Metadata.Message
	}
	var result wire.PathResultPayload
	if err := reply.Decode(&result); err != nil {
		return 451, "Internal Server Error"
	}
	return 257, fmt.Sprintf("%q directory created.", result.Path)
}

func cmdRmd(n *Node, cmd *Command, session *types.Session) (int, string) {
	if len(cmd.Args) != 1 {
		return 501, "Syntax error in parameters. Usage: RMD <path>"
	}
	return removePath(n, session, cmd.Arg(0), "dir")
}

func cmdDele(n *Node, cmd *Command, session *types.Session) (int, string) {
	if len(cmd.Args) != 1 {
		return 501, "Syntax error in parameters. Usage: DELE <path>"
	}
	return removePath(n, session, cmd.Arg(0), "file")
}

func removePath(n *Node, session *types.Session, path, kind string) (int, string) {
	reply := n.askFirst(n.dataNodes(), wire.DataRemove, wire.PathOpPayload{
		User: session.Username,
		CWD:  session.CWD,
		Path: path,
		Type: kind,
	}, quickTimeout)
	if reply == nil {
		return 451, "No storage nodes available."
	}
	if !reply.OK() {
		return 550, reply.Metadata.Message
	}
	if kind == "dir" {
		return 250, fmt.Sprintf("Directory '%s' deleted successfully.", path)
	}
	return 250, fmt.Sprintf("File '%s' deleted successfully.", path)
}

func cmdRnfr(n *Node, cmd *Command, session *types.Session) (int, string) {
	if len(cmd.Args) != 1 {
		return 501, "Syntax error in parameters. Usage: RNFR <path>"
	}
	session.RenameFrom = cmd.Arg(0)
	return 350, fmt.Sprintf("File or directory '%s' ready for renaming.", cmd.Arg(0))
}

func cmdRnto(n *Node, cmd *Command, session *types.Session) (int, string) {
	if len(cmd.Args) != 1 {
		return 501, "Syntax error in parameters. Usage: RNTO <path>"
	}
	if session.RenameFrom == "" {
		return 503, "Bad sequence of commands. Use RNFR first."
	}
	oldPath := session.RenameFrom
	session.RenameFrom = ""

	reply := n.askFirst(n.dataNodes(), wire.DataRename, wire.RenameOpPayload{
		User:    session.Username,
		CWD:     session.CWD,
		OldPath: oldPath,
		NewPath: cmd.Arg(0),
	}, quickTimeout)
	if reply == nil {
		return 451, "No storage nodes available."
	}
	if !reply.OK() {
		return 550, reply.Metadata.Message
	}
	return 250, fmt.Sprintf("Renamed '%s' to '%s' successfully.", oldPath, cmd.Arg(0))
}

func cmdType(n *Node, cmd *Command, session *types.Session) (int, string) {
	if len(cmd.Args) != 1 {
		return 501, "Syntax error in parameters. Usage: TYPE <type>"
	}
	t := types.TransferType(strings.ToUpper(cmd.Arg(0)))
	if !types.ValidTransferType(t) {
		return 504, "Command not implemented for that parameter."
	}
	session.TransferType = t
	return 200, fmt.Sprintf("Type set to %s.", t)
}

func cmdSyst(n *Node, cmd *Command, session *types.Session) (int, string) {
	switch runtime.GOOS {
	case "linux", "darwin":
		return 215, "UNIX Type: L8"
	case "windows":
		return 215, "Windows_NT"
	}
	return 215, "UNKNOWN Type: L8"
}

func cmdNoop(n *Node, cmd *Command, session *types.Session) (int, string) {
	return 200, "NOOP OK"
}

func cmdQuit(n *Node, cmd *Command, session *types.Session) (int, string) {
	return 221, "Goodbye."
}

func cmdRein(n *Node, cmd *Command, session *types.Session) (int, string) {
	session.Reset()
	return 220, "Session reinitialized."
}

func cmdHelp(n *Node, cmd *Command, session *types.Session) (int, string) {
	if len(cmd.Args) == 0 {
		return 214, "Supported commands:\r\n" + supportedVerbs()
	}
	verb := strings.ToUpper(cmd.Arg(0))
	if text, ok := commandHelp[verb]; ok {
		return 214, text
	}
	return 502, "Command not implemented."
}
