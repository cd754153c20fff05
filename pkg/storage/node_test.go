package storage

import (
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dftp-io/dftp/pkg/discovery"
	"github.com/dftp-io/dftp/pkg/transport"
	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	tnode := transport.NewNode("data-1", "127.0.0.1", 0)
	locator, err := discovery.NewLocator(tnode, types.RoleData, "127.0.0.0/30", time.Minute, 100*time.Millisecond, 2)
	require.NoError(t, err)

	fs, err := NewManager(t.TempDir())
	require.NoError(t, err)
	meta := NewMetadataTable(filepath.Join(t.TempDir(), "metadata.json"))
	return New(tnode, fs, meta, locator, Options{ReplicationK: 1, GossipInterval: time.Minute})
}

func request(msgType string, payload any) *wire.Message {
	return wire.New(msgType, "10.0.0.2", "127.0.0.1", payload)
}

func TestHandleListEmptyDirectory(t *testing.T) {
	// stands in for the processing node that relays the 150 to routing
	relay := transport.NewNode("proc-1", "127.0.0.1", 0)
	relay.Handle(wire.DataReady, func(msg *wire.Message) *wire.Message {
		return wire.NewReply(msg, wire.DataReadyAck, "127.0.0.1", wire.StatusOK,
			wire.SuccessPayload{Success: true})
	})
	require.NoError(t, relay.Start())
	t.Cleanup(relay.Stop)
	port := relay.Addr().(*net.TCPAddr).Port

	tnode := transport.NewNode("data-1", "127.0.0.1", port)
	locator, err := discovery.NewLocator(tnode, types.RoleData, "127.0.0.0/30", time.Minute, 100*time.Millisecond, 2)
	require.NoError(t, err)
	fs, err := NewManager(t.TempDir())
	require.NoError(t, err)
	meta := NewMetadataTable(filepath.Join(t.TempDir(), "metadata.json"))
	n := New(tnode, fs, meta, locator, Options{ReplicationK: 1, GossipInterval: time.Minute})
	require.NoError(t, n.fs.EnsureNamespace("alice"))

	openReply := n.handleOpenPasv(wire.New(wire.DataOpenPasv, "127.0.0.1", "127.0.0.1",
		wire.SessionRefPayload{SessionID: "s-1"}))
	require.True(t, openReply.OK())
	var ep wire.PasvEndpointPayload
	require.NoError(t, openReply.Decode(&ep))

	conn, err := net.Dial("tcp", net.JoinHostPort(ep.IP, strconv.Itoa(ep.Port)))
	require.NoError(t, err)
	defer conn.Close()

	reply := n.handleList(wire.New(wire.DataList, "127.0.0.1", "127.0.0.1",
		wire.ListPayload{User: "alice", CWD: "/", Path: ".", SessionID: "s-1", Detailed: true}))
	require.True(t, reply.OK())

	// an empty directory sends no bytes at all on the data connection
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestHandleCwd(t *testing.T) {
	n := newTestNode(t)
	_, err := n.fs.MakeDir("alice", "/", "docs")
	require.NoError(t, err)

	reply := n.handleCwd(request(wire.DataCwd, wire.CwdPayload{User: "alice", CurrentPath: "/", NewPath: "docs"}))
	require.True(t, reply.OK())
	var result wire.CwdResultPayload
	require.NoError(t, reply.Decode(&result))
	assert.Equal(t, "/docs", result.CWD)

	reply = n.handleCwd(request(wire.DataCwd, wire.CwdPayload{User: "alice", CurrentPath: "/", NewPath: "ghost"}))
	assert.False(t, reply.OK())
	assert.Equal(t, "Directory not found", reply.Metadata.Message)

	_, err = n.fs.WriteStream("alice/file.txt", strings.NewReader("x"))
	require.NoError(t, err)
	reply = n.handleCwd(request(wire.DataCwd, wire.CwdPayload{User: "alice", CurrentPath: "/", NewPath: "file.txt"}))
	assert.False(t, reply.OK())
	assert.Equal(t, "Not a directory", reply.Metadata.Message)
}

func TestHandleMkdAndRemove(t *testing.T) {
	n := newTestNode(t)

	reply := n.handleMkd(request(wire.DataMkd, wire.PathOpPayload{User: "alice", CWD: "/", Path: "docs"}))
	require.True(t, reply.OK())
	var result wire.PathResultPayload
	require.NoError(t, reply.Decode(&result))
	assert.Equal(t, "/docs", result.Path)

	reply = n.handleMkd(request(wire.DataMkd, wire.PathOpPayload{User: "alice", CWD: "/", Path: "docs"}))
	assert.False(t, reply.OK())

	reply = n.handleRemove(request(wire.DataRemove, wire.PathOpPayload{User: "alice", CWD: "/", Path: "docs", Type: "dir"}))
	assert.True(t, reply.OK())

	reply = n.handleRemove(request(wire.DataRemove, wire.PathOpPayload{User: "alice", CWD: "/", Path: "docs", Type: "dir"}))
	assert.False(t, reply.OK())
}

func TestHandleRemoveFileDropsMetadata(t *testing.T) {
	n := newTestNode(t)
	_, err := n.fs.WriteStream("alice/a.txt", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, n.meta.Upsert(types.FileMetadata{Filename: "alice/a.txt", TransferID: "t-1"}))

	reply := n.handleRemove(request(wire.DataRemove, wire.PathOpPayload{User: "alice", CWD: "/", Path: "a.txt", Type: "file"}))
	require.True(t, reply.OK())
	_, ok := n.meta.Get("alice/a.txt")
	assert.False(t, ok)
}

func TestHandleRenameMovesMetadata(t *testing.T) {
	n := newTestNode(t)
	_, err := n.fs.WriteStream("alice/a.txt", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, n.meta.Upsert(types.FileMetadata{Filename: "alice/a.txt", TransferID: "t-1"}))

	reply := n.handleRename(request(wire.DataRename, wire.RenameOpPayload{
		User: "alice", CWD: "/", OldPath: "a.txt", NewPath: "b.txt",
	}))
	require.True(t, reply.OK())

	_, ok := n.meta.Get("alice/a.txt")
	assert.False(t, ok)
	md, ok := n.meta.Get("alice/b.txt")
	require.True(t, ok)
	assert.Equal(t, "t-1", md.TransferID)
	assert.True(t, n.fs.FileExists("alice/b.txt"))
}

func TestHandleStat(t *testing.T) {
	n := newTestNode(t)
	_, err := n.fs.WriteStream("alice/report.txt", strings.NewReader("hello"))
	require.NoError(t, err)

	reply := n.handleStat(request(wire.DataStat, wire.PathOpPayload{User: "alice", CWD: "/", Path: "report.txt"}))
	require.True(t, reply.OK())
	var result wire.StatResultPayload
	require.NoError(t, reply.Decode(&result))
	assert.Equal(t, int64(5), result.Stat.Size)
	assert.True(t, result.Stat.IsFile)

	reply = n.handleStat(request(wire.DataStat, wire.PathOpPayload{User: "alice", CWD: "/", Path: "ghost"}))
	assert.False(t, reply.OK())
}

func TestHandleMetaRequest(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.meta.Upsert(types.FileMetadata{Filename: "alice/docs/a.txt", Version: 2, TransferID: "t-1"}))
	require.NoError(t, n.meta.Upsert(types.FileMetadata{Filename: "bob/b.txt", Version: 1, TransferID: "t-2"}))

	reply := n.handleMetaRequest(request(wire.DataMetaRequest, wire.MetaRequestPayload{
		Filename: "a.txt", CWD: "/docs", User: "alice",
	}))
	require.True(t, reply.OK())
	assert.Equal(t, wire.DataMetaRequestAck, reply.Header.Type)
	var result wire.MetaResultPayload
	require.NoError(t, reply.Decode(&result))
	require.True(t, result.Success)
	require.Len(t, result.Metadata, 1)
	assert.Equal(t, 2, result.Metadata[0].Version)

	reply = n.handleMetaRequest(request(wire.DataMetaRequest, wire.MetaRequestPayload{
		Filename: "ghost.txt", CWD: "/", User: "alice",
	}))
	require.True(t, reply.OK())
	require.NoError(t, reply.Decode(&result))
	assert.False(t, result.Success)
	assert.Empty(t, result.Metadata)

	// empty filename dumps the whole table
	reply = n.handleMetaRequest(request(wire.DataMetaRequest, wire.MetaRequestPayload{}))
	require.True(t, reply.OK())
	require.NoError(t, reply.Decode(&result))
	assert.True(t, result.Success)
	assert.Len(t, result.Metadata, 2)
}

func TestHandleOpenPasvReplacesListener(t *testing.T) {
	n := newTestNode(t)
	defer n.Stop()

	first := n.handleOpenPasv(request(wire.DataOpenPasv, wire.SessionRefPayload{SessionID: "s-1"}))
	require.True(t, first.OK())
	var ep1 wire.PasvEndpointPayload
	require.NoError(t, first.Decode(&ep1))
	assert.NotZero(t, ep1.Port)

	second := n.handleOpenPasv(request(wire.DataOpenPasv, wire.SessionRefPayload{SessionID: "s-1"}))
	require.True(t, second.OK())
	var ep2 wire.PasvEndpointPayload
	require.NoError(t, second.Decode(&ep2))
	assert.NotEqual(t, ep1.Port, ep2.Port)

	listener, ok := n.consumePasv("s-1")
	require.True(t, ok)
	assert.Equal(t, ep2.Port, listener.Addr().(*net.TCPAddr).Port)
	listener.Close()

	_, ok = n.consumePasv("s-1")
	assert.False(t, ok)
}

func TestApplyMetadataSameTransferIgnored(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.meta.Upsert(types.FileMetadata{Filename: "alice/a.txt", Version: 1, TransferID: "t-1"}))

	require.NoError(t, n.applyMetadata(types.FileMetadata{Filename: "alice/a.txt", Version: 1, TransferID: "t-1"}, ""))
	assert.Len(t, n.meta.All(), 1)
}

func TestApplyMetadataLocalLosesConflict(t *testing.T) {
	n := newTestNode(t)
	_, err := n.fs.WriteStream("alice/a.txt", strings.NewReader("local"))
	require.NoError(t, err)
	require.NoError(t, n.meta.Upsert(types.FileMetadata{Filename: "alice/a.txt", Version: 1, TransferID: "t-aaa"}))

	incoming := types.FileMetadata{Filename: "alice/a.txt", Version: 1, TransferID: "t-bbb"}
	require.NoError(t, n.applyMetadata(incoming, ""))

	// the local file moved aside, the winner owns the original name
	assert.True(t, n.fs.FileExists("alice/a_copy.txt"))
	assert.False(t, n.fs.FileExists("alice/a.txt"))

	md, ok := n.meta.Get("alice/a.txt")
	require.True(t, ok)
	assert.Equal(t, "t-bbb", md.TransferID)
	copyMD, ok := n.meta.Get("alice/a_copy.txt")
	require.True(t, ok)
	assert.Equal(t, "t-aaa", copyMD.TransferID)
}

func TestApplyMetadataIncomingLosesConflict(t *testing.T) {
	n := newTestNode(t)
	_, err := n.fs.WriteStream("alice/a.txt", strings.NewReader("local"))
	require.NoError(t, err)
	require.NoError(t, n.meta.Upsert(types.FileMetadata{Filename: "alice/a.txt", Version: 1, TransferID: "t-zzz"}))

	incoming := types.FileMetadata{Filename: "alice/a.txt", Version: 1, TransferID: "t-aaa"}
	require.NoError(t, n.applyMetadata(incoming, ""))

	// local keeps the name, the peer version lands under the copy name
	md, ok := n.meta.Get("alice/a.txt")
	require.True(t, ok)
	assert.Equal(t, "t-zzz", md.TransferID)
	copyMD, ok := n.meta.Get("alice/a_copy.txt")
	require.True(t, ok)
	assert.Equal(t, "t-aaa", copyMD.TransferID)
	assert.True(t, n.fs.FileExists("alice/a.txt"))

	// replaying the same conflict changes nothing
	require.NoError(t, n.applyMetadata(incoming, ""))
	assert.Len(t, n.meta.All(), 2)
}

func TestDumpRoundTrip(t *testing.T) {
	a := newTestNode(t)
	_, err := a.fs.MakeDir("alice", "/", "docs")
	require.NoError(t, err)
	require.NoError(t, a.meta.Upsert(types.FileMetadata{Filename: "alice/docs/a.txt", Version: 1, TransferID: "t-1"}))

	dump, err := a.ExportDump()
	require.NoError(t, err)
	raw, err := json.Marshal(dump)
	require.NoError(t, err)

	b := newTestNode(t)
	require.NoError(t, b.ImportDump(raw, ""))

	md, ok := b.meta.Get("alice/docs/a.txt")
	require.True(t, ok)
	assert.Equal(t, "t-1", md.TransferID)

	// the directory skeleton came across too
	cwd, err := b.fs.ChangeDir("alice", "/", "docs")
	require.NoError(t, err)
	assert.Equal(t, "/docs", cwd)
}
