package routing

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dftp-io/dftp/pkg/discovery"
	"github.com/dftp-io/dftp/pkg/log"
	"github.com/dftp-io/dftp/pkg/transport"
	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestRouter(t *testing.T) *Node {
	t.Helper()
	tnode := transport.NewNode("routing-1", "127.0.0.1", 0)
	locator, err := discovery.NewLocator(tnode, types.RoleRouting, "127.0.0.0/30", time.Minute, 100*time.Millisecond, 2)
	require.NoError(t, err)
	return New(tnode, locator, 0, time.Minute)
}

func TestSessionTable(t *testing.T) {
	table := NewSessionTable()
	a := types.NewSession("s-1", "198.51.100.7")
	b := types.NewSession("s-2", "198.51.100.7")
	c := types.NewSession("s-3", "198.51.100.9")
	table.Add(a)
	table.Add(b)
	table.Add(c)

	assert.Equal(t, 3, table.Count())
	assert.Same(t, b, table.Get("s-2"))
	assert.Nil(t, table.Get("ghost"))

	// per-client sessions keep connection order
	same := table.ByClientIP("198.51.100.7")
	require.Len(t, same, 2)
	assert.Equal(t, "s-1", same[0].SessionID)
	assert.Equal(t, "s-2", same[1].SessionID)

	table.Remove("s-1")
	assert.Equal(t, 2, table.Count())
	assert.Len(t, table.ByClientIP("198.51.100.7"), 1)

	table.Remove("s-2")
	assert.Empty(t, table.ByClientIP("198.51.100.7"))

	// removing twice is harmless
	table.Remove("s-2")
}

func TestServeClientGreetsAndClosesWithoutProcessors(t *testing.T) {
	n := newTestRouter(t)
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.serveClient(server)
	}()

	reader := bufio.NewReader(client)
	greeting, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "220 Distributed FTP Server Ready\r\n", greeting)

	// no processing nodes exist: one command gets 421 and a hangup
	_, err = client.Write([]byte("NOOP\r\n"))
	require.NoError(t, err)

	reply, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "421 Service not available\r\n", reply)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session never closed")
	}
	assert.Equal(t, 0, n.sessions.Count())
}

func TestHandleDataReady(t *testing.T) {
	n := newTestRouter(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	n.connMu.Lock()
	n.conns["s-1"] = server
	n.connMu.Unlock()

	lines := make(chan string, 1)
	go func() {
		line, err := bufio.NewReader(client).ReadString('\n')
		if err == nil {
			lines <- line
		}
	}()

	msg := wire.New(wire.DataReady, "10.0.0.3", "127.0.0.1", wire.SessionRefPayload{SessionID: "s-1"})
	reply := n.handleDataReady(msg)

	require.NotNil(t, reply)
	var result wire.SuccessPayload
	require.NoError(t, reply.Decode(&result))
	assert.True(t, result.Success)

	select {
	case line := <-lines:
		assert.Equal(t, "150 Data connection ready\r\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("client never saw the preliminary reply")
	}
}

func TestReplicaApplyUpdate(t *testing.T) {
	table := NewSessionTable()
	r := NewReplica(table)

	s := types.Session{SessionID: "s-1", ClientIP: "198.51.100.7", Username: "test", Authenticated: true, CWD: "/docs"}
	update, err := json.Marshal(wire.SessionUpdatePayload{Op: wire.OpAdd, Session: s})
	require.NoError(t, err)
	require.NoError(t, r.ApplyUpdate(update, "10.0.0.2"))

	got := table.Get("s-1")
	require.NotNil(t, got)
	assert.Equal(t, "/docs", got.CWD)
	assert.True(t, got.Authenticated)

	// a later update for the same session mutates in place
	s.CWD = "/docs/reports"
	update, err = json.Marshal(wire.SessionUpdatePayload{Op: wire.OpAdd, Session: s})
	require.NoError(t, err)
	require.NoError(t, r.ApplyUpdate(update, "10.0.0.2"))
	assert.Equal(t, "/docs/reports", got.CWD)
	assert.Equal(t, 1, table.Count())

	del, err := json.Marshal(wire.SessionUpdatePayload{Op: wire.OpDelete, Session: types.Session{SessionID: "s-1"}})
	require.NoError(t, err)
	require.NoError(t, r.ApplyUpdate(del, "10.0.0.2"))
	assert.Nil(t, table.Get("s-1"))

	bad, err := json.Marshal(wire.SessionUpdatePayload{Op: "replace", Session: s})
	require.NoError(t, err)
	assert.Error(t, r.ApplyUpdate(bad, "10.0.0.2"))
}

func TestReplicaDumpRoundTrip(t *testing.T) {
	src := NewSessionTable()
	src.Add(types.NewSession("s-1", "198.51.100.7"))
	src.Add(types.NewSession("s-2", "198.51.100.9"))

	dump, err := NewReplica(src).ExportDump()
	require.NoError(t, err)
	raw, err := json.Marshal(dump)
	require.NoError(t, err)

	dst := NewSessionTable()
	existing := types.NewSession("s-1", "198.51.100.7")
	existing.Username = "test"
	dst.Add(existing)

	require.NoError(t, NewReplica(dst).ImportDump(raw, "10.0.0.2"))
	assert.Equal(t, 2, dst.Count())
	// the pre-existing session keeps its pointer identity
	assert.Same(t, existing, dst.Get("s-1"))
	assert.NotNil(t, dst.Get("s-2"))
}

func TestHandleDataReadyUnknownSession(t *testing.T) {
	n := newTestRouter(t)

	msg := wire.New(wire.DataReady, "10.0.0.3", "127.0.0.1", wire.SessionRefPayload{SessionID: "ghost"})
	reply := n.handleDataReady(msg)

	require.NotNil(t, reply)
	var result wire.SuccessPayload
	require.NoError(t, reply.Decode(&result))
	assert.False(t, result.Success)
}
