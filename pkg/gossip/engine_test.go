package gossip

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dftp-io/dftp/pkg/log"
	"github.com/dftp-io/dftp/pkg/transport"
	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type fakeReplica struct {
	updates []string
	imports []string // peer IPs
	dump    map[string]string
}

func (r *fakeReplica) ApplyUpdate(update json.RawMessage, peerIP string) error {
	r.updates = append(r.updates, string(update))
	return nil
}

func (r *fakeReplica) ExportDump() (any, error) {
	return r.dump, nil
}

func (r *fakeReplica) ImportDump(dump json.RawMessage, peerIP string) error {
	r.imports = append(r.imports, peerIP)
	return nil
}

func newTestEngine(name string, peersOf PeerFunc) (*Engine, *fakeReplica) {
	replica := &fakeReplica{dump: map[string]string{"owner": name}}
	node := transport.NewNode(name, "127.0.0.1", 0)
	return New(node, replica, peersOf, time.Minute), replica
}

func TestHandleUpdateAppliesDelta(t *testing.T) {
	engine, replica := newTestEngine("node-a", func() []types.NodeRef { return nil })

	msg := wire.New(wire.GossipUpdate, "10.0.0.2", "127.0.0.1",
		wire.UserUpdatePayload{Op: wire.OpAdd, User: types.UserRecord{Username: "alice"}})
	reply := engine.handleUpdate(msg)

	assert.Nil(t, reply)
	require.Len(t, replica.updates, 1)
	assert.Contains(t, replica.updates[0], "alice")
}

func TestHandleMergeStateExchangesDumps(t *testing.T) {
	engine, replica := newTestEngine("node-a", func() []types.NodeRef { return nil })

	msg := wire.New(wire.MergeState, "10.0.0.2", "127.0.0.1", map[string]string{"owner": "node-b"})
	reply := engine.handleMergeState(msg)

	require.NotNil(t, reply)
	assert.Equal(t, wire.MergeStateAck, reply.Header.Type)
	assert.True(t, reply.OK())

	// the sender's dump was imported, attributed to its address
	require.Len(t, replica.imports, 1)
	assert.Equal(t, "10.0.0.2", replica.imports[0])

	// the reply carries our own dump back
	var dump map[string]string
	require.NoError(t, reply.Decode(&dump))
	assert.Equal(t, "node-a", dump["owner"])
}

func TestHandleSendStateImportsWithoutReply(t *testing.T) {
	engine, replica := newTestEngine("node-a", func() []types.NodeRef { return nil })

	msg := wire.New(wire.SendState, "10.0.0.3", "127.0.0.1", map[string]string{"owner": "node-c"})
	assert.Nil(t, engine.handleSendState(msg))
	require.Len(t, replica.imports, 1)
	assert.Equal(t, "10.0.0.3", replica.imports[0])
}

func TestRefreshTracksPeerMembership(t *testing.T) {
	peers := []types.NodeRef{
		{Name: "node-b", IP: "10.0.0.2"},
		{Name: "node-c", IP: "10.0.0.3"},
	}
	// "node-z" is never the coordinator, so refresh must not reach out
	engine, _ := newTestEngine("node-z", func() []types.NodeRef { return peers })

	engine.refresh()
	assert.Equal(t, map[string]string{"node-b": "10.0.0.2", "node-c": "10.0.0.3"}, engine.Peers())

	// node-c disappears, node-d joins
	peers = []types.NodeRef{
		{Name: "node-b", IP: "10.0.0.2"},
		{Name: "node-d", IP: "10.0.0.4"},
	}
	engine.refresh()
	assert.Equal(t, map[string]string{"node-b": "10.0.0.2", "node-d": "10.0.0.4"}, engine.Peers())
}

func TestRefreshExcludesSelf(t *testing.T) {
	engine, _ := newTestEngine("node-z", func() []types.NodeRef {
		return []types.NodeRef{
			{Name: "node-z", IP: "127.0.0.1"},
			{Name: "node-y", IP: "10.0.0.9"},
		}
	})

	engine.refresh()
	assert.Equal(t, map[string]string{"node-y": "10.0.0.9"}, engine.Peers())
}
