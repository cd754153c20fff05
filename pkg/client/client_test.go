package client

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dftp-io/dftp/pkg/discovery"
	"github.com/dftp-io/dftp/pkg/log"
	"github.com/dftp-io/dftp/pkg/transport"
	"github.com/dftp-io/dftp/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// newTestRegistry serves the registry handlers on an ephemeral port and
// returns a client pointed at it. Only the control server runs; the
// probe and gossip loops stay off.
func newTestRegistry(t *testing.T) (*discovery.Registry, *Client) {
	t.Helper()
	node := transport.NewNode("registry-1", "127.0.0.1", 0)
	reg, err := discovery.NewRegistry(node, discovery.RegistryOptions{
		Subnet:           "127.0.0.0/30",
		HeartbeatTimeout: time.Minute,
		CleanInterval:    time.Minute,
		GossipInterval:   time.Minute,
		ProbeTimeout:     100 * time.Millisecond,
		ProbeWorkers:     2,
	})
	require.NoError(t, err)
	require.NoError(t, node.Start())
	t.Cleanup(node.Stop)

	port := node.Addr().(*net.TCPAddr).Port
	return reg, New("127.0.0.1", WithPort(port), WithTimeout(2*time.Second))
}

func TestNodes(t *testing.T) {
	reg, c := newTestRegistry(t)

	nodes, err := c.Nodes()
	require.NoError(t, err)
	assert.Empty(t, nodes)

	mustUpsert(t, reg, "data-1", "10.0.0.5", types.RoleData)
	mustUpsert(t, reg, "auth-1", "10.0.0.6", types.RoleAuth)

	nodes, err = c.Nodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestNodesByRole(t *testing.T) {
	reg, c := newTestRegistry(t)
	mustUpsert(t, reg, "data-1", "10.0.0.5", types.RoleData)
	mustUpsert(t, reg, "data-2", "10.0.0.7", types.RoleData)
	mustUpsert(t, reg, "auth-1", "10.0.0.6", types.RoleAuth)

	refs, err := c.NodesByRole(types.RoleData)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	for _, ref := range refs {
		assert.NotEmpty(t, ref.Name)
		assert.NotEmpty(t, ref.IP)
	}

	refs, err = c.NodesByRole(types.RoleRouting)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestNodeByName(t *testing.T) {
	reg, c := newTestRegistry(t)
	mustUpsert(t, reg, "data-1", "10.0.0.5", types.RoleData)

	entry, err := c.NodeByName("data-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", entry.IP)
	assert.Equal(t, types.RoleData, entry.Role)

	_, err = c.NodeByName("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestUnreachableRegistry(t *testing.T) {
	c := New("127.0.0.1", WithPort(1), WithTimeout(200*time.Millisecond))
	_, err := c.Nodes()
	require.Error(t, err)
}

func mustUpsert(t *testing.T, reg *discovery.Registry, name, ip string, role types.Role) {
	t.Helper()
	_, _, err := reg.Table().Upsert(name, ip, role)
	require.NoError(t, err)
}
