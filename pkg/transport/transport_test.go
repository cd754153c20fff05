package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dftp-io/dftp/pkg/log"
	"github.com/dftp-io/dftp/pkg/wire"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func startTestServer(t *testing.T) (*Server, int) {
	t.Helper()
	srv := NewServer("127.0.0.1", 0)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, srv.Addr().(*net.TCPAddr).Port
}

func TestRequestResponse(t *testing.T) {
	srv, port := startTestServer(t)

	srv.Handle(wire.AuthValidateUser, func(msg *wire.Message) *wire.Message {
		var p wire.AuthUserPayload
		require.NoError(t, msg.Decode(&p))
		return wire.NewReply(msg, wire.AuthValidateUserAck, "127.0.0.1", wire.StatusOK,
			wire.AuthResultPayload{Result: p.Username == "alice"})
	})

	client := NewClient()
	req := wire.New(wire.AuthValidateUser, "127.0.0.1", "127.0.0.1", wire.AuthUserPayload{Username: "alice"})
	reply, err := client.Request("127.0.0.1", port, req, time.Second)
	require.NoError(t, err)

	assert.Equal(t, wire.AuthValidateUserAck, reply.Header.Type)
	assert.True(t, reply.OK())

	var result wire.AuthResultPayload
	require.NoError(t, reply.Decode(&result))
	assert.True(t, result.Result)
}

func TestNotifyDoesNotWaitForReply(t *testing.T) {
	srv, port := startTestServer(t)

	received := make(chan string, 1)
	srv.Handle(wire.GossipUpdate, func(msg *wire.Message) *wire.Message {
		received <- msg.Header.Src
		return nil
	})

	client := NewClient()
	msg := wire.New(wire.GossipUpdate, "10.0.0.7", "127.0.0.1", nil)
	require.NoError(t, client.Notify("127.0.0.1", port, msg, time.Second))

	select {
	case src := <-received:
		assert.Equal(t, "10.0.0.7", src)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the notification")
	}
}

func TestUnhandledTypeClosesQuietly(t *testing.T) {
	_, port := startTestServer(t)

	client := NewClient()
	req := wire.New(wire.DataMkd, "127.0.0.1", "127.0.0.1", nil)
	_, err := client.Request("127.0.0.1", port, req, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestNodeDialsConfiguredPort(t *testing.T) {
	responder := NewNode("node-b", "127.0.0.1", 0)
	responder.Handle(wire.DiscoveryQueryAll, func(msg *wire.Message) *wire.Message {
		return wire.NewReply(msg, wire.DiscoveryQueryAllAck, "127.0.0.1", wire.StatusOK, nil)
	})
	notified := make(chan struct{}, 1)
	responder.Handle(wire.GossipUpdate, func(msg *wire.Message) *wire.Message {
		notified <- struct{}{}
		return nil
	})
	require.NoError(t, responder.Start())
	t.Cleanup(responder.Stop)
	port := responder.Addr().(*net.TCPAddr).Port

	// every node in a cluster shares one control port, so outbound
	// requests go to the caller's own port, not a fixed constant
	caller := NewNode("node-a", "127.0.0.2", port)
	req := wire.New(wire.DiscoveryQueryAll, "127.0.0.2", "127.0.0.1", nil)
	reply, err := caller.Request("127.0.0.1", req, time.Second)
	require.NoError(t, err)
	assert.True(t, reply.OK())

	msg := wire.New(wire.GossipUpdate, "127.0.0.2", "127.0.0.1", nil)
	require.NoError(t, caller.Notify("127.0.0.1", msg, time.Second))
	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the notification")
	}
}

func TestRequestConnectFailure(t *testing.T) {
	client := NewClient()
	req := wire.New(wire.DataMkd, "127.0.0.1", "127.0.0.1", nil)
	// port 1 should refuse connections
	_, err := client.Request("127.0.0.1", 1, req, 200*time.Millisecond)
	assert.Error(t, err)
}
