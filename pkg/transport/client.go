package transport

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/dftp-io/dftp/pkg/metrics"
	"github.com/dftp-io/dftp/pkg/wire"
)

// DefaultTimeout bounds a request when the caller passes zero.
const DefaultTimeout = 1 * time.Second

// Client sends control messages to other nodes. Each call opens a fresh
// TCP connection, which is closed when the exchange completes.
type Client struct{}

// NewClient creates a control client.
func NewClient() *Client {
	return &Client{}
}

// Request sends msg to ip:port and waits for the single reply message.
// The timeout covers connect, write and read together.
func (c *Client) Request(ip string, port int, msg *wire.Message, timeout time.Duration) (*wire.Message, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", ip, port), timeout)
	if err != nil {
		metrics.RequestFailures.WithLabelValues(msg.Header.Type).Inc()
		return nil, fmt.Errorf("failed to connect to %s:%d: %w", ip, port, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	if err := msg.Encode(conn); err != nil {
		metrics.RequestFailures.WithLabelValues(msg.Header.Type).Inc()
		return nil, err
	}

	reply, err := wire.ReadMessage(bufio.NewReader(conn))
	if err != nil {
		metrics.RequestFailures.WithLabelValues(msg.Header.Type).Inc()
		return nil, fmt.Errorf("failed to read reply from %s:%d: %w", ip, port, err)
	}
	return reply, nil
}

// Notify sends msg to ip:port without waiting for a reply.
func (c *Client) Notify(ip string, port int, msg *wire.Message, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", ip, port), timeout)
	if err != nil {
		metrics.RequestFailures.WithLabelValues(msg.Header.Type).Inc()
		return fmt.Errorf("failed to connect to %s:%d: %w", ip, port, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}
	return msg.Encode(conn)
}
