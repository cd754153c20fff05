package storage

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dftp-io/dftp/pkg/metrics"
	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

// Passive data connections. OPEN_PASV hands the client an ephemeral
// port; the listener waits under its session id until the transfer
// command consumes it.

func (n *Node) handleOpenPasv(msg *wire.Message) *wire.Message {
	var p wire.SessionRefPayload
	if err := msg.Decode(&p); err != nil || p.SessionID == "" {
		return wire.NewErrorReply(msg, wire.DataOpenPasvAck, n.node.IP, "open pasv requires a session id")
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(n.node.IP, "0"))
	if err != nil {
		return wire.NewErrorReply(msg, wire.DataOpenPasvAck, n.node.IP, "failed to open data port")
	}
	port := listener.Addr().(*net.TCPAddr).Port

	n.pasvMu.Lock()
	if old := n.pasv[p.SessionID]; old != nil {
		old.Close()
	}
	n.pasv[p.SessionID] = listener
	n.pasvMu.Unlock()

	n.logger.Debug().Str("session_id", p.SessionID).Int("port", port).Msg("passive port opened")
	return wire.NewReply(msg, wire.DataOpenPasvAck, n.node.IP, wire.StatusOK,
		wire.PasvEndpointPayload{IP: n.node.IP, Port: port})
}

func (n *Node) consumePasv(sessionID string) (net.Listener, bool) {
	n.pasvMu.Lock()
	defer n.pasvMu.Unlock()
	listener, ok := n.pasv[sessionID]
	if ok {
		delete(n.pasv, sessionID)
	}
	return listener, ok
}

func acceptWithTimeout(l net.Listener, timeout time.Duration) (net.Conn, error) {
	if tcp, ok := l.(*net.TCPListener); ok {
		tcp.SetDeadline(time.Now().Add(timeout))
	}
	return l.Accept()
}

// idleConnReader bumps the read deadline before every read so a stalled
// sender times out without capping the total transfer time.
type idleConnReader struct {
	conn net.Conn
}

func (r idleConnReader) Read(b []byte) (int, error) {
	r.conn.SetReadDeadline(time.Now().Add(streamIdleTimeout))
	return r.conn.Read(b)
}

// idleConnWriter is the sending counterpart.
type idleConnWriter struct {
	conn net.Conn
}

func (w idleConnWriter) Write(b []byte) (int, error) {
	w.conn.SetWriteDeadline(time.Now().Add(streamIdleTimeout))
	return w.conn.Write(b)
}

// notifyDataReady tells the requester the data connection is about to
// be served. LIST waits for the relay ack so the client has seen the
// preliminary reply before bytes arrive; file transfers fire and forget.
func (n *Node) notifyDataReady(requesterIP, sessionID string, await bool) error {
	msg := wire.New(wire.DataReady, n.node.IP, requesterIP, wire.SessionRefPayload{SessionID: sessionID})
	if !await {
		return n.node.Notify(requesterIP, msg, fanOutTimeout)
	}
	reply, err := n.node.Request(requesterIP, msg, dataReadyAckTimeout)
	if err != nil {
		return fmt.Errorf("failed to announce data transfer: %w", err)
	}
	var p wire.SuccessPayload
	if err := reply.Decode(&p); err != nil || !p.Success {
		return fmt.Errorf("client not ready for data transfer")
	}
	return nil
}

func (n *Node) handleList(msg *wire.Message) *wire.Message {
	var p wire.ListPayload
	if err := msg.Decode(&p); err != nil || p.User == "" || p.SessionID == "" {
		return wire.NewErrorReply(msg, wire.DataListAck, n.node.IP, "invalid list request")
	}

	var lines []string
	var err error
	if p.Detailed {
		lines, err = n.fs.ListDetailed(p.User, p.CWD, p.Path)
	} else {
		lines, err = n.fs.List(p.User, p.CWD, p.Path)
	}
	if err != nil {
		return wire.NewErrorReply(msg, wire.DataListAck, n.node.IP, errorText(err))
	}

	listener, ok := n.consumePasv(p.SessionID)
	if !ok {
		return wire.NewErrorReply(msg, wire.DataListAck, n.node.IP, "no data connection for session")
	}
	defer listener.Close()

	if err := n.notifyDataReady(msg.Header.Src, p.SessionID, true); err != nil {
		return wire.NewErrorReply(msg, wire.DataListAck, n.node.IP, err.Error())
	}

	conn, err := acceptWithTimeout(listener, pasvAcceptTimeout)
	if err != nil {
		return wire.NewErrorReply(msg, wire.DataListAck, n.node.IP, "client never connected")
	}
	defer conn.Close()

	payload := ""
	if len(lines) > 0 {
		payload = strings.Join(lines, "\r\n") + "\r\n"
	}
	writer := idleConnWriter{conn}
	if _, err := writer.Write([]byte(payload)); err != nil {
		return wire.NewErrorReply(msg, wire.DataListAck, n.node.IP, "failed to send listing")
	}
	return wire.NewReply(msg, wire.DataListAck, n.node.IP, wire.StatusOK, nil)
}

func (n *Node) handleRetr(msg *wire.Message) *wire.Message {
	var p wire.RetrPayload
	if err := msg.Decode(&p); err != nil || p.User == "" || p.Path == "" || p.SessionID == "" {
		return wire.NewErrorReply(msg, wire.DataRetrFileAck, n.node.IP, "invalid retrieve request")
	}

	ns := Namespaced(p.User, NormalizeVirtual(p.CWD, p.Path))

	// check before consuming the listener so a miss on this node leaves
	// the data connection usable for the next node tried
	if !n.fs.FileExists(ns) {
		return wire.NewErrorReply(msg, wire.DataRetrFileAck, n.node.IP,
			fmt.Sprintf("File not found: %s", p.Path))
	}

	listener, ok := n.consumePasv(p.SessionID)
	if !ok {
		return wire.NewErrorReply(msg, wire.DataRetrFileAck, n.node.IP, "no data connection for session")
	}
	defer listener.Close()

	if err := n.notifyDataReady(msg.Header.Src, p.SessionID, false); err != nil {
		n.logger.Debug().Err(err).Msg("data ready notification not delivered")
	}

	conn, err := acceptWithTimeout(listener, pasvAcceptTimeout)
	if err != nil {
		return wire.NewErrorReply(msg, wire.DataRetrFileAck, n.node.IP, "client never connected")
	}
	defer conn.Close()

	file, _, err := n.fs.Open(ns)
	if err != nil {
		return wire.NewErrorReply(msg, wire.DataRetrFileAck, n.node.IP, errorText(err))
	}
	defer file.Close()

	timer := metrics.NewTimer()
	sent, err := io.CopyBuffer(idleConnWriter{conn}, file, make([]byte, chunkSize(p.ChunkSize)))
	if err != nil {
		return wire.NewErrorReply(msg, wire.DataRetrFileAck, n.node.IP, "transfer failed")
	}
	metrics.BytesTransferred.WithLabelValues("out").Add(float64(sent))
	timer.ObserveDurationVec(metrics.TransferDuration, "out")

	n.logger.Info().Str("file", ns).Int64("bytes", sent).Msg("file sent")
	return wire.NewReply(msg, wire.DataRetrFileAck, n.node.IP, wire.StatusOK, wire.PathResultPayload{Path: p.Path})
}

func (n *Node) handleStore(msg *wire.Message) *wire.Message {
	var p wire.StorePayload
	if err := msg.Decode(&p); err != nil || p.User == "" || p.Path == "" || p.SessionID == "" {
		return wire.NewErrorReply(msg, wire.DataStoreAck, n.node.IP, "invalid store request")
	}

	listener, ok := n.consumePasv(p.SessionID)
	if !ok {
		return wire.NewErrorReply(msg, wire.DataStoreAck, n.node.IP, "no data connection for session")
	}
	defer listener.Close()

	if err := n.notifyDataReady(msg.Header.Src, p.SessionID, false); err != nil {
		n.logger.Debug().Err(err).Msg("data ready notification not delivered")
	}

	conn, err := acceptWithTimeout(listener, pasvAcceptTimeout)
	if err != nil {
		return wire.NewErrorReply(msg, wire.DataStoreAck, n.node.IP, "client never connected")
	}
	defer conn.Close()

	ns := Namespaced(p.User, NormalizeVirtual(p.CWD, p.Path))
	timer := metrics.NewTimer()
	received, err := n.fs.WriteStream(ns, idleConnReader{conn})
	if err != nil {
		return wire.NewErrorReply(msg, wire.DataStoreAck, n.node.IP, "failed to store file")
	}
	metrics.BytesTransferred.WithLabelValues("in").Add(float64(received))
	timer.ObserveDurationVec(metrics.TransferDuration, "in")

	md := types.FileMetadata{
		Filename:   ns,
		Version:    p.Version,
		TransferID: p.TransferID,
		Timestamp:  time.Now().Unix(),
	}
	if err := n.meta.Upsert(md); err != nil {
		return wire.NewErrorReply(msg, wire.DataStoreAck, n.node.IP, "failed to record metadata")
	}
	n.logger.Info().Str("file", ns).Int64("bytes", received).Int("version", p.Version).Msg("file stored")

	acks := n.replicate(p, md)
	need := n.replicationK
	if len(p.ReplicateTo) < need {
		need = len(p.ReplicateTo)
	}
	status := wire.StatusOK
	if acks < need {
		status = wire.StatusPartial
	}
	return wire.NewReply(msg, wire.DataStoreAck, n.node.IP, status, wire.StoreResultPayload{AcksReceived: acks})
}

// replicate pushes the file to every replica in parallel and waits
// until the write quorum is met or the global deadline passes. The
// remaining pushes keep running in the background either way.
func (n *Node) replicate(p wire.StorePayload, md types.FileMetadata) int {
	if len(p.ReplicateTo) == 0 {
		return 0
	}
	need := n.replicationK
	if len(p.ReplicateTo) < need {
		need = len(p.ReplicateTo)
	}

	var acks atomic.Int32
	ackCh := make(chan struct{}, len(p.ReplicateTo))
	for _, ip := range p.ReplicateTo {
		go func(ip string) {
			if n.pushReplica(ip, p, md) {
				acks.Add(1)
				ackCh <- struct{}{}
			}
		}(ip)
	}

	deadline := time.After(storeWaitTimeout)
	for received := 0; received < need; {
		select {
		case <-ackCh:
			received++
		case <-deadline:
			return int(acks.Load())
		}
	}
	return int(acks.Load())
}

func (n *Node) pushReplica(ip string, p wire.StorePayload, md types.FileMetadata) bool {
	for attempt := 1; attempt <= replicateRetries; attempt++ {
		timeout := 30*time.Second + 5*time.Second*time.Duration(attempt)
		msg := wire.New(wire.DataReplicateFile, n.node.IP, ip, wire.ReplicateFilePayload{
			Filename:  p.Path,
			Metadata:  md,
			User:      p.User,
			CWD:       p.CWD,
			ChunkSize: p.ChunkSize,
		})
		reply, err := n.node.Request(ip, msg, timeout)
		if err == nil && reply.OK() {
			metrics.ReplicationAcks.Inc()
			return true
		}
		n.logger.Warn().Err(err).Str("replica", ip).Int("attempt", attempt).Msg("replica push failed")
		time.Sleep(replicateRetryDelay)
	}
	metrics.ReplicationFailures.Inc()
	return false
}

// handleReplicateFile is the replica side of a quorum write: open an
// ephemeral port, tell the primary where to connect, receive the bytes,
// then acknowledge. The ack is what the primary counts toward K.
func (n *Node) handleReplicateFile(msg *wire.Message) *wire.Message {
	var p wire.ReplicateFilePayload
	if err := msg.Decode(&p); err != nil || p.User == "" || p.Filename == "" {
		return wire.NewErrorReply(msg, wire.DataReplicateFileAck, n.node.IP, "invalid replicate request")
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(n.node.IP, "0"))
	if err != nil {
		return wire.NewErrorReply(msg, wire.DataReplicateFileAck, n.node.IP, "failed to open data port")
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	ready := wire.New(wire.DataReplicateReady, n.node.IP, msg.Header.Src, wire.ReplicateReadyPayload{
		IP:       n.node.IP,
		Port:     port,
		Filename: p.Filename,
		User:     p.User,
		CWD:      p.CWD,
	})
	if err := n.node.Notify(msg.Header.Src, ready, fanOutTimeout); err != nil {
		return wire.NewErrorReply(msg, wire.DataReplicateFileAck, n.node.IP, "failed to reach primary")
	}

	conn, err := acceptWithTimeout(listener, pasvAcceptTimeout)
	if err != nil {
		return wire.NewErrorReply(msg, wire.DataReplicateFileAck, n.node.IP, "primary never connected")
	}
	defer conn.Close()

	ns := Namespaced(p.User, NormalizeVirtual(p.CWD, p.Filename))
	received, err := n.fs.WriteStream(ns, idleConnReader{conn})
	if err != nil {
		return wire.NewErrorReply(msg, wire.DataReplicateFileAck, n.node.IP, "failed to store replica")
	}
	metrics.BytesTransferred.WithLabelValues("in").Add(float64(received))

	if err := n.meta.Upsert(p.Metadata); err != nil {
		return wire.NewErrorReply(msg, wire.DataReplicateFileAck, n.node.IP, "failed to record metadata")
	}
	n.logger.Info().Str("file", ns).Int64("bytes", received).Msg("replica stored")
	return wire.NewReply(msg, wire.DataReplicateFileAck, n.node.IP, wire.StatusOK, nil)
}

// handleReplicateReady is the primary side: a replica opened its port,
// connect and push the file.
func (n *Node) handleReplicateReady(msg *wire.Message) *wire.Message {
	var p wire.ReplicateReadyPayload
	if err := msg.Decode(&p); err != nil || p.IP == "" || p.Port == 0 {
		return nil
	}

	ns := Namespaced(p.User, NormalizeVirtual(p.CWD, p.Filename))
	file, _, err := n.fs.Open(ns)
	if err != nil {
		n.logger.Error().Err(err).Str("file", ns).Msg("replica push source missing")
		return nil
	}
	defer file.Close()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(p.IP, strconv.Itoa(p.Port)), 30*time.Second)
	if err != nil {
		n.logger.Warn().Err(err).Str("replica", p.IP).Msg("failed to connect for replica push")
		return nil
	}
	defer conn.Close()

	sent, err := io.CopyBuffer(idleConnWriter{conn}, file, make([]byte, DefaultChunkSize))
	if err != nil {
		n.logger.Warn().Err(err).Str("replica", p.IP).Msg("replica push failed")
		return nil
	}
	metrics.BytesTransferred.WithLabelValues("out").Add(float64(sent))
	n.logger.Debug().Str("file", ns).Str("replica", p.IP).Int64("bytes", sent).Msg("replica pushed")
	return nil
}

// Lazy file sync: after a metadata merge references a file this node
// does not hold, it asks the peer that announced it to serve the bytes.

func (n *Node) handleSyncFileRequest(msg *wire.Message) *wire.Message {
	var p wire.SyncFileRequestPayload
	if err := msg.Decode(&p); err != nil || p.Filename == "" {
		return wire.NewReply(msg, wire.DataSyncFileReady, n.node.IP, wire.StatusOK,
			wire.SyncFileReadyPayload{Filename: p.Filename, Status: wire.SyncError})
	}
	if !n.fs.FileExists(p.Filename) {
		return wire.NewReply(msg, wire.DataSyncFileReady, n.node.IP, wire.StatusOK,
			wire.SyncFileReadyPayload{Filename: p.Filename, Status: wire.SyncNotFound})
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(n.node.IP, "0"))
	if err != nil {
		return wire.NewReply(msg, wire.DataSyncFileReady, n.node.IP, wire.StatusOK,
			wire.SyncFileReadyPayload{Filename: p.Filename, Status: wire.SyncError})
	}
	port := listener.Addr().(*net.TCPAddr).Port

	go n.serveSyncFile(listener, p.Filename)
	return wire.NewReply(msg, wire.DataSyncFileReady, n.node.IP, wire.StatusOK,
		wire.SyncFileReadyPayload{Filename: p.Filename, PasvPort: port, Status: wire.SyncReady})
}

func (n *Node) serveSyncFile(listener net.Listener, filename string) {
	defer listener.Close()

	conn, err := acceptWithTimeout(listener, pasvAcceptTimeout)
	if err != nil {
		n.logger.Warn().Err(err).Str("file", filename).Msg("sync peer never connected")
		return
	}
	defer conn.Close()

	file, _, err := n.fs.Open(filename)
	if err != nil {
		n.logger.Error().Err(err).Str("file", filename).Msg("sync source disappeared")
		return
	}
	defer file.Close()

	sent, err := io.CopyBuffer(idleConnWriter{conn}, file, make([]byte, DefaultChunkSize))
	if err != nil {
		n.logger.Warn().Err(err).Str("file", filename).Msg("sync transfer failed")
		return
	}
	metrics.BytesTransferred.WithLabelValues("out").Add(float64(sent))
	n.logger.Info().Str("file", filename).Int64("bytes", sent).Msg("file served for sync")
}

// syncFile fetches a namespaced filename from the peer that announced
// its metadata. Runs in the background after merges.
func (n *Node) syncFile(filename, peerIP string) {
	msg := wire.New(wire.DataSyncFileRequest, n.node.IP, peerIP, wire.SyncFileRequestPayload{Filename: filename})
	reply, err := n.node.Request(peerIP, msg, syncRequestTimeout)
	if err != nil {
		n.logger.Warn().Err(err).Str("file", filename).Str("peer", peerIP).Msg("sync request failed")
		return
	}
	var p wire.SyncFileReadyPayload
	if err := reply.Decode(&p); err != nil || p.Status != wire.SyncReady {
		n.logger.Warn().Str("file", filename).Str("peer", peerIP).Str("status", p.Status).Msg("peer cannot serve file")
		return
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(peerIP, strconv.Itoa(p.PasvPort)), 30*time.Second)
	if err != nil {
		n.logger.Warn().Err(err).Str("file", filename).Str("peer", peerIP).Msg("failed to connect for sync")
		return
	}
	defer conn.Close()

	received, err := n.fs.WriteStream(filename, idleConnReader{conn})
	if err != nil {
		n.logger.Warn().Err(err).Str("file", filename).Msg("sync download failed")
		return
	}
	metrics.BytesTransferred.WithLabelValues("in").Add(float64(received))
	n.logger.Info().Str("file", filename).Str("peer", peerIP).Int64("bytes", received).Msg("file synced")
}

func chunkSize(requested int) int {
	if requested > 0 {
		return requested
	}
	return DefaultChunkSize
}
