// Package branch implements the per-peer connection state machine, the
// manager that orchestrates accept/connect and duplicate resolution, and
// the broadcast fan-out that rides on top of it.
package branch

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"yogi-branch/internal/yogi/branchinfo"
	"yogi-branch/internal/yogi/msgtransport"
	"yogi-branch/internal/yogi/transport"
	"yogi-branch/internal/yogi/wire"
	"yogi-branch/internal/yogi/yerr"
)

// maxMessagePayloadSize bounds the info message body accepted during
// handshake, before any queue or ring buffer sizing comes into play.
const maxMessagePayloadSize = 32 * 1024 * 1024

const challengeSize = 8

// BroadcastHandler is invoked on the connection's receive goroutine for
// every Broadcast message that arrives during a running session.
type BroadcastHandler func(conn *Connection, payload []byte)

// TerminatedHandler is invoked exactly once when a session ends, whether
// from an I/O error, a heartbeat failure, or a local Close.
type TerminatedHandler func(conn *Connection, err error)

// Connection is the per-peer state machine: info exchange, challenge/
// response authentication, and (once authenticated) a running session of
// heartbeats and framed message dispatch.
type Connection struct {
	t          transport.Transport
	localInfo  *branchinfo.LocalBranchInfo
	fromServer bool

	log *logrus.Entry

	connectedSince time.Time
	remoteInfo     *branchinfo.RemoteBranchInfo

	mu             sync.Mutex
	sessionStarted bool
	mt             *msgtransport.MessageTransport
	terminateOnce  sync.Once

	// pendingErr carries a deferred failure from the tail of the previous
	// phase (the acknowledgement check); the next phase surfaces it before
	// doing any further I/O.
	pendingErr error
}

// NewConnection wraps an accepted or dialed transport. fromServer is true
// when the transport originated from the local TCP acceptor (the remote
// peer dialed us), matching BranchConnection::SourceIsTcpServer.
func NewConnection(t transport.Transport, local *branchinfo.LocalBranchInfo, fromServer bool, log *logrus.Entry) *Connection {
	return &Connection{
		t:              t,
		localInfo:      local,
		fromServer:     fromServer,
		connectedSince: time.Now().UTC(),
		log:            log,
	}
}

// RemoteBranchInfo returns the peer's descriptor, valid only after
// ExchangeBranchInfo has completed successfully.
func (c *Connection) RemoteBranchInfo() *branchinfo.RemoteBranchInfo { return c.remoteInfo }

// SourceIsTCPServer reports whether this connection originated from an
// incoming accept rather than an outgoing dial.
func (c *Connection) SourceIsTCPServer() bool { return c.fromServer }

// ConnectedSince returns the moment this Connection was constructed.
func (c *Connection) ConnectedSince() time.Time { return c.connectedSince }

// SessionStarted reports whether RunSession has been called.
func (c *Connection) SessionStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionStarted
}

// RemoteAddr returns the peer's network address, when the underlying
// transport exposes one.
func (c *Connection) RemoteAddr() net.Addr {
	if tt, ok := c.t.(*transport.TcpTransport); ok {
		return tt.RemoteAddr()
	}
	return nil
}

func (c *Connection) remoteIP() net.IP {
	addr := c.RemoteAddr()
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	return nil
}

// Close tears the connection down, failing any running session.
func (c *Connection) Close() error {
	c.mu.Lock()
	mt := c.mt
	c.mu.Unlock()
	if mt != nil {
		return mt.Close()
	}
	return c.t.Close()
}

func (c *Connection) takePendingErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.pendingErr
	c.pendingErr = nil
	return err
}

func (c *Connection) setPendingErr(err error) {
	c.mu.Lock()
	c.pendingErr = err
	c.mu.Unlock()
}

// ExchangeBranchInfo sends the local info message, receives and
// deserializes the remote one, and exchanges an acknowledgement. It fails
// with LoopbackConnection if the remote uuid equals the local one. The
// result of the final ack check is deferred: the exchange itself reports
// success and the next phase surfaces the deferred error instead.
func (c *Connection) ExchangeBranchInfo(ctx context.Context) error {
	if err := c.t.SendAll(ctx, c.localInfo.InfoMessage()); err != nil {
		return err
	}

	hdr := make([]byte, branchinfo.InfoMessageHeaderSize)
	if err := c.t.ReceiveAll(ctx, hdr); err != nil {
		return err
	}

	bodyLen := uint32(hdr[25])<<24 | uint32(hdr[26])<<16 | uint32(hdr[27])<<8 | uint32(hdr[28])
	if bodyLen > maxMessagePayloadSize {
		return yerr.Err(yerr.PayloadTooLarge, "info message body too large")
	}

	body := make([]byte, bodyLen)
	if err := c.t.ReceiveAll(ctx, body); err != nil {
		return err
	}

	infoMsg := make([]byte, 0, len(hdr)+len(body))
	infoMsg = append(infoMsg, hdr...)
	infoMsg = append(infoMsg, body...)

	remote, err := branchinfo.CreateFromInfoMessage(infoMsg, c.remoteIP())
	if err != nil {
		return err
	}
	if remote.UUID == c.localInfo.UUID {
		return yerr.Err(yerr.LoopbackConnection, "connected to own advertised endpoint")
	}
	c.remoteInfo = remote

	if err := c.t.SendAll(ctx, wire.AckMessage); err != nil {
		return err
	}
	c.setPendingErr(c.receiveAck(ctx))
	return nil
}

func (c *Connection) receiveAck(ctx context.Context) error {
	ack := make([]byte, len(wire.AckMessage))
	if err := c.t.ReceiveAll(ctx, ack); err != nil {
		return err
	}
	for i := range ack {
		if ack[i] != wire.AckMessage[i] {
			return yerr.Err(yerr.DeserializeMsgFailed, "unexpected acknowledgement")
		}
	}
	return nil
}

// Authenticate runs the challenge/response handshake against the network
// password hash. It reports PasswordMismatch if the computed solutions
// diverge, after first draining the peer's own challenge/ack so the wire
// stays in sync regardless of outcome. A deferred error from the info
// exchange is surfaced here before any authentication I/O happens.
func (c *Connection) Authenticate(ctx context.Context, passwordHash []byte) error {
	if err := c.takePendingErr(); err != nil {
		return err
	}

	myChallenge := make([]byte, challengeSize)
	if _, err := rand.Read(myChallenge); err != nil {
		return yerr.Err(yerr.Unknown, "failed to generate challenge: "+err.Error())
	}
	if err := c.t.SendAll(ctx, myChallenge); err != nil {
		return err
	}

	remoteChallenge := make([]byte, challengeSize)
	if err := c.t.ReceiveAll(ctx, remoteChallenge); err != nil {
		return err
	}

	mySolution := solveChallenge(myChallenge, passwordHash)
	remoteSolution := solveChallenge(remoteChallenge, passwordHash)

	if err := c.t.SendAll(ctx, remoteSolution); err != nil {
		return err
	}

	receivedSolution := make([]byte, len(mySolution))
	if err := c.t.ReceiveAll(ctx, receivedSolution); err != nil {
		return err
	}
	solutionsMatch := subtle.ConstantTimeCompare(receivedSolution, mySolution) == 1

	if err := c.t.SendAll(ctx, wire.AckMessage); err != nil {
		return err
	}
	c.setPendingErr(c.receiveAck(ctx))

	if !solutionsMatch {
		return yerr.Err(yerr.PasswordMismatch, "challenge solutions did not match")
	}
	return nil
}

func solveChallenge(challenge, passwordHash []byte) []byte {
	h := sha256.New()
	h.Write(challenge)
	h.Write(passwordHash)
	return h.Sum(nil)
}

// RunSession wraps the raw transport in a MessageTransport, arms the
// heartbeat timer at remote.Timeout/2, and dispatches every received
// message: Broadcast frames go to onBroadcast, Heartbeat/Acknowledge
// frames are ignored. onTerminated fires exactly once, whether the
// session ends from an I/O error, a heartbeat send failure, or Close.
func (c *Connection) RunSession(onBroadcast BroadcastHandler, onTerminated TerminatedHandler) {
	c.mu.Lock()
	if c.sessionStarted {
		c.mu.Unlock()
		return
	}
	c.sessionStarted = true
	if err := c.pendingErr; err != nil {
		c.pendingErr = nil
		c.mu.Unlock()
		c.terminateOnce.Do(func() {
			c.t.Close()
			go onTerminated(c, err)
		})
		return
	}
	mt := msgtransport.New(c.t, c.localInfo.TxQueueSize, c.localInfo.RxQueueSize)
	c.mt = mt
	c.mu.Unlock()

	terminate := func(err error) {
		c.terminateOnce.Do(func() {
			mt.Close()
			onTerminated(c, err)
		})
	}

	go c.heartbeatLoop(mt, terminate)
	go c.receiveLoop(mt, onBroadcast, terminate)
}

// TrySendBroadcast attempts a non-blocking send of an already-framed
// broadcast message over this connection's running session, reporting
// false if the session has not started or the message doesn't fit
// immediately.
func (c *Connection) TrySendBroadcast(frame []byte) bool {
	c.mu.Lock()
	mt := c.mt
	c.mu.Unlock()
	if mt == nil {
		return false
	}
	return mt.TrySend(frame)
}

// SendBroadcastAsync queues an already-framed broadcast message, completing
// handler once it has drained, and returns a transport-local operation id
// usable with CancelSendBroadcast.
func (c *Connection) SendBroadcastAsync(frame []byte, handler func(error)) int64 {
	c.mu.Lock()
	mt := c.mt
	c.mu.Unlock()
	if mt == nil {
		go handler(yerr.Err(yerr.Canceled, "session not running"))
		return 0
	}
	return mt.SendAsync(frame, handler)
}

// CancelSendBroadcast cancels a previously queued broadcast send by its
// transport-local operation id.
func (c *Connection) CancelSendBroadcast(oid int64) bool {
	c.mu.Lock()
	mt := c.mt
	c.mu.Unlock()
	if mt == nil {
		return false
	}
	return mt.CancelSend(oid)
}

func (c *Connection) heartbeatLoop(mt *msgtransport.MessageTransport, terminate func(error)) {
	interval := c.remoteInfo.Timeout / 2
	if c.remoteInfo.Timeout == branchinfo.NoTimeout || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		done := make(chan error, 1)
		mt.SendAsync(wire.HeartbeatMessage, func(err error) { done <- err })
		if err := <-done; err != nil {
			terminate(err)
			return
		}
	}
}

func (c *Connection) receiveLoop(mt *msgtransport.MessageTransport, onBroadcast BroadcastHandler, terminate func(error)) {
	// No assembled message can exceed the RX ring, so the ring capacity
	// bounds the receive buffer too.
	buf := make([]byte, c.localInfo.RxQueueSize)
	for {
		done := make(chan struct {
			err error
			n   int
		}, 1)
		mt.Receive(buf, func(err error, n int) {
			done <- struct {
				err error
				n   int
			}{err, n}
		})
		res := <-done
		if res.err != nil {
			terminate(res.err)
			return
		}

		tag, body, isHeartbeat := wire.TagOf(buf[:res.n])
		if isHeartbeat || tag == wire.Acknowledge {
			continue
		}
		if tag == wire.Broadcast && onBroadcast != nil {
			payload := make([]byte, len(body))
			copy(payload, body)
			onBroadcast(c, payload)
		}
	}
}
