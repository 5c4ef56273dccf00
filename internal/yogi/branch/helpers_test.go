package branch

import (
	"context"
	"crypto/sha256"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"yogi-branch/internal/yogi/branchinfo"
	"yogi-branch/internal/yogi/msgtransport"
	"yogi-branch/internal/yogi/transport"
)

func testPasswordHash(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return sum[:]
}

func buildLocalInfo(t *testing.T, name, path, network string, txQueue, rxQueue int) *branchinfo.LocalBranchInfo {
	t.Helper()
	cfg := branchinfo.Config{
		Name:                name,
		Description:         "test branch " + name,
		NetworkName:         network,
		Path:                path,
		Timeout:             5 * time.Second,
		AdvertisingAddress:  net.IPv4(239, 1, 1, 1),
		AdvertisingPort:     50000,
		AdvertisingInterval: branchinfo.NoAdvertising,
		GhostMode:           false,
		TxQueueSize:         txQueue,
		RxQueueSize:         rxQueue,
	}
	info, err := branchinfo.CreateLocal(cfg, net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	if err != nil {
		t.Fatalf("CreateLocal(%s): %v", name, err)
	}
	return info
}

// connectPair dials a real loopback TCP connection between serverInfo and
// clientInfo and wraps each end in a Connection, without running any of the
// handshake steps.
func connectPair(t *testing.T, serverInfo, clientInfo *branchinfo.LocalBranchInfo) (serverConn, clientConn *Connection) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	tcpLn := ln.(*net.TCPListener)
	defer tcpLn.Close()

	type acceptResult struct {
		tt  *transport.TcpTransport
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		tt, err := transport.Accept(context.Background(), tcpLn, nil)
		acceptCh <- acceptResult{tt, err}
	}()

	clientTT, err := transport.Connect(context.Background(), tcpLn.Addr().String(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	res := <-acceptCh
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}

	return NewConnection(res.tt, serverInfo, true, nil), NewConnection(clientTT, clientInfo, false, nil)
}

// runOnBoth runs fn concurrently on both ends of a pair, failing the test if
// either side errors.
func runOnBoth(t *testing.T, connServer, connClient *Connection, fn func(*Connection) error) {
	t.Helper()
	var wg sync.WaitGroup
	var errServer, errClient error
	wg.Add(2)
	go func() { defer wg.Done(); errServer = fn(connServer) }()
	go func() { defer wg.Done(); errClient = fn(connClient) }()
	wg.Wait()
	if errServer != nil {
		t.Fatalf("server side: %v", errServer)
	}
	if errClient != nil {
		t.Fatalf("client side: %v", errClient)
	}
}

// dialAndHandshake establishes a real loopback TCP connection between
// serverInfo and clientInfo, runs ExchangeBranchInfo and Authenticate on
// both ends, and starts both sessions, returning (serverConn, clientConn).
func dialAndHandshake(t *testing.T, serverInfo, clientInfo *branchinfo.LocalBranchInfo, passwordHash []byte) (serverConn, clientConn *Connection) {
	t.Helper()
	connServer, connClient := dialAndHandshakeNoSession(t, serverInfo, clientInfo, passwordHash)
	connServer.RunSession(nil, func(*Connection, error) {})
	connClient.RunSession(nil, func(*Connection, error) {})
	return connServer, connClient
}

// dialAndHandshakeNoSession is dialAndHandshake without the final
// RunSession call, letting the caller start each side's session with its
// own broadcast handler.
func dialAndHandshakeNoSession(t *testing.T, serverInfo, clientInfo *branchinfo.LocalBranchInfo, passwordHash []byte) (serverConn, clientConn *Connection) {
	t.Helper()
	connServer, connClient := connectPair(t, serverInfo, clientInfo)
	runOnBoth(t, connServer, connClient, func(c *Connection) error { return c.ExchangeBranchInfo(context.Background()) })
	runOnBoth(t, connServer, connClient, func(c *Connection) error { return c.Authenticate(context.Background(), passwordHash) })
	return connServer, connClient
}

// handshakeInfoOnly runs ExchangeBranchInfo only, leaving Authenticate to
// the caller — used by tests that need to exercise mismatched credentials.
func handshakeInfoOnly(t *testing.T, serverInfo, clientInfo *branchinfo.LocalBranchInfo) (serverConn, clientConn *Connection) {
	t.Helper()
	connServer, connClient := connectPair(t, serverInfo, clientInfo)
	runOnBoth(t, connServer, connClient, func(c *Connection) error { return c.ExchangeBranchInfo(context.Background()) })
	return connServer, connClient
}

// controllableTransport is a transport.Transport double whose sends and
// receives block until unblock is called (or the owning MessageTransport
// is closed, canceling ctx), used to hold a message in a "queued, not yet
// drained" state deterministically.
type controllableTransport struct {
	release chan struct{}
}

func newControllableTransport() *controllableTransport {
	return &controllableTransport{release: make(chan struct{})}
}

func (c *controllableTransport) unblock() { close(c.release) }

func (c *controllableTransport) SendSome(ctx context.Context, buf []byte) (int, error) {
	select {
	case <-c.release:
		return len(buf), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *controllableTransport) SendAll(ctx context.Context, buf []byte) error {
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *controllableTransport) ReceiveSome(ctx context.Context, buf []byte) (int, error) {
	select {
	case <-c.release:
		return 0, io.EOF
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *controllableTransport) ReceiveAll(ctx context.Context, buf []byte) error {
	select {
	case <-c.release:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *controllableTransport) Close() error { return nil }

func loopbackIface(t *testing.T) net.Interface {
	t.Helper()
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Fatalf("net.Interfaces: %v", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 && iface.Flags&net.FlagMulticast != 0 {
			return iface
		}
	}
	t.Skip("no multicast-capable loopback interface available")
	return net.Interface{}
}

var testPortCounter int32 = 22000

func nextTestPort() int {
	return int(atomic.AddInt32(&testPortCounter, 1))
}

// newTestManager builds a Manager and the LocalBranchInfo needed to Start
// it, wired to a shared advertising group/interface.
func newTestManager(t *testing.T, name, network, password string, ghost bool, group *net.UDPAddr, iface net.Interface) (*Manager, *branchinfo.LocalBranchInfo) {
	t.Helper()
	mgr, err := NewManager(password, group, []net.Interface{iface}, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewManager(%s): %v", name, err)
	}

	cfg := branchinfo.Config{
		Name:                name,
		Description:         "test branch " + name,
		NetworkName:         network,
		Path:                "/" + name,
		Timeout:             2 * time.Second,
		AdvertisingAddress:  group.IP,
		AdvertisingPort:     uint16(group.Port),
		AdvertisingInterval: 30 * time.Millisecond,
		GhostMode:           ghost,
		TxQueueSize:         4096,
		RxQueueSize:         4096,
	}
	info, err := branchinfo.CreateLocal(cfg, *mgr.TCPServerEndpoint())
	if err != nil {
		t.Fatalf("CreateLocal(%s): %v", name, err)
	}
	return mgr, info
}

type branchEvent struct {
	event   Event
	evRes   error
	id      uuid.UUID
	payload string
}

// subscribeEvents continuously re-registers an EventHandler on mgr so every
// event of interest lands on the returned channel in arrival order.
func subscribeEvents(mgr *Manager, events Event) <-chan branchEvent {
	ch := make(chan branchEvent, 32)
	var handler EventHandler
	var register func()
	handler = func(err error, event Event, evRes error, id uuid.UUID, jsonPayload string) {
		if err == nil {
			ch <- branchEvent{event, evRes, id, jsonPayload}
		}
		register()
	}
	register = func() { mgr.AwaitEvent(events, handler) }
	register()
	return ch
}

func waitForEvents(t *testing.T, ch <-chan branchEvent, want []Event, timeout time.Duration) []branchEvent {
	t.Helper()
	got := make([]branchEvent, 0, len(want))
	deadline := time.After(timeout)
	for len(got) < len(want) {
		select {
		case r := <-ch:
			got = append(got, r)
		case <-deadline:
			t.Fatalf("timed out waiting for %v; got so far: %+v", want, got)
		}
	}
	for i, w := range want {
		if got[i].event != w {
			t.Fatalf("event %d: want %v, got %v (full sequence: %+v)", i, w, got[i].event, got)
		}
	}
	return got
}

func assertNoEventWithin(t *testing.T, ch <-chan branchEvent, d time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("expected no further event, got %+v", ev)
	case <-time.After(d):
	}
}

// newStubSession builds a Connection with a running session directly over
// a controllableTransport, bypassing the handshake entirely. Valid only
// for exercising the send/broadcast path, not anything that reads
// remoteInfo.
func newStubSession(local *branchinfo.LocalBranchInfo) (*Connection, *controllableTransport) {
	ct := newControllableTransport()
	conn := NewConnection(ct, local, false, nil)
	conn.mt = msgtransport.New(ct, local.TxQueueSize, local.RxQueueSize)
	conn.sessionStarted = true
	return conn, ct
}
