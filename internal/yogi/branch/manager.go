package branch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"yogi-branch/internal/yogi/advertise"
	"yogi-branch/internal/yogi/branchinfo"
	"yogi-branch/internal/yogi/transport"
	"yogi-branch/internal/yogi/yerr"
)

// Event is a bitmask of branch lifecycle events a caller can await.
type Event int

const (
	NoEvent Event = 0
	// BranchDiscoveredEvent fires the moment an advertising datagram
	// identifies a not-yet-known peer, before any TCP connection exists.
	BranchDiscoveredEvent Event = 1 << (iota - 1)
	// BranchQueriedEvent fires once branch info has been exchanged with a
	// peer for the first time.
	BranchQueriedEvent
	// ConnectFinishedEvent fires when a connection attempt concludes,
	// successfully or not.
	ConnectFinishedEvent
	// ConnectionLostEvent fires when a previously running session ends.
	ConnectionLostEvent
)

// AllEvents observes every event type.
const AllEvents = BranchDiscoveredEvent | BranchQueriedEvent | ConnectFinishedEvent | ConnectionLostEvent

// EventHandler receives a branch lifecycle event. jsonPayload is the
// event-specific JSON document (always includes "uuid").
type EventHandler func(err error, event Event, evRes error, id uuid.UUID, jsonPayload string)

// SessionChangedHandler is invoked whenever a session starts (err == nil)
// or ends (err carries the termination reason).
type SessionChangedHandler func(err error, conn *Connection)

// Manager composes the advertising sender/receiver, the TCP acceptor, and
// the connection bookkeeping: the live connections map, blacklisted
// uuids, and in-flight pending connects, mirroring ConnectionManager.
type Manager struct {
	passwordHash []byte
	advEndpoint  *net.UDPAddr
	ifaces       []net.Interface
	listener     *net.TCPListener
	log          *logrus.Entry

	onSessionChanged SessionChangedHandler
	onBroadcast      BroadcastHandler
	counters         transport.ByteCounter

	oidCounter int64

	info        *branchinfo.LocalBranchInfo
	advSender   *advertise.Sender
	advReceiver *advertise.Receiver

	mu              sync.Mutex
	connections     map[uuid.UUID]*Connection
	blacklisted     map[uuid.UUID]struct{}
	pendingConnects map[uuid.UUID]struct{}

	eventMu        sync.Mutex
	observedEvents Event
	eventHandler   EventHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager binds the TCP acceptor (protocol family matching the
// advertising endpoint, SO_REUSEADDR semantics handled by the OS default
// for an ephemeral bind) but does not yet start accepting or advertising;
// call Start once the caller has built a LocalBranchInfo using
// TCPServerEndpoint().
func NewManager(password string, advEndpoint *net.UDPAddr, ifaces []net.Interface, onSessionChanged SessionChangedHandler, onBroadcast BroadcastHandler, log *logrus.Entry) (*Manager, error) {
	if advEndpoint.Port == 0 {
		return nil, yerr.Err(yerr.Unknown, "advertising endpoint must have a non-zero port")
	}

	network := "tcp6"
	if advEndpoint.IP.To4() != nil {
		network = "tcp4"
	}

	ln, err := net.Listen(network, ":0")
	if err != nil {
		return nil, yerr.Err(yerr.ListenSocketFailed, err.Error())
	}
	tcpListener, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, yerr.Err(yerr.ListenSocketFailed, "unexpected listener implementation")
	}

	sum := sha256.Sum256([]byte(password))
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		passwordHash:     sum[:],
		advEndpoint:      advEndpoint,
		ifaces:           ifaces,
		listener:         tcpListener,
		log:              log,
		onSessionChanged: onSessionChanged,
		onBroadcast:      onBroadcast,
		connections:      make(map[uuid.UUID]*Connection),
		blacklisted:      make(map[uuid.UUID]struct{}),
		pendingConnects:  make(map[uuid.UUID]struct{}),
		ctx:              ctx,
		cancel:           cancel,
	}, nil
}

// SetBroadcastHandler installs the handler invoked for every Broadcast
// frame received on any running session. It must be called before Start.
func (m *Manager) SetBroadcastHandler(h BroadcastHandler) {
	m.onBroadcast = h
}

// SetCounters installs a ByteCounter observing the traffic of every
// connection this manager accepts or dials. It must be called before Start.
func (m *Manager) SetCounters(c transport.ByteCounter) {
	m.counters = c
}

// nextOID hands out the next operation id for SendBroadcastAsync.
func (m *Manager) nextOID() int64 {
	return atomic.AddInt64(&m.oidCounter, 1)
}

// runningSessions snapshots every connection with a started session.
func (m *Manager) runningSessions() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		if c.SessionStarted() {
			out = append(out, c)
		}
	}
	return out
}

// TCPServerEndpoint returns the bound acceptor address, needed to build
// the LocalBranchInfo passed to Start.
func (m *Manager) TCPServerEndpoint() *net.TCPAddr {
	return m.listener.Addr().(*net.TCPAddr)
}

// Start begins advertising, joins the multicast group, and starts
// accepting incoming connections.
func (m *Manager) Start(info *branchinfo.LocalBranchInfo) error {
	m.info = info

	m.advSender = advertise.NewSender(info.AdvertisingMessage(), m.advEndpoint, m.ifaces, info.AdvertisingInterval, m.log)
	if info.AdvertisingInterval != branchinfo.NoAdvertising {
		m.advSender.Start()
	}

	rx, err := advertise.NewReceiver(info.UUID, m.advEndpoint, m.ifaces, m.onAdvertisementReceived, m.log)
	if err != nil {
		return yerr.Err(yerr.OpenSocketFailed, err.Error())
	}
	m.advReceiver = rx
	m.advReceiver.Start()

	m.wg.Add(1)
	go m.acceptLoop()

	if m.log != nil {
		m.log.WithField("tcp_server_port", m.TCPServerEndpoint().Port).Debug("started connection manager")
	}
	return nil
}

// Close tears down advertising, the acceptor, and every live session.
func (m *Manager) Close() error {
	m.cancel()
	m.listener.Close()
	if m.advSender != nil {
		m.advSender.Stop()
	}
	if m.advReceiver != nil {
		m.advReceiver.Stop()
	}
	m.wg.Wait()

	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.connections = make(map[uuid.UUID]*Connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	m.CancelAwaitEvent()
	return nil
}

// ConnectedBranchView is the user-facing view of a running session: the
// peer's BranchInfo plus the canonical "connected_since" timestamp (see
// the discussion on the trailing-underscore variant in the original
// source's JSON boundary).
type ConnectedBranchView struct {
	branchinfo.View
	ConnectedSince string `json:"connected_since"`
}

// ConnectedBranches snapshots every peer with a running session.
func (m *Manager) ConnectedBranches() map[uuid.UUID]ConnectedBranchView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]ConnectedBranchView, len(m.connections))
	for id, conn := range m.connections {
		if conn.SessionStarted() {
			out[id] = ConnectedBranchView{
				View:           conn.RemoteBranchInfo().ToView(),
				ConnectedSince: conn.ConnectedSince().Format(time.RFC3339Nano),
			}
		}
	}
	return out
}

// AwaitEvent installs handler as the single pending event handler,
// canceling whatever handler was previously installed.
func (m *Manager) AwaitEvent(events Event, handler EventHandler) {
	m.eventMu.Lock()
	old := m.eventHandler
	m.observedEvents = events
	m.eventHandler = handler
	m.eventMu.Unlock()

	if old != nil {
		go old(yerr.Err(yerr.Canceled, "superseded by new AwaitEvent call"), NoEvent, nil, uuid.Nil, "")
	}
}

// CancelAwaitEvent completes any pending AwaitEvent with Canceled.
func (m *Manager) CancelAwaitEvent() {
	m.AwaitEvent(NoEvent, nil)
}

func (m *Manager) withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	if m.info.Timeout == branchinfo.NoTimeout {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, m.info.Timeout)
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		tt, err := transport.Accept(m.ctx, m.listener, m.log)
		if err != nil {
			if m.log != nil && m.ctx.Err() == nil {
				m.log.WithError(err).Error("accepting incoming TCP connections failed; no more connections will be accepted")
			}
			return
		}

		if m.counters != nil {
			tt.SetCounters(m.counters)
		}
		conn := NewConnection(tt, m.info, true, m.log)
		go m.startExchangeBranchInfo(conn, uuid.Nil)
	}
}

func (m *Manager) onAdvertisementReceived(id uuid.UUID, ep net.TCPAddr) {
	m.mu.Lock()
	_, connected := m.connections[id]
	_, blacklisted := m.blacklisted[id]
	_, pending := m.pendingConnects[id]
	if connected || blacklisted || pending {
		m.mu.Unlock()
		return
	}
	m.pendingConnects[id] = struct{}{}
	m.mu.Unlock()

	m.emitEvent(BranchDiscoveredEvent, nil, id, map[string]interface{}{
		"uuid":               id.String(),
		"tcp_server_address": ep.IP.String(),
		"tcp_server_port":    ep.Port,
	})

	go m.connectAndExchange(id, ep)
}

func (m *Manager) connectAndExchange(id uuid.UUID, ep net.TCPAddr) {
	defer func() {
		m.mu.Lock()
		delete(m.pendingConnects, id)
		m.mu.Unlock()
	}()

	ctx, cancel := m.withTimeout(m.ctx)
	defer cancel()

	tt, err := transport.Connect(ctx, ep.String(), m.log)
	if err != nil {
		m.emitEvent(BranchQueriedEvent, err, id, nil)
		return
	}

	if m.counters != nil {
		tt.SetCounters(m.counters)
	}
	conn := NewConnection(tt, m.info, false, m.log)
	m.startExchangeBranchInfo(conn, id)
}

func (m *Manager) startExchangeBranchInfo(conn *Connection, advUUID uuid.UUID) {
	ctx, cancel := m.withTimeout(m.ctx)
	defer cancel()
	err := conn.ExchangeBranchInfo(ctx)
	m.onExchangeBranchInfoFinished(err, conn, advUUID)
}

func (m *Manager) onExchangeBranchInfoFinished(err error, conn *Connection, advUUID uuid.UUID) {
	if err != nil {
		if m.log != nil {
			m.log.WithError(err).WithField("source", sourceLabel(conn)).Warn("exchanging branch info failed")
		}
		conn.Close()
		return
	}

	remote := conn.RemoteBranchInfo()
	remoteUUID := remote.UUID

	if !conn.SourceIsTCPServer() && advUUID != uuid.Nil && remoteUUID != advUUID {
		if m.log != nil {
			m.log.WithFields(logrus.Fields{"remote_uuid": remoteUUID, "adv_uuid": advUUID}).
				Warn("dropping connection: branch info uuid does not match advertised uuid")
		}
		conn.Close()
		return
	}

	m.mu.Lock()
	if _, blacklisted := m.blacklisted[remoteUUID]; blacklisted {
		m.mu.Unlock()
		conn.Close()
		return
	}

	existing, alreadyExists := m.connections[remoteUUID]
	if alreadyExists && !m.hasHigherPriority(conn, remoteUUID) {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.connections[remoteUUID] = conn
	m.mu.Unlock()

	if alreadyExists {
		existing.Close()
	} else {
		m.emitEvent(BranchQueriedEvent, nil, remoteUUID, remote.ToView())

		if chkErr := m.checkRemoteBranchInfo(remote); chkErr != nil {
			m.mu.Lock()
			if m.connections[remoteUUID] == conn {
				delete(m.connections, remoteUUID)
			}
			m.mu.Unlock()
			m.emitEvent(ConnectFinishedEvent, chkErr, remoteUUID, nil)
			conn.Close()
			return
		}
	}

	if m.info.GhostMode {
		m.mu.Lock()
		m.blacklisted[remoteUUID] = struct{}{}
		delete(m.connections, remoteUUID)
		m.mu.Unlock()
		conn.Close()
		return
	}

	m.startAuthenticate(conn)
}

// hasHigherPriority applies the tie-break rule: the connection whose
// remote uuid is less than the local uuid survives on the TCP-server
// side; otherwise the TCP-client side survives.
func (m *Manager) hasHigherPriority(conn *Connection, remoteUUID uuid.UUID) bool {
	return uuidLess(remoteUUID, m.info.UUID) == conn.SourceIsTCPServer()
}

func uuidLess(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func (m *Manager) checkRemoteBranchInfo(remote *branchinfo.RemoteBranchInfo) error {
	if remote.NetworkName != m.info.NetworkName {
		m.blacklist(remote.UUID)
		return yerr.Err(yerr.NetNameMismatch, "network name mismatch")
	}
	if remote.Name == m.info.Name {
		m.blacklist(remote.UUID)
		return yerr.Err(yerr.DuplicateBranchName, "duplicate branch name")
	}
	if remote.Path == m.info.Path {
		m.blacklist(remote.UUID)
		return yerr.Err(yerr.DuplicateBranchPath, "duplicate branch path")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.connections {
		if id == remote.UUID {
			continue
		}
		otherInfo := other.RemoteBranchInfo()
		if otherInfo == nil {
			continue
		}
		if otherInfo.Name == remote.Name {
			return yerr.Err(yerr.DuplicateBranchName, "duplicate branch name")
		}
		if otherInfo.Path == remote.Path {
			return yerr.Err(yerr.DuplicateBranchPath, "duplicate branch path")
		}
	}
	return nil
}

func (m *Manager) blacklist(id uuid.UUID) {
	m.mu.Lock()
	m.blacklisted[id] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) startAuthenticate(conn *Connection) {
	go func() {
		ctx, cancel := m.withTimeout(m.ctx)
		defer cancel()
		err := conn.Authenticate(ctx, m.passwordHash)
		m.onAuthenticateFinished(err, conn)
	}()
}

func (m *Manager) onAuthenticateFinished(err error, conn *Connection) {
	remoteUUID := conn.RemoteBranchInfo().UUID

	if err != nil {
		if yerr.Is(err, yerr.PasswordMismatch) {
			m.blacklist(remoteUUID)
		}
		m.mu.Lock()
		if m.connections[remoteUUID] == conn {
			delete(m.connections, remoteUUID)
		}
		m.mu.Unlock()
		m.emitEvent(ConnectFinishedEvent, err, remoteUUID, nil)
		conn.Close()
		return
	}

	if m.log != nil {
		m.log.WithField("remote_uuid", remoteUUID).Debug("authenticated with peer")
	}
	m.startSession(conn)
}

func (m *Manager) startSession(conn *Connection) {
	conn.RunSession(m.dispatchBroadcast, m.onSessionTerminated)

	remoteUUID := conn.RemoteBranchInfo().UUID
	m.emitEvent(ConnectFinishedEvent, nil, remoteUUID, nil)

	if m.onSessionChanged != nil {
		m.onSessionChanged(nil, conn)
	}
}

func (m *Manager) dispatchBroadcast(conn *Connection, payload []byte) {
	if m.onBroadcast != nil {
		m.onBroadcast(conn, payload)
	}
}

func (m *Manager) onSessionTerminated(conn *Connection, err error) {
	remoteUUID := conn.RemoteBranchInfo().UUID
	m.emitEvent(ConnectionLostEvent, err, remoteUUID, nil)

	m.mu.Lock()
	// A priority-rule replacement may already have installed a newer
	// connection for this uuid; only remove our own mapping.
	if m.connections[remoteUUID] == conn {
		delete(m.connections, remoteUUID)
	}
	m.mu.Unlock()

	if m.onSessionChanged != nil {
		m.onSessionChanged(err, conn)
	}
}

func (m *Manager) emitEvent(event Event, evRes error, id uuid.UUID, payload interface{}) {
	m.logEvent(event, evRes, id)

	m.eventMu.Lock()
	if m.eventHandler == nil || m.observedEvents&event == 0 {
		m.eventMu.Unlock()
		return
	}
	handler := m.eventHandler
	m.eventHandler = nil
	m.eventMu.Unlock()

	jsonPayload, err := marshalEventPayload(id, payload)
	if err != nil {
		jsonPayload = `{"uuid":"` + id.String() + `"}`
	}
	go handler(nil, event, evRes, id, jsonPayload)
}

func marshalEventPayload(id uuid.UUID, payload interface{}) (string, error) {
	if payload == nil {
		payload = map[string]string{"uuid": id.String()}
	}
	b, err := json.Marshal(payload)
	return string(b), err
}

func (m *Manager) logEvent(event Event, evRes error, id uuid.UUID) {
	if m.log == nil {
		return
	}
	fields := logrus.Fields{"uuid": id}
	if evRes != nil {
		fields["result"] = evRes.Error()
	}
	switch event {
	case BranchDiscoveredEvent:
		m.log.WithFields(fields).Debug("event: branch discovered")
	case BranchQueriedEvent:
		m.log.WithFields(fields).Info("event: branch queried")
	case ConnectFinishedEvent:
		m.log.WithFields(fields).Info("event: connect finished")
	case ConnectionLostEvent:
		m.log.WithFields(fields).Warn("event: connection lost")
	}
}

func sourceLabel(conn *Connection) string {
	if conn.SourceIsTCPServer() {
		return "server"
	}
	return "client"
}
