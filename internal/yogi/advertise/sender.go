// Package advertise implements the periodic UDP multicast advertising
// sender and the receiver that observes it, used by branches to discover
// each other on a LAN.
package advertise

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

type advSocket struct {
	conn net.PacketConn
	dst  net.Addr
}

// Sender periodically multicasts the local advertising message from every
// configured interface.
type Sender struct {
	message  []byte
	group    *net.UDPAddr
	interval time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	sockets []*advSocket

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSender builds a Sender for the given 25-byte advertising message,
// multicast group, set of local interfaces to send from, and cadence.
func NewSender(message []byte, group *net.UDPAddr, ifaces []net.Interface, interval time.Duration, log *logrus.Entry) *Sender {
	s := &Sender{
		message:  message,
		group:    group,
		interval: interval,
		log:      log,
		done:     make(chan struct{}),
	}
	for _, iface := range ifaces {
		sock, err := dialMulticastInterface(group, iface)
		if err != nil {
			if log != nil {
				log.WithError(err).WithField("interface", iface.Name).Warn("failed to configure advertising interface; dropping it")
			}
			continue
		}
		s.sockets = append(s.sockets, sock)
	}
	return s
}

func dialMulticastInterface(group *net.UDPAddr, iface net.Interface) (*advSocket, error) {
	conn, err := net.ListenPacket(udpNetworkFor(group), ":0")
	if err != nil {
		return nil, err
	}
	if group.IP.To4() != nil {
		pc := ipv4.NewPacketConn(conn)
		if err := pc.SetMulticastInterface(&iface); err != nil {
			conn.Close()
			return nil, err
		}
	} else {
		pc := ipv6.NewPacketConn(conn)
		if err := pc.SetMulticastInterface(&iface); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return &advSocket{conn: conn, dst: group}, nil
}

func udpNetworkFor(addr *net.UDPAddr) string {
	if addr.IP.To4() != nil {
		return "udp4"
	}
	return "udp6"
}

// Start begins the periodic advertising loop in a background goroutine.
func (s *Sender) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.started = true
	s.cancel = cancel
	go s.run(ctx)
}

// Stop halts the advertising loop (if it was started) and closes every
// interface socket.
func (s *Sender) Stop() {
	if s.started {
		s.cancel()
		<-s.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sock := range s.sockets {
		sock.conn.Close()
	}
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if !s.sendOnce() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.sendOnce() {
				return
			}
		}
	}
}

// sendOnce multicasts the advertising message on every remaining interface
// socket, pruning sockets whose send fails. It reports whether any sockets
// remain; once the set is empty an error is logged exactly once and the
// advertising loop halts.
func (s *Sender) sendOnce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sockets) > 0 {
		live := s.sockets[:0]
		for _, sock := range s.sockets {
			if _, err := sock.conn.WriteTo(s.message, sock.dst); err != nil {
				if s.log != nil {
					s.log.WithError(err).Warn("advertising send failed on interface; removing it")
				}
				sock.conn.Close()
				continue
			}
			live = append(live, sock)
		}
		s.sockets = live
	}

	if len(s.sockets) == 0 {
		if s.log != nil {
			s.log.Error("no advertising interfaces remain; advertising stopped")
		}
		return false
	}
	return true
}
