package advertise

import (
	"context"
	"net"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"yogi-branch/internal/yogi/branchinfo"
)

// Observer is invoked for every valid, non-loopback advertising datagram
// received.
type Observer func(id uuid.UUID, tcpEndpoint net.TCPAddr)

// Receiver joins the advertising multicast group and reports observed
// branches to an Observer, silently dropping datagrams that echo the
// local branch's own uuid.
type Receiver struct {
	localUUID uuid.UUID
	conn      net.PacketConn
	observer  Observer
	log       *logrus.Entry

	done chan struct{}
}

// NewReceiver binds a UDP socket on the advertising group's port with
// SO_REUSEADDR and joins the multicast group on every given interface (nil
// ifaces joins on the system default).
func NewReceiver(localUUID uuid.UUID, group *net.UDPAddr, ifaces []net.Interface, observer Observer, log *logrus.Entry) (*Receiver, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	network := udpNetworkFor(group)
	conn, err := lc.ListenPacket(context.Background(), network, portOnly(group))
	if err != nil {
		return nil, err
	}

	if err := joinGroup(conn, group, ifaces); err != nil {
		conn.Close()
		return nil, err
	}

	return &Receiver{
		localUUID: localUUID,
		conn:      conn,
		observer:  observer,
		log:       log,
		done:      make(chan struct{}),
	}, nil
}

func portOnly(addr *net.UDPAddr) string {
	return (&net.UDPAddr{Port: addr.Port}).String()
}

func joinGroup(conn net.PacketConn, group *net.UDPAddr, ifaces []net.Interface) error {
	if group.IP.To4() != nil {
		pc := ipv4.NewPacketConn(conn)
		if len(ifaces) == 0 {
			return pc.JoinGroup(nil, group)
		}
		for i := range ifaces {
			if err := pc.JoinGroup(&ifaces[i], group); err != nil {
				return err
			}
		}
		return nil
	}

	pc := ipv6.NewPacketConn(conn)
	if len(ifaces) == 0 {
		return pc.JoinGroup(nil, group)
	}
	for i := range ifaces {
		if err := pc.JoinGroup(&ifaces[i], group); err != nil {
			return err
		}
	}
	return nil
}

// Start begins the receive loop in a background goroutine.
func (r *Receiver) Start() {
	go r.run()
}

// Stop closes the underlying socket, unblocking and ending the receive
// loop.
func (r *Receiver) Stop() {
	r.conn.Close()
	<-r.done
}

func (r *Receiver) run() {
	defer close(r.done)
	buf := make([]byte, 256)
	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if n != branchinfo.AdvertisingMessageSize {
			if r.log != nil {
				r.log.WithField("size", n).Warn("dropping malformed advertising datagram")
			}
			continue
		}

		id, port, err := branchinfo.ParseAdvertisingMessage(buf[:n])
		if err != nil {
			if r.log != nil {
				r.log.WithError(err).Warn("dropping invalid advertising datagram")
			}
			continue
		}
		if id == r.localUUID {
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		r.observer(id, net.TCPAddr{IP: udpAddr.IP, Port: int(port)})
	}
}
