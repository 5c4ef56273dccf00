package transport

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"

	"yogi-branch/internal/yogi/yerr"
)

// TcpTransport is a Transport implementation over a TCP socket.
type TcpTransport struct {
	base
	conn     *net.TCPConn
	log      *logrus.Entry
	counters ByteCounter
}

// SetCounters installs a ByteCounter observing this transport's traffic.
// Call before the first send/receive.
func (t *TcpTransport) SetCounters(c ByteCounter) { t.counters = c }

// Accept waits for the next incoming connection on listener, wraps it as a
// TcpTransport, and sets TCP_NODELAY (a failure to do so is logged as a
// warning, not treated as fatal, mirroring the original SetNoDelayOption
// behavior).
func Accept(ctx context.Context, listener *net.TCPListener, log *logrus.Entry) (*TcpTransport, error) {
	type result struct {
		conn *net.TCPConn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := listener.AcceptTCP()
		ch <- result{c, err}
	}()

	select {
	case <-ctx.Done():
		listener.SetDeadline(timeInPast())
		<-ch
		return nil, yerr.Err(yerr.Canceled, "accept canceled")
	case r := <-ch:
		if r.err != nil {
			return nil, yerr.Err(yerr.AcceptSocketFailed, r.err.Error())
		}
		return newTcpTransport(r.conn, log), nil
	}
}

// Connect dials endpoint, racing the dial against ctx's deadline. On
// timeout the in-flight connection attempt is abandoned and *Timeout is
// reported, matching the original source's timer-races-async_connect
// behavior.
func Connect(ctx context.Context, endpoint string, log *logrus.Entry) (*TcpTransport, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, yerr.Err(yerr.Timeout, err.Error())
		}
		return nil, yerr.Err(yerr.ConnectSocketFailed, err.Error())
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, yerr.Err(yerr.ConnectSocketFailed, "unexpected connection type")
	}
	return newTcpTransport(tcpConn, log), nil
}

func newTcpTransport(conn *net.TCPConn, log *logrus.Entry) *TcpTransport {
	if err := conn.SetNoDelay(true); err != nil && log != nil {
		log.WithError(err).Warn("failed to set TCP_NODELAY")
	}
	t := &TcpTransport{conn: conn, log: log}
	t.base = newBase(conn.Close)
	return t
}

// RemoteAddr returns the peer's network address.
func (t *TcpTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

func (t *TcpTransport) SendSome(ctx context.Context, buf []byte) (int, error) {
	if dl, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(dl)
	} else {
		t.conn.SetWriteDeadline(timeZero())
	}
	n, err := t.conn.Write(buf)
	if t.counters != nil && n > 0 {
		t.counters.AddBytesSent(n)
	}
	if err != nil {
		t.Close()
		return n, translateIOError(ctx, err)
	}
	return n, nil
}

func (t *TcpTransport) SendAll(ctx context.Context, buf []byte) error {
	return sendAllWith(ctx, buf, t.SendSome)
}

func (t *TcpTransport) ReceiveSome(ctx context.Context, buf []byte) (int, error) {
	if dl, ok := ctx.Deadline(); ok {
		t.conn.SetReadDeadline(dl)
	} else {
		t.conn.SetReadDeadline(timeZero())
	}
	n, err := t.conn.Read(buf)
	if t.counters != nil && n > 0 {
		t.counters.AddBytesReceived(n)
	}
	if err != nil {
		t.Close()
		return n, translateIOError(ctx, err)
	}
	return n, nil
}

func (t *TcpTransport) ReceiveAll(ctx context.Context, buf []byte) error {
	return receiveAllWith(ctx, buf, t.ReceiveSome)
}
