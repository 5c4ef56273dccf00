// Package transport implements the abstract, timed, bidirectional byte
// stream that MessageTransport frames messages onto, and its TCP
// realization.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"yogi-branch/internal/yogi/yerr"
)

// Transport is a scoped byte stream: every send/receive carries its own
// timeout via the supplied context, and the transport closes itself
// (idempotently) on the first timeout or I/O error.
type Transport interface {
	// SendSome writes at least one and at most len(buf) bytes.
	SendSome(ctx context.Context, buf []byte) (int, error)
	// SendAll writes every byte in buf, looping SendSome until done.
	SendAll(ctx context.Context, buf []byte) error
	// ReceiveSome reads at least one and at most len(buf) bytes.
	ReceiveSome(ctx context.Context, buf []byte) (int, error)
	// ReceiveAll fills buf completely, looping ReceiveSome until done.
	ReceiveAll(ctx context.Context, buf []byte) error
	// Close shuts the transport down. Safe to call more than once.
	Close() error
}

// ByteCounter observes the raw byte volume moved through a Transport, e.g.
// for exposing traffic counters on a metrics endpoint.
type ByteCounter interface {
	AddBytesSent(n int)
	AddBytesReceived(n int)
}

// base provides the SendAll/ReceiveAll loop and idempotent-close bookkeeping
// shared by every Transport implementation.
type base struct {
	closeOnce sync.Once
	closer    func() error
}

func newBase(closer func() error) base {
	return base{closer: closer}
}

func (b *base) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.closer()
	})
	return err
}

// sendAllWith loops a SendSome-shaped function until buf is fully written
// or an error occurs; closing the transport on error is left to sendSome.
func sendAllWith(ctx context.Context, buf []byte, sendSome func(context.Context, []byte) (int, error)) error {
	for len(buf) > 0 {
		n, err := sendSome(ctx, buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func receiveAllWith(ctx context.Context, buf []byte, receiveSome func(context.Context, []byte) (int, error)) error {
	for len(buf) > 0 {
		n, err := receiveSome(ctx, buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// translateIOError maps a generic I/O error to the closed error-code set.
// io.EOF is always reported as RWSocketFailed; for any other error ctx.Err()
// is checked next so a caller-driven cancellation/timeout is reported as
// Canceled/Timeout rather than a raw socket failure.
func translateIOError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return yerr.Err(yerr.RWSocketFailed, "connection closed")
	}
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
		return yerr.Err(yerr.Timeout, err.Error())
	} else if errors.Is(ctxErr, context.Canceled) {
		return yerr.Err(yerr.Canceled, err.Error())
	}
	return yerr.Err(yerr.RWSocketFailed, err.Error())
}
