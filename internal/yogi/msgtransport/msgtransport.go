// Package msgtransport frames variable-length messages over a
// transport.Transport, using a TX ring and an RX ring plus a FIFO of
// pending send operations keyed by an operation id.
package msgtransport

import (
	"container/list"
	"context"
	"sync"

	"yogi-branch/internal/yogi/ringbuffer"
	"yogi-branch/internal/yogi/transport"
	"yogi-branch/internal/yogi/wire"
	"yogi-branch/internal/yogi/yerr"
)

// SendHandler is invoked exactly once when a send operation completes.
type SendHandler func(error)

// ReceiveHandler is invoked exactly once when a receive operation
// completes, with the number of bytes written into the caller's buffer.
type ReceiveHandler func(error, int)

const ioChunkSize = 4096

type pendingSend struct {
	oid     int64
	frame   []byte
	written int // bytes of frame already streamed into the TX ring
	handler SendHandler
}

// MessageTransport frames messages over an underlying transport.Transport.
type MessageTransport struct {
	t transport.Transport

	mu     sync.Mutex
	txCond *sync.Cond
	rxCond *sync.Cond

	txRing *ringbuffer.RingBuffer
	rxRing *ringbuffer.RingBuffer

	pending *list.List
	nextOID int64

	recvBuf     []byte
	recvHandler ReceiveHandler
	recvPending bool

	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a MessageTransport over t with the given TX/RX ring
// capacities, and starts its background drain/fill loops.
func New(t transport.Transport, txQueueSize, rxQueueSize int) *MessageTransport {
	ctx, cancel := context.WithCancel(context.Background())
	mt := &MessageTransport{
		t:       t,
		txRing:  ringbuffer.New(txQueueSize),
		rxRing:  ringbuffer.New(rxQueueSize),
		pending: list.New(),
		ctx:     ctx,
		cancel:  cancel,
	}
	mt.txCond = sync.NewCond(&mt.mu)
	mt.rxCond = sync.NewCond(&mt.mu)
	mt.wg.Add(2)
	go mt.txLoop()
	go mt.rxLoop()
	return mt
}

// CanSendImmediately reports whether msgSize bytes, plus the worst-case
// 5-byte size prefix, currently fit in the TX ring with no pending queued
// sends ahead of it.
func (mt *MessageTransport) CanSendImmediately(msgSize int) bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.canSendImmediatelyLocked(msgSize)
}

func (mt *MessageTransport) canSendImmediatelyLocked(msgSize int) bool {
	if mt.closed || mt.pending.Len() > 0 {
		return false
	}
	return msgSize+wire.MaxSizeFieldLen <= mt.txRing.AvailableForWrite()
}

// TrySend writes msg's framed form into the TX ring if it fits and nothing
// is already queued ahead of it; it never blocks.
func (mt *MessageTransport) TrySend(msg []byte) bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if !mt.canSendImmediatelyLocked(len(msg)) {
		return false
	}
	mt.writeFrameLocked(msg)
	return true
}

func (mt *MessageTransport) writeFrameLocked(msg []byte) {
	sizeField := wire.SerializeSize(uint32(len(msg)))
	mt.txRing.Write(sizeField)
	mt.txRing.Write(msg)
	mt.txCond.Signal()
}

// SendAsync returns a fresh operation id. If the message can be sent
// immediately it is written into the TX ring and handler completes with
// success; otherwise the (msg, oid, handler) triple is enqueued in FIFO
// order and handler completes once it has drained.
func (mt *MessageTransport) SendAsync(msg []byte, handler SendHandler) int64 {
	mt.mu.Lock()
	mt.nextOID++
	oid := mt.nextOID

	if mt.closed {
		mt.mu.Unlock()
		go handler(yerr.Err(yerr.Canceled, "transport closed"))
		return oid
	}
	if mt.canSendImmediatelyLocked(len(msg)) {
		mt.writeFrameLocked(msg)
		mt.mu.Unlock()
		go handler(nil)
		return oid
	}

	frame := append(wire.SerializeSize(uint32(len(msg))), msg...)
	mt.pending.PushBack(&pendingSend{oid: oid, frame: frame, handler: handler})
	mt.txCond.Signal()
	mt.mu.Unlock()
	return oid
}

// CancelSend removes oid from the pending FIFO if it is still queued,
// completing its handler with Canceled, and reports whether it found it.
// An operation whose frame has already partially entered the TX ring is in
// flight and can no longer be canceled.
func (mt *MessageTransport) CancelSend(oid int64) bool {
	mt.mu.Lock()
	for e := mt.pending.Front(); e != nil; e = e.Next() {
		ps := e.Value.(*pendingSend)
		if ps.oid == oid {
			if ps.written > 0 {
				mt.mu.Unlock()
				return false
			}
			mt.pending.Remove(e)
			mt.mu.Unlock()
			go ps.handler(yerr.Err(yerr.Canceled, "send canceled"))
			return true
		}
	}
	mt.mu.Unlock()
	return false
}

// Receive completes when a full next message has been assembled into buf.
// Only one receive may be outstanding at a time.
func (mt *MessageTransport) Receive(buf []byte, handler ReceiveHandler) {
	mt.mu.Lock()
	if mt.closed {
		mt.mu.Unlock()
		go handler(yerr.Err(yerr.Canceled, "transport closed"), 0)
		return
	}
	mt.recvBuf = buf
	mt.recvHandler = handler
	mt.recvPending = true
	mt.tryAssembleLocked()
	mt.mu.Unlock()
}

// CancelReceive completes an outstanding receive with Canceled, reporting
// whether one was outstanding.
func (mt *MessageTransport) CancelReceive() bool {
	mt.mu.Lock()
	if !mt.recvPending {
		mt.mu.Unlock()
		return false
	}
	h := mt.recvHandler
	mt.recvPending = false
	mt.recvHandler = nil
	mt.recvBuf = nil
	mt.mu.Unlock()
	go h(yerr.Err(yerr.Canceled, "receive canceled"), 0)
	return true
}

// Close tears the transport down, failing every pending/outstanding
// operation with Canceled, and waits for its background loops to exit.
func (mt *MessageTransport) Close() error {
	mt.failAll(yerr.Err(yerr.Canceled, "transport closed"))
	mt.wg.Wait()
	return nil
}

// completeReceiveLocked detaches and fires the outstanding receive handler.
func (mt *MessageTransport) completeReceiveLocked(err error, n int) {
	handler := mt.recvHandler
	mt.recvPending = false
	mt.recvHandler = nil
	mt.recvBuf = nil
	go handler(err, n)
}

func (mt *MessageTransport) tryAssembleLocked() {
	if !mt.recvPending {
		return
	}
	var peek [wire.MaxSizeFieldLen]byte
	n := mt.rxRing.Peek(peek[:])
	msgSize, consumed, ok := wire.DeserializeSize(peek[:n])
	if !ok {
		if n >= wire.MaxSizeFieldLen {
			mt.completeReceiveLocked(yerr.Err(yerr.DeserializeMsgFailed, "malformed message size field"), 0)
		}
		return
	}
	total := consumed + int(msgSize)
	if total > mt.rxRing.Capacity() {
		// Can never be assembled: the ring will fill before the full
		// message has arrived.
		mt.completeReceiveLocked(yerr.Err(yerr.PayloadTooLarge, "message exceeds receive queue capacity"), 0)
		return
	}
	if mt.rxRing.AvailableForRead() < total {
		return
	}

	handler := mt.recvHandler
	buf := mt.recvBuf
	mt.recvPending = false
	mt.recvHandler = nil
	mt.recvBuf = nil

	discard := make([]byte, consumed)
	mt.rxRing.Read(discard)

	if int(msgSize) > len(buf) {
		skip := make([]byte, msgSize)
		mt.rxRing.Read(skip)
		mt.rxCond.Signal()
		go handler(yerr.Err(yerr.BufferTooSmall, "message exceeds receive buffer"), 0)
		return
	}

	got := mt.rxRing.Read(buf[:msgSize])
	mt.rxCond.Signal()
	go handler(nil, got)
}

// drainPendingLocked streams queued frames into whatever TX ring space is
// free. A frame larger than the free space (or even the whole ring) is
// moved in pieces across successive ring-fill cycles; its handler completes
// only once the last byte has entered the ring.
func (mt *MessageTransport) drainPendingLocked() {
	for {
		e := mt.pending.Front()
		if e == nil {
			return
		}
		ps := e.Value.(*pendingSend)
		ps.written += mt.txRing.Write(ps.frame[ps.written:])
		if ps.written < len(ps.frame) {
			return
		}
		mt.pending.Remove(e)
		go ps.handler(nil)
	}
}

func (mt *MessageTransport) txLoop() {
	defer mt.wg.Done()
	buf := make([]byte, ioChunkSize)
	for {
		mt.mu.Lock()
		for mt.txRing.Empty() && mt.pending.Len() == 0 && !mt.closed {
			mt.txCond.Wait()
		}
		if mt.closed {
			mt.mu.Unlock()
			return
		}
		// Queued frames join a non-empty ring only after its current
		// contents have been written out (the drain after Drop below).
		if mt.txRing.Empty() {
			mt.drainPendingLocked()
		}
		if mt.txRing.Empty() {
			mt.mu.Unlock()
			continue
		}
		n := mt.txRing.Peek(buf)
		mt.mu.Unlock()

		if err := mt.t.SendAll(mt.ctx, buf[:n]); err != nil {
			mt.failAll(err)
			return
		}

		mt.mu.Lock()
		mt.txRing.Drop(n)
		mt.drainPendingLocked()
		mt.mu.Unlock()
	}
}

func (mt *MessageTransport) rxLoop() {
	defer mt.wg.Done()
	buf := make([]byte, ioChunkSize)
	for {
		mt.mu.Lock()
		for mt.rxRing.AvailableForWrite() == 0 && !mt.closed {
			mt.rxCond.Wait()
		}
		if mt.closed {
			mt.mu.Unlock()
			return
		}
		avail := mt.rxRing.AvailableForWrite()
		mt.mu.Unlock()

		n := avail
		if n > len(buf) {
			n = len(buf)
		}
		read, err := mt.t.ReceiveSome(mt.ctx, buf[:n])
		if err != nil {
			mt.failAll(err)
			return
		}

		mt.mu.Lock()
		mt.rxRing.Write(buf[:read])
		mt.tryAssembleLocked()
		mt.mu.Unlock()
	}
}

func (mt *MessageTransport) failAll(err error) {
	mt.mu.Lock()
	if mt.closed {
		mt.mu.Unlock()
		return
	}
	mt.closed = true
	mt.cancel()
	mt.t.Close()

	for e := mt.pending.Front(); e != nil; e = e.Next() {
		ps := e.Value.(*pendingSend)
		go ps.handler(err)
	}
	mt.pending.Init()

	if mt.recvPending {
		h := mt.recvHandler
		mt.recvPending = false
		mt.recvHandler = nil
		go h(err, 0)
	}

	mt.txCond.Broadcast()
	mt.rxCond.Broadcast()
	mt.mu.Unlock()
}
