package branch

import (
	"sync"
	"sync/atomic"

	"yogi-branch/internal/yogi/wire"
	"yogi-branch/internal/yogi/yerr"
)

// SendBroadcastHandler completes a SendBroadcastAsync call.
type SendBroadcastHandler func(err error, oid int64)

// ReceiveBroadcastHandler completes a ReceiveBroadcast call with the
// number of bytes written into the caller's buffer.
type ReceiveBroadcastHandler func(err error, n int)

type pendingRef struct {
	conn     *Connection
	localOID int64
}

// BroadcastManager fans outgoing broadcasts across every running session
// on a Manager, with retry (queue on busy sessions, complete once all have
// drained) and best-effort (skip busy sessions, never queue) semantics,
// plus a single-slot incoming receive.
type BroadcastManager struct {
	mgr *Manager

	txMu         sync.Mutex
	txActiveOIDs map[int64]struct{}
	txRefs       map[int64][]pendingRef

	rxMu      sync.Mutex
	rxEnc     wire.Encoding
	rxBuf     []byte
	rxHandler ReceiveBroadcastHandler
}

// NewBroadcastManager creates a BroadcastManager bound to mgr and installs
// itself as mgr's broadcast handler. Call before mgr.Start.
func NewBroadcastManager(mgr *Manager) *BroadcastManager {
	bm := &BroadcastManager{
		mgr:          mgr,
		txActiveOIDs: make(map[int64]struct{}),
		txRefs:       make(map[int64][]pendingRef),
	}
	mgr.SetBroadcastHandler(bm.onBroadcastReceived)
	return bm
}

// SendBroadcastAsync encodes data (validating it before any bytes leave the
// process) and fans it out across every running session.
//
// With retry, a session whose TX ring is momentarily full gets the message
// queued via SendAsync; the returned oid stays cancelable via
// CancelSendBroadcast until every queued send has drained, at which point
// handler completes once with success (or Canceled if the oid was
// canceled first). Without retry, a session that can't accept the message
// immediately is simply skipped and handler completes with TxQueueFull.
func (bm *BroadcastManager) SendBroadcastAsync(enc wire.Encoding, data []byte, retry bool, handler SendBroadcastHandler) (int64, error) {
	frame, err := wire.EncodeBroadcast(enc, data)
	if err != nil {
		return 0, err
	}

	oid := bm.mgr.nextOID()
	conns := bm.mgr.runningSessions()

	if retry {
		bm.sendWithRetry(oid, frame, conns, handler)
		return oid, nil
	}

	allSent := true
	for _, conn := range conns {
		if !conn.TrySendBroadcast(frame) {
			allSent = false
		}
	}
	if allSent {
		go handler(nil, oid)
	} else {
		go handler(yerr.Err(yerr.TxQueueFull, "one or more sessions could not accept the broadcast immediately"), oid)
	}
	return oid, nil
}

func (bm *BroadcastManager) sendWithRetry(oid int64, frame []byte, conns []*Connection, handler SendBroadcastHandler) {
	var needAsync []*Connection
	for _, conn := range conns {
		if !conn.TrySendBroadcast(frame) {
			needAsync = append(needAsync, conn)
		}
	}

	if len(needAsync) == 0 {
		go handler(nil, oid)
		return
	}

	bm.txMu.Lock()
	bm.txActiveOIDs[oid] = struct{}{}
	bm.txMu.Unlock()

	remaining := int32(len(needAsync))
	refs := make([]pendingRef, 0, len(needAsync))
	for _, conn := range needAsync {
		localOID := conn.SendBroadcastAsync(frame, func(error) {
			if atomic.AddInt32(&remaining, -1) == 0 {
				bm.finishRetry(oid, handler)
			}
		})
		refs = append(refs, pendingRef{conn: conn, localOID: localOID})
	}

	bm.txMu.Lock()
	bm.txRefs[oid] = refs
	bm.txMu.Unlock()
}

func (bm *BroadcastManager) finishRetry(oid int64, handler SendBroadcastHandler) {
	if bm.removeActiveOID(oid) {
		go handler(nil, oid)
	} else {
		go handler(yerr.Err(yerr.Canceled, "broadcast canceled"), oid)
	}
}

func (bm *BroadcastManager) removeActiveOID(oid int64) bool {
	bm.txMu.Lock()
	defer bm.txMu.Unlock()
	if _, ok := bm.txActiveOIDs[oid]; !ok {
		return false
	}
	delete(bm.txActiveOIDs, oid)
	delete(bm.txRefs, oid)
	return true
}

// CancelSendBroadcast cancels every still-queued per-session send
// belonging to a retry-mode oid, reporting whether any were found.
func (bm *BroadcastManager) CancelSendBroadcast(oid int64) bool {
	bm.txMu.Lock()
	if _, ok := bm.txActiveOIDs[oid]; !ok {
		bm.txMu.Unlock()
		return false
	}
	delete(bm.txActiveOIDs, oid)
	refs := bm.txRefs[oid]
	delete(bm.txRefs, oid)
	bm.txMu.Unlock()

	canceled := false
	for _, ref := range refs {
		if ref.conn.CancelSendBroadcast(ref.localOID) {
			canceled = true
		}
	}
	return canceled
}

// ReceiveBroadcast installs the single in-flight receive slot, canceling
// whatever receive was previously outstanding.
func (bm *BroadcastManager) ReceiveBroadcast(enc wire.Encoding, buf []byte, handler ReceiveBroadcastHandler) {
	bm.rxMu.Lock()
	old := bm.rxHandler
	bm.rxEnc = enc
	bm.rxBuf = buf
	bm.rxHandler = handler
	bm.rxMu.Unlock()

	if old != nil {
		go old(yerr.Err(yerr.Canceled, "superseded by new ReceiveBroadcast call"), 0)
	}
}

// CancelReceiveBroadcast completes an outstanding ReceiveBroadcast with
// Canceled, reporting whether one was outstanding.
func (bm *BroadcastManager) CancelReceiveBroadcast() bool {
	bm.rxMu.Lock()
	if bm.rxHandler == nil {
		bm.rxMu.Unlock()
		return false
	}
	handler := bm.rxHandler
	bm.rxHandler = nil
	bm.rxBuf = nil
	bm.rxMu.Unlock()

	go handler(yerr.Err(yerr.Canceled, "receive canceled"), 0)
	return true
}

func (bm *BroadcastManager) onBroadcastReceived(conn *Connection, payload []byte) {
	bm.rxMu.Lock()
	if bm.rxHandler == nil {
		bm.rxMu.Unlock()
		return
	}
	handler := bm.rxHandler
	buf := bm.rxBuf
	enc := bm.rxEnc
	bm.rxHandler = nil
	bm.rxBuf = nil
	bm.rxMu.Unlock()

	decoded, err := wire.DecodeBroadcastPayload(enc, payload)
	if err != nil {
		go handler(err, 0)
		return
	}
	if len(decoded) > len(buf) {
		go handler(yerr.Err(yerr.BufferTooSmall, "broadcast payload exceeds receive buffer"), 0)
		return
	}

	n := copy(buf, decoded)
	go handler(nil, n)
}
