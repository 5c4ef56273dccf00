package branch

import (
	"net"
	"testing"
	"time"

	"yogi-branch/internal/yogi/yerr"
)

func testAdvGroup() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(239, 23, 10, 1), Port: nextTestPort()}
}

// TestDiscoveryAndConnect covers scenario 1: two branches on the same
// network discover each other over multicast, exchange branch info,
// authenticate, and finish with a running session visible to both sides.
func TestDiscoveryAndConnect(t *testing.T) {
	iface := loopbackIface(t)
	group := testAdvGroup()

	mgrA, infoA := newTestManager(t, "branchA", "net1", "pw", false, group, iface)
	mgrB, infoB := newTestManager(t, "branchB", "net1", "pw", false, group, iface)
	defer mgrA.Close()
	defer mgrB.Close()

	evA := subscribeEvents(mgrA, AllEvents)
	evB := subscribeEvents(mgrB, AllEvents)

	if err := mgrA.Start(infoA); err != nil {
		t.Fatalf("mgrA.Start: %v", err)
	}
	if err := mgrB.Start(infoB); err != nil {
		t.Fatalf("mgrB.Start: %v", err)
	}

	seqA := waitForEvents(t, evA, []Event{BranchDiscoveredEvent, BranchQueriedEvent, ConnectFinishedEvent}, 5*time.Second)
	seqB := waitForEvents(t, evB, []Event{BranchDiscoveredEvent, BranchQueriedEvent, ConnectFinishedEvent}, 5*time.Second)

	for i, ev := range seqA {
		if ev.evRes != nil {
			t.Fatalf("A event %d unexpected error: %v", i, ev.evRes)
		}
	}
	for i, ev := range seqB {
		if ev.evRes != nil {
			t.Fatalf("B event %d unexpected error: %v", i, ev.evRes)
		}
	}

	branchesA := mgrA.ConnectedBranches()
	if len(branchesA) != 1 {
		t.Fatalf("A's connected branches = %d, want 1", len(branchesA))
	}
	view, ok := branchesA[infoB.UUID]
	if !ok {
		t.Fatal("A's connected branches does not include B")
	}
	if view.ConnectedSince == "" {
		t.Fatal("expected a non-empty connected_since")
	}

	branchesB := mgrB.ConnectedBranches()
	if len(branchesB) != 1 {
		t.Fatalf("B's connected branches = %d, want 1", len(branchesB))
	}
	if _, ok := branchesB[infoA.UUID]; !ok {
		t.Fatal("B's connected branches does not include A")
	}
}

// TestNetNameMismatchNeverConnects covers scenario 2: branches on different
// networks discover and query each other but ConnectFinished always
// reports NetNameMismatch, and no session is ever established.
func TestNetNameMismatchNeverConnects(t *testing.T) {
	iface := loopbackIface(t)
	group := testAdvGroup()

	mgrA, infoA := newTestManager(t, "branchA", "net1", "pw", false, group, iface)
	mgrB, infoB := newTestManager(t, "branchB", "net2", "pw", false, group, iface)
	defer mgrA.Close()
	defer mgrB.Close()

	evA := subscribeEvents(mgrA, AllEvents)
	evB := subscribeEvents(mgrB, AllEvents)

	if err := mgrA.Start(infoA); err != nil {
		t.Fatalf("mgrA.Start: %v", err)
	}
	if err := mgrB.Start(infoB); err != nil {
		t.Fatalf("mgrB.Start: %v", err)
	}

	seqA := waitForEvents(t, evA, []Event{BranchDiscoveredEvent, BranchQueriedEvent, ConnectFinishedEvent}, 5*time.Second)
	seqB := waitForEvents(t, evB, []Event{BranchDiscoveredEvent, BranchQueriedEvent, ConnectFinishedEvent}, 5*time.Second)

	finishedA := seqA[2]
	if !yerr.Is(finishedA.evRes, yerr.NetNameMismatch) {
		t.Fatalf("A's ConnectFinished evRes = %v, want NetNameMismatch", finishedA.evRes)
	}
	finishedB := seqB[2]
	if !yerr.Is(finishedB.evRes, yerr.NetNameMismatch) {
		t.Fatalf("B's ConnectFinished evRes = %v, want NetNameMismatch", finishedB.evRes)
	}

	if len(mgrA.ConnectedBranches()) != 0 {
		t.Fatal("expected no connected branches on A after a net-name mismatch")
	}
	if len(mgrB.ConnectedBranches()) != 0 {
		t.Fatal("expected no connected branches on B after a net-name mismatch")
	}
}

// TestPasswordMismatchBlacklistsPeer covers scenario 3: matching network
// names but differing passwords produce a PasswordMismatch ConnectFinished
// on both sides, after which the peer is blacklisted and re-advertisements
// never trigger a second attempt.
func TestPasswordMismatchBlacklistsPeer(t *testing.T) {
	iface := loopbackIface(t)
	group := testAdvGroup()

	mgrA, infoA := newTestManager(t, "branchA", "net1", "alpha", false, group, iface)
	mgrB, infoB := newTestManager(t, "branchB", "net1", "beta", false, group, iface)
	defer mgrA.Close()
	defer mgrB.Close()

	evA := subscribeEvents(mgrA, AllEvents)
	evB := subscribeEvents(mgrB, AllEvents)

	if err := mgrA.Start(infoA); err != nil {
		t.Fatalf("mgrA.Start: %v", err)
	}
	if err := mgrB.Start(infoB); err != nil {
		t.Fatalf("mgrB.Start: %v", err)
	}

	seqA := waitForEvents(t, evA, []Event{BranchDiscoveredEvent, BranchQueriedEvent, ConnectFinishedEvent}, 5*time.Second)
	seqB := waitForEvents(t, evB, []Event{BranchDiscoveredEvent, BranchQueriedEvent, ConnectFinishedEvent}, 5*time.Second)

	if !yerr.Is(seqA[2].evRes, yerr.PasswordMismatch) {
		t.Fatalf("A's ConnectFinished evRes = %v, want PasswordMismatch", seqA[2].evRes)
	}
	if !yerr.Is(seqB[2].evRes, yerr.PasswordMismatch) {
		t.Fatalf("B's ConnectFinished evRes = %v, want PasswordMismatch", seqB[2].evRes)
	}

	// Advertising keeps running every 30ms; blacklisting must suppress any
	// further connect attempt, so no further event should arrive.
	assertNoEventWithin(t, evA, 300*time.Millisecond)
	assertNoEventWithin(t, evB, 300*time.Millisecond)

	if len(mgrA.ConnectedBranches()) != 0 || len(mgrB.ConnectedBranches()) != 0 {
		t.Fatal("expected no connected branches after a password mismatch")
	}
}

// TestGhostModeNeverEmitsConnectFinished covers scenario 4: a ghost-mode
// branch discovers and queries a peer but blacklists it and tears the
// connection down before ever authenticating or emitting ConnectFinished.
func TestGhostModeNeverEmitsConnectFinished(t *testing.T) {
	iface := loopbackIface(t)
	group := testAdvGroup()

	mgrG, infoG := newTestManager(t, "ghost", "net1", "pw", true, group, iface)
	mgrP, infoP := newTestManager(t, "peer", "net1", "pw", false, group, iface)
	defer mgrG.Close()
	defer mgrP.Close()

	evG := subscribeEvents(mgrG, AllEvents)

	if err := mgrG.Start(infoG); err != nil {
		t.Fatalf("mgrG.Start: %v", err)
	}
	if err := mgrP.Start(infoP); err != nil {
		t.Fatalf("mgrP.Start: %v", err)
	}

	seqG := waitForEvents(t, evG, []Event{BranchDiscoveredEvent, BranchQueriedEvent}, 5*time.Second)
	if seqG[1].evRes != nil {
		t.Fatalf("G's BranchQueried evRes = %v, want nil (success)", seqG[1].evRes)
	}

	assertNoEventWithin(t, evG, 500*time.Millisecond)

	if len(mgrG.ConnectedBranches()) != 0 {
		t.Fatal("expected ghost-mode branch to never hold a connected session")
	}
	if len(mgrP.ConnectedBranches()) != 0 {
		t.Fatal("expected the peer to never hold a connected session with a ghost-mode branch either")
	}
}

// TestPriorityRuleKeepsASingleSessionPerPeer exercises the
// duplicate-resolution tie-break indirectly: after a successful connect,
// both ends must agree on exactly one surviving session (no split-brain
// where each side thinks a different connection won).
func TestPriorityRuleKeepsASingleSessionPerPeer(t *testing.T) {
	iface := loopbackIface(t)
	group := testAdvGroup()

	mgrA, infoA := newTestManager(t, "branchA", "net1", "pw", false, group, iface)
	mgrB, infoB := newTestManager(t, "branchB", "net1", "pw", false, group, iface)
	defer mgrA.Close()
	defer mgrB.Close()

	evA := subscribeEvents(mgrA, AllEvents)
	evB := subscribeEvents(mgrB, AllEvents)

	if err := mgrA.Start(infoA); err != nil {
		t.Fatalf("mgrA.Start: %v", err)
	}
	if err := mgrB.Start(infoB); err != nil {
		t.Fatalf("mgrB.Start: %v", err)
	}

	waitForEvents(t, evA, []Event{BranchDiscoveredEvent, BranchQueriedEvent, ConnectFinishedEvent}, 5*time.Second)
	waitForEvents(t, evB, []Event{BranchDiscoveredEvent, BranchQueriedEvent, ConnectFinishedEvent}, 5*time.Second)

	// No ConnectionLostEvent should follow: a correct priority resolution
	// settles on one winning connection without ever starting, then
	// tearing down, a session.
	assertNoEventWithin(t, evA, 300*time.Millisecond)
	assertNoEventWithin(t, evB, 300*time.Millisecond)

	if len(mgrA.ConnectedBranches()) != 1 || len(mgrB.ConnectedBranches()) != 1 {
		t.Fatal("expected exactly one surviving session on each side")
	}
}
