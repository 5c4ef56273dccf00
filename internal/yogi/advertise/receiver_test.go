package advertise

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestReceiverDropsLoopbackAdvertisement(t *testing.T) {
	iface := loopbackInterface(t)
	port := 19000 + int(time.Now().UnixNano()%1000)
	group := &net.UDPAddr{IP: net.IPv4(239, 10, 10, 12), Port: port}

	localID := uuid.New()
	observed := make(chan uuid.UUID, 4)
	rx, err := NewReceiver(localID, group, []net.Interface{iface}, func(id uuid.UUID, addr net.TCPAddr) {
		observed <- id
	}, nil)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	rx.Start()
	defer rx.Stop()

	sender := NewSender(buildAdvertisingMessage(localID, 1), group, []net.Interface{iface}, 20*time.Millisecond, nil)
	sender.Start()
	defer sender.Stop()

	select {
	case id := <-observed:
		t.Fatalf("expected loopback advertisement to be dropped, but observed id %s", id)
	case <-time.After(200 * time.Millisecond):
		// expected: nothing delivered
	}
}

func TestReceiverDropsMalformedDatagram(t *testing.T) {
	iface := loopbackInterface(t)
	port := 20000 + int(time.Now().UnixNano()%1000)
	group := &net.UDPAddr{IP: net.IPv4(239, 10, 10, 13), Port: port}

	observed := make(chan uuid.UUID, 4)
	rx, err := NewReceiver(uuid.New(), group, []net.Interface{iface}, func(id uuid.UUID, addr net.TCPAddr) {
		observed <- id
	}, nil)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	rx.Start()
	defer rx.Stop()

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer conn.Close()
	if _, err := conn.WriteTo([]byte("too short"), group); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	select {
	case id := <-observed:
		t.Fatalf("expected malformed datagram to be dropped, but observed id %s", id)
	case <-time.After(200 * time.Millisecond):
		// expected: nothing delivered
	}
}

func TestReceiverStopUnblocksRun(t *testing.T) {
	iface := loopbackInterface(t)
	port := 21000 + int(time.Now().UnixNano()%1000)
	group := &net.UDPAddr{IP: net.IPv4(239, 10, 10, 14), Port: port}

	rx, err := NewReceiver(uuid.New(), group, []net.Interface{iface}, func(id uuid.UUID, addr net.TCPAddr) {}, nil)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	rx.Start()

	done := make(chan struct{})
	go func() {
		rx.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return promptly")
	}
}
