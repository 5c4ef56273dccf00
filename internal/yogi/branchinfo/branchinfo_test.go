package branchinfo

import (
	"net"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Name:                "branch-a",
		Description:         "a test branch",
		NetworkName:         "test-net",
		Path:                "/test/a",
		Timeout:             3 * time.Second,
		AdvertisingAddress:  net.ParseIP("239.255.0.1"),
		AdvertisingPort:     13531,
		AdvertisingInterval: time.Second,
		TxQueueSize:         4096,
		RxQueueSize:         4096,
	}
}

func TestAdvertisingMessageIsExactly25Bytes(t *testing.T) {
	local, err := CreateLocal(testConfig(), net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 12345})
	if err != nil {
		t.Fatalf("CreateLocal: %v", err)
	}
	if len(local.AdvertisingMessage()) != AdvertisingMessageSize {
		t.Fatalf("expected %d bytes, got %d", AdvertisingMessageSize, len(local.AdvertisingMessage()))
	}
}

func TestRemoteBranchInfoRoundTrip(t *testing.T) {
	local, err := CreateLocal(testConfig(), net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 12345})
	if err != nil {
		t.Fatalf("CreateLocal: %v", err)
	}

	observedAddr := net.ParseIP("10.0.0.5")
	remote, err := CreateFromInfoMessage(local.InfoMessage(), observedAddr)
	if err != nil {
		t.Fatalf("CreateFromInfoMessage: %v", err)
	}

	if remote.UUID != local.UUID {
		t.Fatalf("uuid mismatch: %v != %v", remote.UUID, local.UUID)
	}
	if remote.Name != local.Name || remote.Description != local.Description ||
		remote.NetworkName != local.NetworkName || remote.Path != local.Path ||
		remote.Hostname != local.Hostname || remote.PID != local.PID {
		t.Fatalf("field mismatch: %+v vs %+v", remote.BranchInfo, local.BranchInfo)
	}
	if remote.Timeout != local.Timeout || remote.AdvertisingInterval != local.AdvertisingInterval {
		t.Fatalf("duration mismatch: timeout %v/%v adv %v/%v", remote.Timeout, local.Timeout, remote.AdvertisingInterval, local.AdvertisingInterval)
	}
	if remote.GhostMode != local.GhostMode {
		t.Fatal("ghost mode mismatch")
	}
	if !remote.TCPServerEndpoint.IP.Equal(observedAddr) {
		t.Fatalf("expected tcp endpoint address to be the observed address, got %v", remote.TCPServerEndpoint.IP)
	}
	if remote.TCPServerEndpoint.Port != local.TCPServerEndpoint.Port {
		t.Fatalf("port mismatch: %d != %d", remote.TCPServerEndpoint.Port, local.TCPServerEndpoint.Port)
	}
}

func TestRemoteBranchInfoRoundTripWithNoTimeoutSentinel(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = NoTimeout
	cfg.AdvertisingInterval = NoAdvertising
	local, err := CreateLocal(cfg, net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})
	if err != nil {
		t.Fatalf("CreateLocal: %v", err)
	}
	remote, err := CreateFromInfoMessage(local.InfoMessage(), net.ParseIP("1.2.3.4"))
	if err != nil {
		t.Fatalf("CreateFromInfoMessage: %v", err)
	}
	if remote.Timeout != NoTimeout || remote.AdvertisingInterval != NoAdvertising {
		t.Fatalf("expected sentinels preserved, got timeout=%v adv=%v", remote.Timeout, remote.AdvertisingInterval)
	}
	view := remote.ToView()
	if view.Timeout != -1 || view.AdvertisingInterval != -1 {
		t.Fatalf("expected -1 sentinels in view, got timeout=%v adv=%v", view.Timeout, view.AdvertisingInterval)
	}
}

func TestCreateLocalRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Name = "" }},
		{"empty network", func(c *Config) { c.NetworkName = "" }},
		{"empty path", func(c *Config) { c.Path = "" }},
		{"relative path", func(c *Config) { c.Path = "no-leading-slash" }},
		{"sub-millisecond timeout", func(c *Config) { c.Timeout = 500 * time.Microsecond }},
		{"sub-millisecond advertising interval", func(c *Config) { c.AdvertisingInterval = 10 * time.Microsecond }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := testConfig()
			c.mutate(&cfg)
			if _, err := CreateLocal(cfg, net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}); err == nil {
				t.Fatal("expected CreateLocal to reject the configuration")
			}
		})
	}
}

func TestCheckMagicPrefixAndVersionRejectsBadPrefix(t *testing.T) {
	bad := make([]byte, AdvertisingMessageSize)
	copy(bad, "NOPE\x00\x01\x00")
	if err := CheckMagicPrefixAndVersion(bad); err == nil {
		t.Fatal("expected invalid-magic-prefix error")
	}
}

func TestCheckMagicPrefixAndVersionRejectsBadVersion(t *testing.T) {
	local, err := CreateLocal(testConfig(), net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})
	if err != nil {
		t.Fatalf("CreateLocal: %v", err)
	}
	adv := append([]byte(nil), local.AdvertisingMessage()...)
	adv[5] = 0xFF
	if err := CheckMagicPrefixAndVersion(adv); err == nil {
		t.Fatal("expected incompatible-version error")
	}
}

func TestToViewUsesCanonicalConnectedSinceKeyElsewhere(t *testing.T) {
	// connected_since is added by the branch connection layer, not BranchInfo
	// itself; this test only pins the BranchInfo view's own field set.
	local, _ := CreateLocal(testConfig(), net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})
	view := local.ToView()
	if view.UUID != local.UUID.String() {
		t.Fatal("uuid view mismatch")
	}
}
