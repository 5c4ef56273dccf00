package main

import (
	"fmt"
	"net"
	"time"

	"yogi-branch/internal/yogi/branchinfo"
	"yogi-branch/pkg/config"
	"yogi-branch/pkg/utils"
)

// resolvedConfig holds a BranchConfig translated into the typed values the
// branch core and advertising layer need.
type resolvedConfig struct {
	raw *config.BranchConfig

	advGroup      *net.UDPAddr
	ifaces        []net.Interface
	branchCfg     branchinfo.Config
	introspection struct {
		Enabled    bool
		ListenAddr string
	}
}

// resolve validates cfg and translates its string fields (durations,
// host:port pairs, interface names) into the typed values NewManager and
// CreateLocal expect.
func resolve(cfg *config.BranchConfig) (*resolvedConfig, error) {
	if cfg.Branch.Name == "" {
		return nil, fmt.Errorf("branch.name must not be empty")
	}
	if cfg.Branch.NetworkName == "" {
		return nil, fmt.Errorf("branch.network_name must not be empty")
	}
	path := cfg.Branch.Path
	if path == "" {
		path = "/"
	}

	advGroup, err := net.ResolveUDPAddr("udp", cfg.Network.AdvertisingAddress)
	if err != nil {
		return nil, utils.Wrap(err, "resolve network.advertising_address")
	}

	advInterval := branchinfo.NoAdvertising
	if cfg.Network.AdvertisingInterval != "" {
		advInterval, err = time.ParseDuration(cfg.Network.AdvertisingInterval)
		if err != nil {
			return nil, utils.Wrap(err, "parse network.advertising_interval")
		}
	}

	timeout := branchinfo.NoTimeout
	if cfg.Network.Timeout != "" {
		timeout, err = time.ParseDuration(cfg.Network.Timeout)
		if err != nil {
			return nil, utils.Wrap(err, "parse network.timeout")
		}
	}

	ifaces, err := resolveInterfaces(cfg.Network.Interfaces)
	if err != nil {
		return nil, err
	}

	txQueue := cfg.Transport.TxQueueSize
	if txQueue <= 0 {
		txQueue = 65536
	}
	rxQueue := cfg.Transport.RxQueueSize
	if rxQueue <= 0 {
		rxQueue = 65536
	}

	rc := &resolvedConfig{
		raw:      cfg,
		advGroup: advGroup,
		ifaces:   ifaces,
		branchCfg: branchinfo.Config{
			Name:                cfg.Branch.Name,
			Description:         cfg.Branch.Description,
			NetworkName:         cfg.Branch.NetworkName,
			Path:                path,
			Timeout:             timeout,
			AdvertisingAddress:  advGroup.IP,
			AdvertisingPort:     uint16(advGroup.Port),
			AdvertisingInterval: advInterval,
			GhostMode:           cfg.Branch.GhostMode,
			TxQueueSize:         txQueue,
			RxQueueSize:         rxQueue,
		},
	}
	rc.introspection.Enabled = cfg.Introspection.Enabled
	rc.introspection.ListenAddr = cfg.Introspection.ListenAddr
	return rc, nil
}

// resolveInterfaces looks up each named interface. An empty list yields no
// interfaces: the advertising receiver then joins on the system default,
// while the advertising sender has no interface to send from and sends
// nothing.
func resolveInterfaces(names []string) ([]net.Interface, error) {
	if len(names) == 0 {
		return nil, nil
	}
	ifaces := make([]net.Interface, 0, len(names))
	for _, name := range names {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("resolve interface %q", name))
		}
		ifaces = append(ifaces, *iface)
	}
	return ifaces, nil
}
