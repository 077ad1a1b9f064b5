package main

import (
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_udptunnel._tcp"

// startMDNS registers the server listener via mDNS and returns a cleanup
// function. It is safe to call even if disabled (no-op).
func startMDNS(cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("udptunnel-%s", host)
	}
	meta := []string{"mode=server"}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return func() { svc.Shutdown() }, nil
}
