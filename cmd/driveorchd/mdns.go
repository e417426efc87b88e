package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/kstaniek/drive-orchestrator/internal/config"
)

const mdnsServiceType = "_drive-orchestrator._tcp"

// startMDNS registers the diagnostics service via mDNS and returns a
// cleanup function. Safe to call even when disabled (no-op).
func startMDNS(ctx context.Context, cfg *config.Config, port int) (func(), error) {
	if !cfg.MDNSEnable {
		return func() {}, nil
	}
	instance := cfg.MDNSName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("drive-orchestrator-%s", host)
	}
	meta := []string{
		"interface=" + cfg.Interface,
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
