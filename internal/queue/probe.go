package queue

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// DialProbe reports connectivity by opening a TCP connection to a well-known
// address. Cheap enough to run on every sync tick.
type DialProbe struct {
	Address string
	Timeout time.Duration
}

// Online implements Probe.
func (p DialProbe) Online(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// StaticProbe is a probe whose state is flipped by hand.
type StaticProbe struct {
	online atomic.Bool
}

// NewStaticProbe creates a probe in the given state.
func NewStaticProbe(online bool) *StaticProbe {
	p := &StaticProbe{}
	p.online.Store(online)
	return p
}

// Online implements Probe.
func (p *StaticProbe) Online(ctx context.Context) bool { return p.online.Load() }

// Set flips the probe.
func (p *StaticProbe) Set(online bool) { p.online.Store(online) }
