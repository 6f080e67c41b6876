package devsim

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/copernicusworks/moonscan/internal/drivers"
)

// PipeDialer is an in-memory drivers.Dialer that connects endpoint
// addresses to simulated devices over net.Pipe. Dial failures can be
// scripted per address to exercise retry and breaker paths.
type PipeDialer struct {
	mu       sync.Mutex
	devices  map[string]*Device
	failures map[string]int
}

var _ drivers.Dialer = (*PipeDialer)(nil)

// NewPipeDialer returns an empty dialer; register devices before use.
func NewPipeDialer() *PipeDialer {
	return &PipeDialer{
		devices:  make(map[string]*Device),
		failures: make(map[string]int),
	}
}

// Register binds a device to an endpoint address.
func (p *PipeDialer) Register(addr string, dev *Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices[addr] = dev
}

// FailNext makes the next n dials to addr fail with a refused error.
func (p *PipeDialer) FailNext(addr string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[addr] = n
}

// DialContext implements drivers.Dialer.
func (p *PipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if left := p.failures[addr]; left > 0 {
		p.failures[addr] = left - 1
		p.mu.Unlock()
		return nil, fmt.Errorf("dial %s %s: connection refused", network, addr)
	}
	dev, ok := p.devices[addr]
	p.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("dial %s %s: no such endpoint", network, addr)
	}

	client, server := net.Pipe()
	go dev.ServeConn(server)
	return client, nil
}
