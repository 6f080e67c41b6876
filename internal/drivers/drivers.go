// Package drivers speaks the wire dialects of the remote instruments:
// a line-based text protocol for mounts and drive platforms, and a
// framed binary protocol for sensing payloads (cameras, spectrometers,
// CubeSat payload bridges).
package drivers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/copernicusworks/moonscan/model"
)

// DefaultDialTimeout bounds a single transport dial.
const DefaultDialTimeout = 5 * time.Second

// Dialer opens transports to instrument endpoints. *net.Dialer satisfies
// it; tests substitute in-memory pipes.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewTCPDialer returns a TCP dialer with a per-dial timeout.
func NewTCPDialer(timeout time.Duration) Dialer {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &net.Dialer{Timeout: timeout}
}

var (
	// ErrProbeFailed reports a handshake that did not identify a
	// healthy instrument.
	ErrProbeFailed = errors.New("device probe failed")
	// ErrBadFrame reports a malformed binary frame.
	ErrBadFrame = errors.New("malformed device frame")
	// ErrBadChecksum reports a frame whose checksum did not verify.
	ErrBadChecksum = errors.New("device frame checksum mismatch")
	// ErrFrameNotReady reports that the sensor had no frame to return
	// yet; callers may retry.
	ErrFrameNotReady = errors.New("frame not ready")
)

// DeviceError is a failure reported by the instrument itself rather
// than by the transport.
type DeviceError struct {
	Op     string
	Status uint8  // binary-dialect status code, zero for the text dialect
	Detail string
}

func (e *DeviceError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("device %s failed: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("device %s failed: status 0x%02X", e.Op, e.Status)
}

// Client is the dialect-speaking side of a device session. Concrete
// clients are *Mount for the text dialect and *Sensor for the binary
// dialect.
type Client interface {
	// Probe performs the dialect handshake.
	Probe(ctx context.Context) error
	// Close releases the transport.
	Close() error
}

// NewClient wraps conn in the dialect client for the instrument kind.
func NewClient(kind model.InstrumentKind, conn net.Conn) (Client, error) {
	switch kind {
	case model.KindMount, model.KindRover:
		return NewMount(conn), nil
	case model.KindCamera, model.KindSpectrometer, model.KindCubeSat:
		return NewSensor(conn), nil
	case model.KindUnknown:
		return nil, fmt.Errorf("no dialect for unknown instrument kind")
	default:
		return nil, fmt.Errorf("no dialect for instrument kind %q", kind)
	}
}

// setDeadline applies the context deadline, if any, to the whole
// request/response exchange on conn.
func setDeadline(ctx context.Context, conn net.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		return conn.SetDeadline(deadline)
	}
	return conn.SetDeadline(time.Time{})
}
