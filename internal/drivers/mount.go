package drivers

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/copernicusworks/moonscan/model"
)

// Mount speaks the line-based text dialect used by telescope mounts and
// rover drive platforms. Commands are newline-terminated and every
// command yields exactly one response line: the version string for the
// probe, "OK" for accepted commands, "ERR <detail>" otherwise.
type Mount struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	version string
}

// NewMount wraps an open transport in a mount dialect client.
func NewMount(conn net.Conn) *Mount {
	return &Mount{conn: conn, r: bufio.NewReader(conn)}
}

// Probe sends the version query and records the reported firmware
// version.
func (m *Mount) Probe(ctx context.Context) error {
	line, err := m.roundTrip(ctx, "V")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	if line == "" || strings.HasPrefix(line, "ERR") {
		return fmt.Errorf("%w: response %q", ErrProbeFailed, line)
	}
	m.mu.Lock()
	m.version = line
	m.mu.Unlock()
	return nil
}

// Version returns the firmware version reported by the last successful
// probe.
func (m *Mount) Version() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// MoveSteps issues a relative right-ascension move in drive steps.
// Negative values move west.
func (m *Mount) MoveSteps(ctx context.Context, steps int) error {
	return m.exec(ctx, fmt.Sprintf("RA%+06d", steps))
}

// Slew starts continuous motion in the given direction at a drive rate
// in [1, 9]. Motion continues until Halt.
func (m *Mount) Slew(ctx context.Context, dir model.SlewDirection, rate int) error {
	if rate < model.MinSlewRate || rate > model.MaxSlewRate {
		return fmt.Errorf("slew rate %d outside [%d, %d]", rate, model.MinSlewRate, model.MaxSlewRate)
	}
	token, err := slewToken(dir)
	if err != nil {
		return err
	}
	return m.exec(ctx, fmt.Sprintf("SL%c%d", token, rate))
}

// Halt stops all axis motion.
func (m *Mount) Halt(ctx context.Context) error {
	return m.exec(ctx, "ST")
}

// Close releases the transport.
func (m *Mount) Close() error {
	return m.conn.Close()
}

func (m *Mount) exec(ctx context.Context, cmd string) error {
	line, err := m.roundTrip(ctx, cmd)
	if err != nil {
		return err
	}
	if line == "OK" {
		return nil
	}
	return &DeviceError{Op: cmd, Detail: strings.TrimSpace(strings.TrimPrefix(line, "ERR"))}
}

func (m *Mount) roundTrip(ctx context.Context, cmd string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := setDeadline(ctx, m.conn); err != nil {
		return "", err
	}
	if _, err := fmt.Fprintf(m.conn, "%s\n", cmd); err != nil {
		return "", fmt.Errorf("write %q: %w", cmd, err)
	}
	line, err := m.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read response to %q: %w", cmd, err)
	}
	return strings.TrimSpace(line), nil
}

func slewToken(dir model.SlewDirection) (byte, error) {
	switch dir {
	case model.SlewNorth:
		return 'N', nil
	case model.SlewSouth:
		return 'S', nil
	case model.SlewEast:
		return 'E', nil
	case model.SlewWest:
		return 'W', nil
	default:
		return 0, fmt.Errorf("unknown slew direction %q", dir)
	}
}
