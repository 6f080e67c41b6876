package drivers

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"sync"

	"github.com/copernicusworks/moonscan/model"
)

// spectrumSampleSize is the wire size of one wavelength/intensity pair.
const spectrumSampleSize = 16

// Sensor speaks the framed binary dialect used by cameras,
// spectrometers, and CubeSat payload bridges.
type Sensor struct {
	mu   sync.Mutex
	conn net.Conn

	lastExposure    float64
	lastIntegration float64
}

// NewSensor wraps an open transport in a binary dialect client.
func NewSensor(conn net.Conn) *Sensor {
	return &Sensor{conn: conn}
}

// Probe performs the binary handshake.
func (s *Sensor) Probe(ctx context.Context) error {
	if _, err := s.roundTrip(ctx, Frame{Command: CmdProbe}); err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	return nil
}

// SetExposure pushes a camera exposure time in milliseconds.
func (s *Sensor) SetExposure(ctx context.Context, millis float64) error {
	if millis <= 0 {
		return fmt.Errorf("exposure %vms must be positive", millis)
	}
	req := Frame{Command: CmdSetExposure, DataType: DataTypeMillis, Payload: millisPayload(millis)}
	if _, err := s.roundTrip(ctx, req); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastExposure = millis
	s.mu.Unlock()
	return nil
}

// SetIntegration pushes a spectrometer integration time in milliseconds.
func (s *Sensor) SetIntegration(ctx context.Context, millis float64) error {
	if millis <= 0 {
		return fmt.Errorf("integration %vms must be positive", millis)
	}
	req := Frame{Command: CmdSetIntegration, DataType: DataTypeMillis, Payload: millisPayload(millis)}
	if _, err := s.roundTrip(ctx, req); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastIntegration = millis
	s.mu.Unlock()
	return nil
}

// ReadFrame requests one image frame. It returns ErrFrameNotReady when
// the device has nothing buffered yet; callers decide the retry policy.
func (s *Sensor) ReadFrame(ctx context.Context) (*model.FramePayload, error) {
	resp, err := s.roundTrip(ctx, Frame{Command: CmdCaptureFrame})
	if err != nil {
		return nil, err
	}
	if resp.DataType != DataTypeJPEG {
		return nil, fmt.Errorf("%w: frame response carries data type 0x%02X", ErrBadFrame, resp.DataType)
	}
	if len(resp.Payload) < 4 {
		return nil, fmt.Errorf("%w: frame payload %d bytes, need geometry prefix", ErrBadFrame, len(resp.Payload))
	}

	s.mu.Lock()
	exposure := s.lastExposure
	s.mu.Unlock()

	return &model.FramePayload{
		Format:         "jpeg",
		Width:          int(binary.BigEndian.Uint16(resp.Payload[0:2])),
		Height:         int(binary.BigEndian.Uint16(resp.Payload[2:4])),
		ExposureMillis: exposure,
		Data:           resp.Payload[4:],
	}, nil
}

// ReadSpectrum requests one wavelength/intensity series. Samples come
// back in device order, unwindowed and uncalibrated.
func (s *Sensor) ReadSpectrum(ctx context.Context) ([]model.SpectralSample, error) {
	resp, err := s.roundTrip(ctx, Frame{Command: CmdReadSpectrum})
	if err != nil {
		return nil, err
	}
	if resp.DataType != DataTypeSpectrum {
		return nil, fmt.Errorf("%w: spectrum response carries data type 0x%02X", ErrBadFrame, resp.DataType)
	}
	if len(resp.Payload)%spectrumSampleSize != 0 {
		return nil, fmt.Errorf("%w: spectrum payload %d bytes is not a whole number of samples", ErrBadFrame, len(resp.Payload))
	}

	samples := make([]model.SpectralSample, 0, len(resp.Payload)/spectrumSampleSize)
	for i := 0; i+spectrumSampleSize <= len(resp.Payload); i += spectrumSampleSize {
		samples = append(samples, model.SpectralSample{
			WavelengthNm: math.Float64frombits(binary.BigEndian.Uint64(resp.Payload[i : i+8])),
			Intensity:    math.Float64frombits(binary.BigEndian.Uint64(resp.Payload[i+8 : i+16])),
		})
	}
	return samples, nil
}

// LastIntegration returns the most recently pushed integration time.
func (s *Sensor) LastIntegration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIntegration
}

// Close releases the transport.
func (s *Sensor) Close() error {
	return s.conn.Close()
}

func (s *Sensor) roundTrip(ctx context.Context, req Frame) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := setDeadline(ctx, s.conn); err != nil {
		return Frame{}, err
	}
	if err := EncodeFrame(s.conn, req); err != nil {
		return Frame{}, fmt.Errorf("write %s: %w", cmdName(req.Command), err)
	}
	resp, err := DecodeFrame(s.conn)
	if err != nil {
		return Frame{}, fmt.Errorf("%s: %w", cmdName(req.Command), err)
	}

	switch resp.Status {
	case StatusOK:
		return resp, nil
	case StatusBusy:
		return Frame{}, ErrFrameNotReady
	default:
		return Frame{}, &DeviceError{
			Op:     cmdName(req.Command),
			Status: resp.Status,
			Detail: string(resp.Payload),
		}
	}
}

func millisPayload(ms float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(ms))
	return buf
}

func cmdName(cmd uint16) string {
	switch cmd {
	case CmdProbe:
		return "probe"
	case CmdSetExposure:
		return "set-exposure"
	case CmdCaptureFrame:
		return "capture-frame"
	case CmdSetIntegration:
		return "set-integration"
	case CmdReadSpectrum:
		return "read-spectrum"
	default:
		return fmt.Sprintf("command 0x%04X", cmd)
	}
}
