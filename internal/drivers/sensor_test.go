package drivers

import (
	"encoding/binary"
	"errors"
	"math"
	"net"
	"testing"

	"github.com/copernicusworks/moonscan/model"
)

// scriptSensorPeer answers each decoded frame with the corresponding
// scripted response and reports the commands it saw.
func scriptSensorPeer(t *testing.T, conn net.Conn, responses []Frame) <-chan []uint16 {
	t.Helper()
	got := make(chan []uint16, 1)
	go func() {
		defer conn.Close()
		var seen []uint16
		for i := 0; i < len(responses); i++ {
			req, err := DecodeFrame(conn)
			if err != nil {
				break
			}
			seen = append(seen, req.Command)
			resp := responses[i]
			if resp.Command == 0 {
				resp.Command = req.Command
			}
			if err := EncodeFrame(conn, resp); err != nil {
				break
			}
		}
		got <- seen
	}()
	return got
}

func spectrumWire(samples [][2]float64) []byte {
	payload := make([]byte, 0, len(samples)*16)
	for _, s := range samples {
		var buf [16]byte
		binary.BigEndian.PutUint64(buf[0:8], math.Float64bits(s[0]))
		binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(s[1]))
		payload = append(payload, buf[:]...)
	}
	return payload
}

func frameWire(width, height uint16, data []byte) []byte {
	payload := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint16(payload[0:2], width)
	binary.BigEndian.PutUint16(payload[2:4], height)
	return append(payload, data...)
}

func TestSensorProbeAndExposure(t *testing.T) {
	client, server := net.Pipe()
	seen := scriptSensorPeer(t, server, []Frame{
		{DataType: DataTypeText, Status: StatusOK, Payload: []byte("CAM-2.0")},
		{Status: StatusOK},
	})

	s := NewSensor(client)
	defer s.Close()
	ctx := testCtx(t)

	if err := s.Probe(ctx); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if err := s.SetExposure(ctx, 33.3); err != nil {
		t.Fatalf("SetExposure: %v", err)
	}

	s.Close()
	commands := <-seen
	if len(commands) != 2 || commands[0] != CmdProbe || commands[1] != CmdSetExposure {
		t.Fatalf("peer saw %v, want [probe set-exposure]", commands)
	}
}

func TestSensorReadFrame(t *testing.T) {
	client, server := net.Pipe()
	scriptSensorPeer(t, server, []Frame{
		{Status: StatusOK},
		{DataType: DataTypeJPEG, Status: StatusOK, Payload: frameWire(640, 480, []byte{0xFF, 0xD8, 0xFF, 0xD9})},
	})

	s := NewSensor(client)
	defer s.Close()
	ctx := testCtx(t)

	if err := s.SetExposure(ctx, 50); err != nil {
		t.Fatalf("SetExposure: %v", err)
	}
	frame, err := s.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Width != 640 || frame.Height != 480 {
		t.Fatalf("geometry %dx%d, want 640x480", frame.Width, frame.Height)
	}
	if frame.Format != "jpeg" {
		t.Fatalf("format %q, want jpeg", frame.Format)
	}
	if frame.ExposureMillis != 50 {
		t.Fatalf("exposure %v, want 50", frame.ExposureMillis)
	}
	if len(frame.Data) != 4 {
		t.Fatalf("data %d bytes, want 4", len(frame.Data))
	}
}

func TestSensorReadFrameBusy(t *testing.T) {
	client, server := net.Pipe()
	scriptSensorPeer(t, server, []Frame{
		{Status: StatusBusy},
	})

	s := NewSensor(client)
	defer s.Close()

	if _, err := s.ReadFrame(testCtx(t)); !errors.Is(err, ErrFrameNotReady) {
		t.Fatalf("expected ErrFrameNotReady, got %v", err)
	}
}

func TestSensorReadSpectrum(t *testing.T) {
	client, server := net.Pipe()
	scriptSensorPeer(t, server, []Frame{
		{DataType: DataTypeSpectrum, Status: StatusOK, Payload: spectrumWire([][2]float64{
			{400, 12.5},
			{550, 80.25},
			{700, 33},
		})},
	})

	s := NewSensor(client)
	defer s.Close()

	samples, err := s.ReadSpectrum(testCtx(t))
	if err != nil {
		t.Fatalf("ReadSpectrum: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("got %d samples, want 3", len(samples))
	}
	if samples[1].WavelengthNm != 550 || samples[1].Intensity != 80.25 {
		t.Fatalf("sample[1] = %+v, want 550nm/80.25", samples[1])
	}
}

func TestSensorDeviceError(t *testing.T) {
	client, server := net.Pipe()
	scriptSensorPeer(t, server, []Frame{
		{Status: StatusError, Payload: []byte("sensor readout fault")},
	})

	s := NewSensor(client)
	defer s.Close()

	_, err := s.ReadFrame(testCtx(t))
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("expected DeviceError, got %v", err)
	}
	if devErr.Status != StatusError || devErr.Detail != "sensor readout fault" {
		t.Fatalf("unexpected device error %+v", devErr)
	}
}

func TestSensorRejectsWrongDataType(t *testing.T) {
	client, server := net.Pipe()
	scriptSensorPeer(t, server, []Frame{
		{DataType: DataTypeText, Status: StatusOK, Payload: []byte("nope")},
	})

	s := NewSensor(client)
	defer s.Close()

	if _, err := s.ReadSpectrum(testCtx(t)); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
}

func TestNewClientDialects(t *testing.T) {
	tests := []struct {
		kind      string
		wantMount bool
		wantErr   bool
	}{
		{kind: "mount", wantMount: true},
		{kind: "rover", wantMount: true},
		{kind: "camera"},
		{kind: "spectrometer"},
		{kind: "cubesat"},
		{kind: "bogus", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			kind := model.ParseInstrumentKind(tt.kind)
			client, serverEnd := net.Pipe()
			defer client.Close()
			defer serverEnd.Close()

			c, err := NewClient(kind, client)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error for unmapped kind")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			if _, isMount := c.(*Mount); isMount != tt.wantMount {
				t.Fatalf("kind %s: mount dialect = %v, want %v", tt.kind, isMount, tt.wantMount)
			}
		})
	}
}
