// Package devsim simulates instrument endpoints speaking the station
// dialects so the daemon can run end-to-end without hardware. Failure
// modes are scriptable: refused probes, busy frame reads, and faulted
// captures.
package devsim

import (
	"bufio"
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/copernicusworks/moonscan/internal/drivers"
	"github.com/copernicusworks/moonscan/internal/logging"
	"github.com/copernicusworks/moonscan/model"
)

// Options scripts a simulated device.
type Options struct {
	Kind    model.InstrumentKind
	Version string

	FrameWidth  int
	FrameHeight int

	SpectrumSamples int
	WavelengthMinNm float64
	WavelengthMaxNm float64

	// FailProbes makes the first N probes report a device fault.
	FailProbes int
	// BusyReads makes the first N frame reads report busy.
	BusyReads int
	// FailCaptures makes the first N frame reads report a device fault
	// after any scripted busy reads are exhausted.
	FailCaptures int

	Seed int64
}

func (o Options) withDefaults() Options {
	if o.Version == "" {
		o.Version = "DEVSIM-1.0"
	}
	if o.FrameWidth <= 0 {
		o.FrameWidth = 640
	}
	if o.FrameHeight <= 0 {
		o.FrameHeight = 480
	}
	if o.SpectrumSamples <= 0 {
		o.SpectrumSamples = 256
	}
	if o.WavelengthMinNm <= 0 {
		o.WavelengthMinNm = 180
	}
	if o.WavelengthMaxNm <= o.WavelengthMinNm {
		o.WavelengthMaxNm = 1000
	}
	if o.Seed == 0 {
		o.Seed = 1
	}
	return o
}

// Device simulates one instrument endpoint. A single Device may serve
// many transports; its state is shared across them the way a physical
// instrument's would be.
type Device struct {
	opts Options
	log  logging.Logger

	mu           sync.Mutex
	exposure     float64
	integration  float64
	raSteps      int
	slewing      bool
	probeFails   int
	busyReads    int
	captureFails int
	rng          *rand.Rand
}

// New builds a device from options. Exposure and integration start at
// the instrument firmware defaults.
func New(opts Options, log logging.Logger) *Device {
	opts = opts.withDefaults()
	if log == nil {
		log = logging.Noop()
	}
	return &Device{
		opts:         opts,
		log:          log,
		exposure:     33.3,
		integration:  100,
		probeFails:   opts.FailProbes,
		busyReads:    opts.BusyReads,
		captureFails: opts.FailCaptures,
		rng:          rand.New(rand.NewSource(opts.Seed)),
	}
}

// Kind returns the instrument kind this device simulates.
func (d *Device) Kind() model.InstrumentKind {
	return d.opts.Kind
}

// ServeConn handles one transport until the peer hangs up.
func (d *Device) ServeConn(conn net.Conn) {
	defer conn.Close()
	switch d.opts.Kind {
	case model.KindMount, model.KindRover:
		d.serveMount(conn)
	default:
		d.serveSensor(conn)
	}
}

// Exposure returns the current exposure setting in milliseconds.
func (d *Device) Exposure() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exposure
}

// Integration returns the current integration setting in milliseconds.
func (d *Device) Integration() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.integration
}

// RASteps returns the accumulated right-ascension drive position.
func (d *Device) RASteps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.raSteps
}

// Slewing reports whether a slew is in progress.
func (d *Device) Slewing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.slewing
}

func (d *Device) serveMount(conn net.Conn) {
	ctx := context.Background()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		reply := d.mountReply(line)
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			d.log.Debug(ctx, "mount reply write failed", logging.Err(err))
			return
		}
	}
}

func (d *Device) mountReply(line string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case line == "V":
		if d.probeFails > 0 {
			d.probeFails--
			return "ERR controller not ready"
		}
		return d.opts.Version
	case strings.HasPrefix(line, "RA"):
		steps, err := strconv.Atoi(line[2:])
		if err != nil {
			return "ERR bad move argument"
		}
		d.raSteps += steps
		return "OK"
	case strings.HasPrefix(line, "SL"):
		if len(line) != 4 || !strings.ContainsRune("NSEW", rune(line[2])) {
			return "ERR bad slew argument"
		}
		rate := int(line[3] - '0')
		if rate < model.MinSlewRate || rate > model.MaxSlewRate {
			return "ERR bad slew rate"
		}
		d.slewing = true
		return "OK"
	case line == "ST":
		d.slewing = false
		return "OK"
	default:
		return "ERR unknown command"
	}
}

func (d *Device) serveSensor(conn net.Conn) {
	ctx := context.Background()
	for {
		req, err := drivers.DecodeFrame(conn)
		if err != nil {
			d.log.Debug(ctx, "sensor transport closed", logging.Err(err))
			return
		}
		resp := d.sensorReply(req)
		if err := drivers.EncodeFrame(conn, resp); err != nil {
			d.log.Debug(ctx, "sensor reply write failed", logging.Err(err))
			return
		}
	}
}

func (d *Device) sensorReply(req drivers.Frame) drivers.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch req.Command {
	case drivers.CmdProbe:
		if d.probeFails > 0 {
			d.probeFails--
			return errorFrame(req.Command, "sensor warming up")
		}
		return drivers.Frame{
			Command:  req.Command,
			DataType: drivers.DataTypeText,
			Status:   drivers.StatusOK,
			Payload:  []byte(d.opts.Version),
		}
	case drivers.CmdSetExposure:
		millis, ok := decodeMillis(req.Payload)
		if !ok || millis <= 0 {
			return errorFrame(req.Command, "bad exposure payload")
		}
		d.exposure = millis
		return okFrame(req.Command)
	case drivers.CmdSetIntegration:
		millis, ok := decodeMillis(req.Payload)
		if !ok || millis <= 0 {
			return errorFrame(req.Command, "bad integration payload")
		}
		d.integration = millis
		return okFrame(req.Command)
	case drivers.CmdCaptureFrame:
		if d.busyReads > 0 {
			d.busyReads--
			return drivers.Frame{Command: req.Command, Status: drivers.StatusBusy}
		}
		if d.captureFails > 0 {
			d.captureFails--
			return errorFrame(req.Command, "sensor readout fault")
		}
		return drivers.Frame{
			Command:  req.Command,
			DataType: drivers.DataTypeJPEG,
			Status:   drivers.StatusOK,
			Payload:  d.frameBytes(),
		}
	case drivers.CmdReadSpectrum:
		return drivers.Frame{
			Command:  req.Command,
			DataType: drivers.DataTypeSpectrum,
			Status:   drivers.StatusOK,
			Payload:  d.spectrumBytes(),
		}
	default:
		return errorFrame(req.Command, "unknown command")
	}
}

// frameBytes synthesizes a JPEG-framed noise image prefixed with its
// geometry. Callers hold d.mu.
func (d *Device) frameBytes() []byte {
	const bodyBytes = 1024
	payload := make([]byte, 0, 4+bodyBytes+4)

	var geom [4]byte
	binary.BigEndian.PutUint16(geom[0:2], uint16(d.opts.FrameWidth))
	binary.BigEndian.PutUint16(geom[2:4], uint16(d.opts.FrameHeight))
	payload = append(payload, geom[:]...)

	payload = append(payload, 0xFF, 0xD8) // SOI
	body := make([]byte, bodyBytes)
	d.rng.Read(body)
	payload = append(payload, body...)
	payload = append(payload, 0xFF, 0xD9) // EOI
	return payload
}

// spectrumBytes synthesizes a continuum with a broad peak near 550nm,
// scaled by the integration time. Callers hold d.mu.
func (d *Device) spectrumBytes() []byte {
	n := d.opts.SpectrumSamples
	min, max := d.opts.WavelengthMinNm, d.opts.WavelengthMaxNm
	payload := make([]byte, 0, n*16)

	for i := 0; i < n; i++ {
		lambda := min
		if n > 1 {
			lambda = min + (max-min)*float64(i)/float64(n-1)
		}
		peak := math.Exp(-((lambda - 550) * (lambda - 550)) / (2 * 80 * 80))
		intensity := d.integration*(0.2+peak) + d.rng.Float64()

		var buf [16]byte
		binary.BigEndian.PutUint64(buf[0:8], math.Float64bits(lambda))
		binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(intensity))
		payload = append(payload, buf[:]...)
	}
	return payload
}

func okFrame(cmd uint16) drivers.Frame {
	return drivers.Frame{Command: cmd, Status: drivers.StatusOK}
}

func errorFrame(cmd uint16, detail string) drivers.Frame {
	return drivers.Frame{
		Command: cmd,
		Status:  drivers.StatusError,
		Payload: []byte(detail),
	}
}

func decodeMillis(payload []byte) (float64, bool) {
	if len(payload) != 8 {
		return 0, false
	}
	return math.Float64frombits(binary.BigEndian.Uint64(payload)), true
}
