// Command devsim serves one simulated instrument over TCP so stationd
// can be exercised without hardware. Failure injection flags reproduce
// the awkward devices: refused probes, slow frame buffers, flaky
// captures.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/copernicusworks/moonscan/internal/drivers/devsim"
	"github.com/copernicusworks/moonscan/internal/logging"
	"github.com/copernicusworks/moonscan/model"
)

func main() {
	addr := flag.String("addr", ":4040", "TCP address the instrument listens on")
	kind := flag.String("kind", "camera", "instrument kind: mount, camera, spectrometer, or cubesat")
	version := flag.String("version", "", "firmware version string reported on probe")
	frameWidth := flag.Int("frame-width", 0, "camera frame width in pixels")
	frameHeight := flag.Int("frame-height", 0, "camera frame height in pixels")
	spectrumSamples := flag.Int("spectrum-samples", 0, "number of spectral samples per read")
	wavelengthMin := flag.Float64("wavelength-min", 0, "lower wavelength bound in nm")
	wavelengthMax := flag.Float64("wavelength-max", 0, "upper wavelength bound in nm")
	failProbes := flag.Int("fail-probes", 0, "number of initial probes to fail")
	busyReads := flag.Int("busy-reads", 0, "number of frame reads answered not-ready before data")
	failCaptures := flag.Int("fail-captures", 0, "number of captures to fail with a device error")
	seed := flag.Int64("seed", 0, "payload noise seed")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	parsedKind := model.ParseInstrumentKind(*kind)
	if parsedKind == model.KindUnknown {
		log.Error(ctx, "unknown instrument kind", logging.String("kind", *kind))
		os.Exit(1)
	}

	dev := devsim.New(devsim.Options{
		Kind:            parsedKind,
		Version:         *version,
		FrameWidth:      *frameWidth,
		FrameHeight:     *frameHeight,
		SpectrumSamples: *spectrumSamples,
		WavelengthMinNm: *wavelengthMin,
		WavelengthMaxNm: *wavelengthMax,
		FailProbes:      *failProbes,
		BusyReads:       *busyReads,
		FailCaptures:    *failCaptures,
		Seed:            *seed,
	}, log)

	srv, err := devsim.Listen(*addr, dev, log)
	if err != nil {
		log.Error(ctx, "failed to listen", logging.String("addr", *addr), logging.Err(err))
		os.Exit(1)
	}
	log.Info(ctx, "simulated instrument serving",
		logging.String("addr", srv.Addr()),
		logging.String("kind", parsedKind.String()),
	)

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-stopCtx.Done()

	log.Info(ctx, "shutting down simulated instrument")
	if err := srv.Close(); err != nil {
		log.Warn(ctx, "listener close failed", logging.Err(err))
	}
}
