// Package archive persists capture payloads and survey summaries under
// the station's data root and feeds scan events to downstream pipelines.
//
// The on-disk layout keeps images, spectra, and survey records in
// separate subdirectories, with filenames carrying the exposure or
// integration setting and the capture timestamp so runs can be sorted
// and replayed without opening the files.
package archive

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/copernicusworks/moonscan/internal/logging"
	"github.com/copernicusworks/moonscan/model"
)

// DefaultRoot is the data directory used when none is configured.
const DefaultRoot = "scan_data"

const (
	imagesDir  = "images"
	spectraDir = "spectra"
	surveysDir = "surveys"

	// timestampLayout names archived files down to the second. Colliding
	// names within the same second get a numeric suffix.
	timestampLayout = "20060102_150405"

	maxNameCollisions = 999
)

// ErrNoPayload indicates a scan result carrying neither frame nor
// spectrum data.
var ErrNoPayload = errors.New("scan result carries no payload")

// Store writes capture payloads and survey summaries to the filesystem.
// Methods are safe for concurrent use; name collisions are resolved with
// exclusive creates rather than a lock.
type Store struct {
	root string
	log  logging.Logger
}

// NewStore prepares the archive directories under root and verifies
// write access up front: a throwaway file is written and removed so a
// read-only mount fails at startup instead of mid-scan.
func NewStore(root string, log logging.Logger) (*Store, error) {
	if root == "" {
		root = DefaultRoot
	}
	if log == nil {
		log = logging.Noop()
	}

	for _, dir := range []string{imagesDir, spectraDir, surveysDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory %s: %w", dir, err)
		}
	}

	probe := filepath.Join(root, "test.txt")
	if err := os.WriteFile(probe, []byte("test"), 0o644); err != nil {
		return nil, fmt.Errorf("archive root %s is not writable: %w", root, err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("archive root %s is not writable: %w", root, err)
	}

	return &Store{root: root, log: log}, nil
}

// Root returns the archive root directory.
func (s *Store) Root() string { return s.root }

// SaveResult writes the capture payload to the archive and returns the
// path of the written file. Frames land as JPEG files named by exposure,
// spectra as CSV files named by integration time.
func (s *Store) SaveResult(ctx context.Context, res *model.ScanResult) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if res == nil || (res.Frame == nil && res.Spectrum == nil) {
		return "", ErrNoPayload
	}

	ts := res.CapturedAt.UTC().Format(timestampLayout)
	var (
		path string
		err  error
	)
	if res.Frame != nil {
		path, err = s.writeFrame(res.Frame, ts)
	} else {
		path, err = s.writeSpectrum(res.Spectrum, ts)
	}
	if err != nil {
		return "", err
	}

	s.log.Debug(ctx, "archived capture payload",
		logging.String("path", path),
		logging.Int("bytes", res.PayloadBytes()),
	)
	return path, nil
}

// SaveSurveySummary archives the end-of-run record of a survey as JSON
// and returns the path of the written file.
func (s *Store) SaveSurveySummary(ctx context.Context, sum model.SurveySummary) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(surveyRecordFrom(sum), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode survey summary: %w", err)
	}
	data = append(data, '\n')

	ts := sum.FinishedAt.UTC().Format(timestampLayout)
	stem := fmt.Sprintf("survey_%s_%s", sum.ID, ts)
	f, path, err := s.createExclusive(surveysDir, stem, ".json")
	if err != nil {
		return "", fmt.Errorf("create survey record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("write survey record %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write survey record %s: %w", path, err)
	}

	s.log.Info(ctx, "archived survey summary",
		logging.String("survey_id", sum.ID),
		logging.String("path", path),
	)
	return path, nil
}

func (s *Store) writeFrame(frame *model.FramePayload, ts string) (string, error) {
	stem := fmt.Sprintf("image_exp%.1fms_%s", frame.ExposureMillis, ts)
	f, path, err := s.createExclusive(imagesDir, stem, ".jpg")
	if err != nil {
		return "", fmt.Errorf("create image file: %w", err)
	}
	if _, err := f.Write(frame.Data); err != nil {
		f.Close()
		return "", fmt.Errorf("write image %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write image %s: %w", path, err)
	}
	return path, nil
}

func (s *Store) writeSpectrum(sp *model.SpectrumPayload, ts string) (string, error) {
	stem := fmt.Sprintf("spectrum_%dms_%s", int(sp.IntegrationMillis), ts)
	f, path, err := s.createExclusive(spectraDir, stem, ".csv")
	if err != nil {
		return "", fmt.Errorf("create spectrum file: %w", err)
	}

	w := csv.NewWriter(f)
	rows := make([][]string, 0, len(sp.Samples)+1)
	rows = append(rows, []string{"wavelength_nm", "intensity"})
	for _, sample := range sp.Samples {
		rows = append(rows, []string{
			strconv.FormatFloat(sample.WavelengthNm, 'g', -1, 64),
			strconv.FormatFloat(sample.Intensity, 'g', -1, 64),
		})
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return "", fmt.Errorf("write spectrum %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write spectrum %s: %w", path, err)
	}
	return path, nil
}

// createExclusive opens a fresh archive file, appending a numeric suffix
// when captures within the same second collide on a name.
func (s *Store) createExclusive(dir, stem, ext string) (*os.File, string, error) {
	name := stem + ext
	for n := 1; ; n++ {
		path := filepath.Join(s.root, dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", err
		}
		if n > maxNameCollisions {
			return nil, "", fmt.Errorf("no unused archive name for %s%s", stem, ext)
		}
		name = fmt.Sprintf("%s_%d%s", stem, n, ext)
	}
}

// surveyRecord is the JSON document archived per survey run.
type surveyRecord struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	ScanAngleDegrees  float64   `json:"scan_angle_deg"`
	StepArcsec        float64   `json:"step_arcsec"`
	SpeedArcsecPerSec float64   `json:"speed_arcsec_per_sec"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	StepsPlanned      int       `json:"steps_planned"`
	StepsCompleted    int       `json:"steps_completed"`
	Samples           int       `json:"samples"`
	ImagesSaved       int       `json:"images_saved"`
	SpectraSaved      int       `json:"spectra_saved"`
	Aborted           bool      `json:"aborted"`
	Reason            string    `json:"reason,omitempty"`
}

func surveyRecordFrom(sum model.SurveySummary) surveyRecord {
	return surveyRecord{
		ID:                sum.ID,
		SessionID:         sum.SessionID,
		ScanAngleDegrees:  sum.Plan.ScanAngleDegrees,
		StepArcsec:        sum.Plan.StepArcsec,
		SpeedArcsecPerSec: sum.Plan.SpeedArcsecPerSec,
		StartedAt:         sum.StartedAt,
		FinishedAt:        sum.FinishedAt,
		StepsPlanned:      sum.StepsPlanned,
		StepsCompleted:    sum.StepsCompleted,
		Samples:           sum.Samples,
		ImagesSaved:       sum.ImagesSaved,
		SpectraSaved:      sum.SpectraSaved,
		Aborted:           sum.Aborted,
		Reason:            sum.Reason,
	}
}
