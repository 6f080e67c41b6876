package model

import (
	"errors"
	"fmt"
	"time"
)

// ScanMode selects the acquisition path for a capture. The set is closed so
// capture dispatch is an exhaustive switch.
type ScanMode int

const (
	ModeImaging ScanMode = iota
	ModeSpectroscopy
)

// String returns the lowercase API spelling of the mode.
func (m ScanMode) String() string {
	switch m {
	case ModeImaging:
		return "imaging"
	case ModeSpectroscopy:
		return "spectroscopy"
	default:
		return "unknown"
	}
}

// ParseScanMode maps an API spelling onto a ScanMode. The second return is
// false for unrecognised spellings.
func ParseScanMode(s string) (ScanMode, bool) {
	switch s {
	case "imaging":
		return ModeImaging, true
	case "spectroscopy":
		return ModeSpectroscopy, true
	default:
		return ModeImaging, false
	}
}

// WavelengthRange bounds the spectral samples kept from a spectroscopy
// capture, in nanometres.
type WavelengthRange struct {
	MinNm float64
	MaxNm float64
}

// Contains reports whether a wavelength falls inside the range (inclusive).
func (r WavelengthRange) Contains(nm float64) bool {
	return nm >= r.MinNm && nm <= r.MaxNm
}

// IsZero reports whether the range is unset.
func (r WavelengthRange) IsZero() bool { return r.MinNm == 0 && r.MaxNm == 0 }

// ErrInvalidScanRequest indicates a scan request failed validation.
var ErrInvalidScanRequest = errors.New("invalid scan request")

// ScanRequest describes one requested imaging or spectroscopy operation.
// Requests are passed by value and never mutated after submission.
type ScanRequest struct {
	Mode ScanMode

	// ExposureMillis applies to ModeImaging. Zero means "use the
	// instrument's default"; negative values are rejected.
	ExposureMillis float64

	// IntegrationMillis applies to ModeSpectroscopy. Zero means "use the
	// instrument's default"; negative values are rejected.
	IntegrationMillis float64

	// Wavelengths windows the returned spectral samples. Zero means "use
	// the station's configured window".
	Wavelengths WavelengthRange
}

// Validate checks request fields against the mode. It does not consult the
// session; connection-state enforcement happens at capture time.
func (r ScanRequest) Validate() error {
	switch r.Mode {
	case ModeImaging:
		if r.ExposureMillis < 0 {
			return fmt.Errorf("%w: exposure must be positive", ErrInvalidScanRequest)
		}
	case ModeSpectroscopy:
		if r.IntegrationMillis < 0 {
			return fmt.Errorf("%w: integration time must be positive", ErrInvalidScanRequest)
		}
		if !r.Wavelengths.IsZero() && r.Wavelengths.MinNm >= r.Wavelengths.MaxNm {
			return fmt.Errorf("%w: wavelength window is empty", ErrInvalidScanRequest)
		}
	default:
		return fmt.Errorf("%w: unknown scan mode %d", ErrInvalidScanRequest, int(r.Mode))
	}
	return nil
}

// FramePayload is the imaging capture payload: an encoded image plus the
// geometry and exposure it was taken with.
type FramePayload struct {
	Format         string // e.g. "jpeg"
	Width          int
	Height         int
	ExposureMillis float64
	Data           []byte
}

// SpectralSample is one wavelength/intensity pair.
type SpectralSample struct {
	WavelengthNm float64
	Intensity    float64
}

// SpectrumPayload is the spectroscopy capture payload.
type SpectrumPayload struct {
	IntegrationMillis float64
	Samples           []SpectralSample
	// DarkSubtracted records whether a dark reference was subtracted
	// before windowing.
	DarkSubtracted bool
}

// ScanResult carries the data and metadata of one completed scan. Exactly one
// of Frame/Spectrum is non-nil, matching the request mode. The caller owns
// the result once returned; the session never touches it again.
type ScanResult struct {
	DeviceID   string
	SessionID  string
	Mode       ScanMode
	CapturedAt time.Time

	Frame    *FramePayload
	Spectrum *SpectrumPayload
}

// PayloadBytes returns the size of the captured payload for accounting.
func (r *ScanResult) PayloadBytes() int {
	switch {
	case r == nil:
		return 0
	case r.Frame != nil:
		return len(r.Frame.Data)
	case r.Spectrum != nil:
		return len(r.Spectrum.Samples) * 16
	default:
		return 0
	}
}
