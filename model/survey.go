package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSurveyPlan indicates a survey plan failed validation.
var ErrInvalidSurveyPlan = errors.New("invalid survey plan")

// SurveyPlan describes a stepped drift scan across the target: the mount
// advances StepArcsec at a time until ScanAngleDegrees has been covered,
// dwelling StepArcsec/SpeedArcsecPerSec at each step while the recorder
// samples.
type SurveyPlan struct {
	ScanAngleDegrees  float64
	StepArcsec        float64
	SpeedArcsecPerSec float64

	// SampleInterval is the recorder cadence during the survey. Zero means
	// "use the station's configured recording interval".
	SampleInterval time.Duration
}

// Validate enforces the positivity constraints the drive accepts.
func (p SurveyPlan) Validate() error {
	if p.ScanAngleDegrees <= 0 {
		return fmt.Errorf("%w: scan angle must be positive", ErrInvalidSurveyPlan)
	}
	if p.StepArcsec <= 0 {
		return fmt.Errorf("%w: step offset must be positive", ErrInvalidSurveyPlan)
	}
	if p.SpeedArcsecPerSec <= 0 {
		return fmt.Errorf("%w: scan speed must be positive", ErrInvalidSurveyPlan)
	}
	if p.SampleInterval < 0 {
		return fmt.Errorf("%w: sample interval must not be negative", ErrInvalidSurveyPlan)
	}
	return nil
}

// Steps returns the number of mount moves the plan expands to.
func (p SurveyPlan) Steps() int {
	return int(p.ScanAngleDegrees * 3600 / p.StepArcsec)
}

// StepDwell returns the time spent at each step.
func (p SurveyPlan) StepDwell() time.Duration {
	if p.SpeedArcsecPerSec <= 0 {
		return 0
	}
	return time.Duration(p.StepArcsec / p.SpeedArcsecPerSec * float64(time.Second))
}

// SurveySummary is the record of one survey run, archived when the run
// ends and announced on the live feed.
type SurveySummary struct {
	ID        string
	SessionID string
	Plan      SurveyPlan

	StartedAt  time.Time
	FinishedAt time.Time

	StepsPlanned   int
	StepsCompleted int

	// Samples counts steps where at least one payload reached the archive.
	Samples      int
	ImagesSaved  int
	SpectraSaved int

	// Aborted is set when the run ended early; Reason says why (operator
	// stop, session teardown, drive fault).
	Aborted bool
	Reason  string
}
