package anomaly

import (
	"errors"
	"fmt"
)

// Fault classes shared by the detection loop. Callers match with errors.Is.
var (
	// ErrInputFault marks a record with missing or malformed fields.
	ErrInputFault = errors.New("input fault")
	// ErrCalibrationFault marks a missing or corrupt calibration record.
	ErrCalibrationFault = errors.New("calibration fault")
	// ErrReasoningUnavailable marks a failed, slow or malformed reasoning call.
	ErrReasoningUnavailable = errors.New("reasoning unavailable")
	// ErrStoreFault marks a persistence failure.
	ErrStoreFault = errors.New("store fault")
	// ErrScoringFault marks evidence the scoring engine cannot score.
	ErrScoringFault = errors.New("scoring fault")
)

// RecordFault is an input fault tied to one source record. Several
// detectors reading the same bad record report equal Key values.
type RecordFault struct {
	Kind   string
	ID     string
	Reason string
}

// InputFault builds a RecordFault for the record kind/id.
func InputFault(kind, id, format string, args ...any) error {
	return &RecordFault{Kind: kind, ID: id, Reason: fmt.Sprintf(format, args...)}
}

// Key identifies the faulty record.
func (e *RecordFault) Key() string { return e.Kind + "/" + e.ID }

func (e *RecordFault) Error() string {
	return fmt.Sprintf("%s: %s %s %s", ErrInputFault, e.Kind, e.ID, e.Reason)
}

func (e *RecordFault) Unwrap() error { return ErrInputFault }
