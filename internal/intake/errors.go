package intake

import (
	"errors"
	"fmt"
)

var (
	ErrClassification = errors.New("classification failed")
	ErrFetch          = errors.New("fetch failed")
	ErrComposite      = errors.New("composite failed")
	ErrDelivery       = errors.New("delivery failed")
)

// Step names one failable stage of a correspondent's cycle.
type Step string

const (
	StepClassify  Step = "classify"
	StepFetch     Step = "fetch"
	StepComposite Step = "composite"
	StepDeliver   Step = "deliver"
)

// StepError reports which step failed for which correspondent.
// errors.Is matches both the step's sentinel and the underlying cause.
type StepError struct {
	Step          Step
	Correspondent string
	Err           error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Step, e.Correspondent, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{e.sentinel(), e.Err}
}

func (e *StepError) sentinel() error {
	switch e.Step {
	case StepFetch:
		return ErrFetch
	case StepComposite:
		return ErrComposite
	case StepDeliver:
		return ErrDelivery
	default:
		return ErrClassification
	}
}

func stepErr(step Step, correspondent string, err error) error {
	return &StepError{Step: step, Correspondent: correspondent, Err: err}
}
