package collaboration

import (
	"errors"
	"strings"
)

type ValidationIssue struct{ Field, Reason string }

type ValidationError struct{ Issues []ValidationIssue }

var ErrInvalidContract = errors.New("invalid contract")

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return ErrInvalidContract.Error()
	}
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.Field+": "+is.Reason)
	}
	return ErrInvalidContract.Error() + ": " + strings.Join(parts, "; ")
}
func (e *ValidationError) add(f, r string) {
	e.Issues = append(e.Issues, ValidationIssue{Field: f, Reason: r})
}
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidContract }

func (e *ValidationError) orNil() error {
	if len(e.Issues) > 0 {
		return e
	}
	return nil
}

func checkWorkflowID(ve *ValidationError, id string) {
	switch {
	case id == "":
		ve.add("workflowId", "required")
	case id == PlaceholderWorkflowID:
		ve.add("workflowId", "placeholder")
	}
}
