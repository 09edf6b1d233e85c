package client

import (
	"strings"
)

// Severity grades a failed call for surfacing to the user.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "unknown"
}

// ClassifiedError wraps a call failure with its severity and whether
// retrying could help.
type ClassifiedError struct {
	Err       error
	Severity  Severity
	Retryable bool
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

var (
	retryableHints = []string{
		"network", "timeout", "timed out", "connection", "refused",
		"reset", "unreachable", "temporarily", "eof",
	}
	fatalHints = []string{
		"unauthorized", "forbidden", "not found", "permission",
	}
)

// Classify grades an error by message content. Network-shaped failures are
// retryable; authorization and existence failures are not; anything
// unrecognized is retried on the assumption it is transient.
func Classify(err error) *ClassifiedError {
	if ce, ok := err.(*ClassifiedError); ok {
		return ce
	}

	msg := strings.ToLower(err.Error())

	for _, hint := range fatalHints {
		if strings.Contains(msg, hint) {
			severity := SeverityHigh
			if strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") {
				severity = SeverityCritical
			}
			return &ClassifiedError{Err: err, Severity: severity, Retryable: false}
		}
	}

	for _, hint := range retryableHints {
		if strings.Contains(msg, hint) {
			return &ClassifiedError{Err: err, Severity: SeverityMedium, Retryable: true}
		}
	}

	return &ClassifiedError{Err: err, Severity: SeverityMedium, Retryable: true}
}
