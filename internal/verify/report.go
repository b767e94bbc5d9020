// Package verify re-reads migration artifacts and reports every invariant
// they break. It never modifies its inputs.
package verify

import (
	"errors"
	"fmt"
)

var (
	// ErrAtomicityViolation marks a batch that is not one BEGIN/COMMIT block
	ErrAtomicityViolation = errors.New("atomicity violation")
	// ErrVerificationFailed is returned by Report.Err when any check fails
	ErrVerificationFailed = errors.New("verification failed")
)

// Severity of a finding
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Check names
const (
	CheckSyntax      = "syntax"
	CheckAtomicity   = "atomicity"
	CheckIdempotency = "idempotency"
	CheckReferences  = "references"
	CheckEventJSON   = "event-json"
	CheckRooms       = "rooms"
	CheckDuplicate   = "duplicate-assignment"
	CheckEncryption  = "encryption"
	CheckSpaceParent = "space-parent"
	CheckSummary     = "summary"
	CheckBestEffort  = "best-effort"
	CheckPlan        = "plan"
	CheckCatalog     = "catalog"
	CheckAnalysis    = "analysis"
)

// Finding is one itemized result
type Finding struct {
	Severity Severity `json:"severity"`
	Check    string   `json:"check"`
	Message  string   `json:"message"`
}

func (f Finding) String() string {
	return fmt.Sprintf("[%s] %s: %s", f.Severity, f.Check, f.Message)
}

// Report contains the result of verifying one artifact.
type Report struct {
	Subject  string    `json:"subject"`
	Pass     bool      `json:"pass"`
	Findings []Finding `json:"findings"`
}

func newReport(subject string) *Report {
	return &Report{Subject: subject, Findings: []Finding{}}
}

func (r *Report) errorf(check, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{Severity: SeverityError, Check: check, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) warnf(check, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{Severity: SeverityWarning, Check: check, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) finish() *Report {
	r.Pass = len(r.Errors()) == 0
	return r
}

// Errors returns the failing findings
func (r *Report) Errors() []Finding {
	return r.filter(SeverityError)
}

// Warnings returns the non-fatal findings
func (r *Report) Warnings() []Finding {
	return r.filter(SeverityWarning)
}

func (r *Report) filter(s Severity) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == s {
			out = append(out, f)
		}
	}
	return out
}

// Has reports whether a finding of the given check and severity exists
func (r *Report) Has(check string, s Severity) bool {
	for _, f := range r.Findings {
		if f.Check == check && f.Severity == s {
			return true
		}
	}
	return false
}

// Err returns nil when the report passes. Otherwise the error wraps
// ErrVerificationFailed, and ErrAtomicityViolation when that check failed.
func (r *Report) Err() error {
	errs := r.Errors()
	if len(errs) == 0 {
		return nil
	}
	err := fmt.Errorf("%w: %s: %d error(s), first: %s", ErrVerificationFailed, r.Subject, len(errs), errs[0].Message)
	if r.Has(CheckAtomicity, SeverityError) {
		return errors.Join(err, ErrAtomicityViolation)
	}
	return err
}

// Merge combines reports into one
func Merge(subject string, reports ...*Report) *Report {
	out := newReport(subject)
	for _, r := range reports {
		for _, f := range r.Findings {
			f.Message = r.Subject + ": " + f.Message
			out.Findings = append(out.Findings, f)
		}
	}
	return out.finish()
}
