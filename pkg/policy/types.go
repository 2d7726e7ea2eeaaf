package policy

import (
	"time"
)

// Severity represents the severity level of a policy finding.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but never block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the request.
	SeverityError Severity = "error"

	// SeverityCritical blocks the request and flags it for review.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether findings of this severity deny a request.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module evaluated against every request. A policy
// contributes findings through `deny` and `warn` partial set rules.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego module source.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for findings that do not carry one.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Builtin marks policies shipped with the binary.
	Builtin bool `json:"builtin" yaml:"builtin"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// Violation is a single policy finding.
type Violation struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	// Rule identifies the rule inside the policy.
	Rule string `json:"rule,omitempty"`

	// Message is a human-readable message.
	Message string `json:"message"`

	// Severity is the finding severity.
	Severity Severity `json:"severity"`

	// RequiredAction names what the caller must do to resolve the finding.
	RequiredAction string `json:"required_action,omitempty"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations are the blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are the non-blocking findings.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the policies that ran, in evaluation order.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation finished.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	// Prompt is the lower-cased request prompt.
	Prompt string `json:"prompt"`

	// ContentType is voice, image, video, text or memorial.
	ContentType string `json:"content_type"`

	// Purpose is the declared purpose, or "unknown".
	Purpose string `json:"purpose"`

	// SubjectName names the depicted person, if any.
	SubjectName string `json:"subject_name"`

	// SubjectStatus is living, deceased, historical, fictional or empty.
	SubjectStatus string `json:"subject_status"`

	// UserID identifies the caller.
	UserID string `json:"user_id"`

	// UserBlocked is true when the caller is on the block list.
	UserBlocked bool `json:"user_blocked"`

	// Consent describes the consent on record for the subject.
	Consent ConsentInput `json:"consent"`
}

// ConsentInput is the consent part of Input.
type ConsentInput struct {
	// Present is true when a valid consent covers the request.
	Present bool `json:"present"`

	// Type is self, legal_guardian or family.
	Type string `json:"type,omitempty"`

	// CommercialUse allows commercial use.
	CommercialUse bool `json:"commercial_use"`
}
