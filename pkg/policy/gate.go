package policy

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeshell/conductor/pkg/orchestrator"
)

// Gate admits or denies orchestrator requests by evaluating the policy
// engine against the request and the consent on record.
type Gate struct {
	engine   *Engine
	consents *ConsentRegistry
	now      func() time.Time
	logger   zerolog.Logger
}

var _ orchestrator.PolicyGate = (*Gate)(nil)

// NewGate creates a gate. consents may be nil, in which case only consent
// declared inline with the request counts.
func NewGate(engine *Engine, consents *ConsentRegistry, logger zerolog.Logger) *Gate {
	return &Gate{
		engine:   engine,
		consents: consents,
		now:      time.Now,
		logger:   logger.With().Str("component", "policy-gate").Logger(),
	}
}

// Check implements orchestrator.PolicyGate.
func (g *Gate) Check(ctx context.Context, req orchestrator.Request) (orchestrator.GateDecision, error) {
	res, err := g.Evaluate(ctx, req)
	if err != nil {
		return orchestrator.GateDecision{}, err
	}
	return Decision(res), nil
}

// Evaluate returns the full policy result for req.
func (g *Gate) Evaluate(ctx context.Context, req orchestrator.Request) (*Result, error) {
	input := g.Input(req)
	res, err := g.engine.Evaluate(ctx, input)
	if err != nil {
		return nil, err
	}

	if !res.Allowed {
		g.logger.Warn().
			Str("user_id", req.UserID).
			Str("content_type", input.ContentType).
			Str("purpose", input.Purpose).
			Int("violations", len(res.Violations)).
			Msg("Request denied by policy")
	}
	return res, nil
}

// Input builds the policy input document for req.
func (g *Gate) Input(req orchestrator.Request) Input {
	purpose := req.Purpose
	if purpose == "" {
		purpose = "unknown"
	}

	in := Input{
		Prompt:        strings.ToLower(req.Prompt),
		ContentType:   ContentTypeFor(req),
		Purpose:       purpose,
		SubjectName:   req.SubjectName,
		SubjectStatus: req.SubjectStatus,
		UserID:        req.UserID,
	}

	switch {
	case req.Consent != nil:
		if req.Consent.GrantedAt.IsZero() || g.now().Sub(req.Consent.GrantedAt) <= DefaultConsentMaxAge {
			in.Consent = ConsentInput{
				Present:       true,
				Type:          req.Consent.Type,
				CommercialUse: req.Consent.CommercialUse,
			}
		}
	case g.consents != nil && req.SubjectName != "" && req.UserID != "":
		if rec, ok := g.consents.Lookup(req.UserID, req.SubjectName, in.ContentType, purpose); ok {
			in.Consent = ConsentInput{
				Present:       true,
				Type:          rec.ConsentType,
				CommercialUse: rec.CommercialUse,
			}
		}
	}

	if g.consents != nil {
		in.UserBlocked = g.consents.IsBlocked(req.UserID)
	}
	return in
}

// ContentTypeFor maps a request onto the consent content types.
func ContentTypeFor(req orchestrator.Request) string {
	if req.Purpose == "memorial" {
		return "memorial"
	}
	switch strings.ToLower(req.Type) {
	case "shortform", "video", "motion":
		return "video"
	case "image":
		return "image"
	case "voice":
		return "voice"
	default:
		return "text"
	}
}

// Decision converts a policy result into a gate decision. The message joins
// every blocking reason; the required action is the first one named.
func Decision(res *Result) orchestrator.GateDecision {
	d := orchestrator.GateDecision{Allowed: res.Allowed}

	for _, w := range res.Warnings {
		d.Warnings = append(d.Warnings, w.Message)
	}

	if res.Allowed {
		d.Message = "Request allowed"
		return d
	}

	reasons := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		reasons = append(reasons, v.Message)
		if d.RequiredAction == "" && v.RequiredAction != "" {
			d.RequiredAction = v.RequiredAction
		}
	}
	d.Message = strings.Join(reasons, "; ")
	return d
}
