package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/freeshell/conductor/pkg/orchestrator"
)

// Validator checks decoded configuration and incoming requests with struct
// tags. Field names in messages are the JSON names.
type Validator struct {
	validate *validator.Validate
}

var _ orchestrator.RequestValidator = (*Validator)(nil)

// NewValidator creates a validator with the duration tag registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Registration only fails for an empty tag or a nil func.
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	return &Validator{validate: v}
}

// ValidateRequest implements orchestrator.RequestValidator. Failures are
// validation errors listing every offending field.
func (v *Validator) ValidateRequest(req orchestrator.Request) error {
	err := v.validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return orchestrator.NewValidationError("invalid request", err)
	}

	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fieldPath(fe))
	}
	return orchestrator.NewValidationError(describe(fieldErrs), err).WithDetail("fields", fields)
}

// ValidateConfig checks struct tags and the cross-field rules tags cannot
// express: unique engine names, valid plans and fallback chain, and a plan for
// the default intent.
func (v *Validator) ValidateConfig(cfg *Config) error {
	if err := v.validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			return errors.New(describe(fieldErrs))
		}
		return err
	}

	seen := make(map[string]bool, len(cfg.Engines))
	for _, e := range cfg.Engines {
		if seen[e.Name] {
			return fmt.Errorf("duplicate engine name: %s", e.Name)
		}
		seen[e.Name] = true
	}

	for intent, specs := range cfg.Plans {
		if err := orchestrator.ValidatePlan(specs); err != nil {
			return fmt.Errorf("plan %s: %w", intent, err)
		}
	}

	if _, err := cfg.Chain(); err != nil {
		return err
	}

	if _, ok := cfg.PlanTable()[cfg.Intents.Default]; !ok {
		return fmt.Errorf("default intent %s has no plan", cfg.Intents.Default)
	}
	return nil
}

// fieldPath drops the root struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(errs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(errs))
	for _, fe := range errs {
		msg := fmt.Sprintf("%s failed on '%s'", fieldPath(fe), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s failed on '%s=%s'", fieldPath(fe), fe.Tag(), fe.Param())
		}
		msgs = append(msgs, msg)
	}
	return strings.Join(msgs, "; ")
}
