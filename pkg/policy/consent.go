package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// DefaultConsentMaxAge is how long a consent stays valid after it was granted.
const DefaultConsentMaxAge = 365 * 24 * time.Hour

var (
	// ErrInvalidConsent is returned for consents that fail validation.
	ErrInvalidConsent = errors.New("invalid consent")

	// ErrConsentNotFound is returned when revoking an unknown consent.
	ErrConsentNotFound = errors.New("consent not found")
)

// ConsentRecord is a consent granted for one user, subject and content type.
type ConsentRecord struct {
	UserID          string    `json:"user_id" yaml:"user_id" validate:"required,max=128"`
	SubjectName     string    `json:"subject_name" yaml:"subject_name" validate:"required,max=256"`
	SubjectStatus   string    `json:"subject_status,omitempty" yaml:"subject_status,omitempty" validate:"omitempty,oneof=living deceased historical fictional"`
	ContentType     string    `json:"content_type" yaml:"content_type" validate:"required,oneof=voice image video text memorial"`
	Purpose         string    `json:"purpose" yaml:"purpose" validate:"required,oneof=personal personal_archive memorial educational commercial unknown"`
	ConsentType     string    `json:"consent_type" yaml:"consent_type" validate:"required,oneof=self legal_guardian family"`
	CommercialUse   bool      `json:"commercial_use" yaml:"commercial_use"`
	ThirdPartyShare bool      `json:"third_party_share" yaml:"third_party_share"`
	Proof           string    `json:"proof,omitempty" yaml:"proof,omitempty"`
	GrantedAt       time.Time `json:"granted_at" yaml:"granted_at"`
}

// Key identifies the record in the registry.
func (c ConsentRecord) Key() string {
	return ConsentKey(c.UserID, c.SubjectName, c.ContentType)
}

// ConsentKey builds the registry key for a user, subject and content type.
func ConsentKey(userID, subjectName, contentType string) string {
	return userID + ":" + subjectName + ":" + contentType
}

// ConsentStore persists consents and the user block list.
type ConsentStore interface {
	SaveConsent(ctx context.Context, rec ConsentRecord) error
	DeleteConsent(ctx context.Context, key string) error
	ListConsents(ctx context.Context) ([]ConsentRecord, error)
	SaveBlockedUser(ctx context.Context, userID, reason string) error
	ListBlockedUsers(ctx context.Context) (map[string]string, error)
}

var consentValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateConsent checks field formats and the subject rules: memorials are
// only for subjects who are not alive and need guardian or family consent,
// and living subjects can only consent for themselves.
func ValidateConsent(rec ConsentRecord) error {
	if err := consentValidator.Struct(rec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConsent, err)
	}

	if rec.Purpose == "memorial" || rec.ContentType == "memorial" {
		if rec.SubjectStatus == "living" {
			return fmt.Errorf("%w: memorial consent cannot cover a living subject", ErrInvalidConsent)
		}
		if rec.ConsentType != "legal_guardian" && rec.ConsentType != "family" {
			return fmt.Errorf("%w: memorial consent must come from a legal guardian or family member", ErrInvalidConsent)
		}
	}
	if rec.SubjectStatus == "living" && rec.ConsentType != "self" {
		return fmt.Errorf("%w: a living subject must consent for themselves", ErrInvalidConsent)
	}
	return nil
}

// ConsentRegistry holds granted consents and blocked users in memory, writing
// through to an optional ConsentStore.
type ConsentRegistry struct {
	mu       sync.RWMutex
	consents map[string]ConsentRecord
	blocked  map[string]string
	store    ConsentStore
	maxAge   time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewConsentRegistry creates a registry. store may be nil.
func NewConsentRegistry(store ConsentStore, logger zerolog.Logger) *ConsentRegistry {
	return &ConsentRegistry{
		consents: make(map[string]ConsentRecord),
		blocked:  make(map[string]string),
		store:    store,
		maxAge:   DefaultConsentMaxAge,
		now:      time.Now,
		logger:   logger.With().Str("component", "consent-registry").Logger(),
	}
}

// Load replaces the in-memory state with the store contents.
func (r *ConsentRegistry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	records, err := r.store.ListConsents(ctx)
	if err != nil {
		return fmt.Errorf("failed to load consents: %w", err)
	}
	blocked, err := r.store.ListBlockedUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load blocked users: %w", err)
	}

	consents := make(map[string]ConsentRecord, len(records))
	for _, rec := range records {
		consents[rec.Key()] = rec
	}

	r.mu.Lock()
	r.consents = consents
	r.blocked = blocked
	if r.blocked == nil {
		r.blocked = make(map[string]string)
	}
	r.mu.Unlock()

	r.logger.Info().Int("consents", len(consents)).Int("blocked_users", len(blocked)).Msg("Consents loaded")
	return nil
}

// Grant validates and records a consent. A zero GrantedAt is set to now.
func (r *ConsentRegistry) Grant(ctx context.Context, rec ConsentRecord) (ConsentRecord, error) {
	if rec.GrantedAt.IsZero() {
		rec.GrantedAt = r.now()
	}
	if err := ValidateConsent(rec); err != nil {
		return ConsentRecord{}, err
	}

	if r.store != nil {
		if err := r.store.SaveConsent(ctx, rec); err != nil {
			return ConsentRecord{}, fmt.Errorf("failed to persist consent: %w", err)
		}
	}

	r.mu.Lock()
	r.consents[rec.Key()] = rec
	r.mu.Unlock()

	r.logger.Info().
		Str("user_id", rec.UserID).
		Str("subject", rec.SubjectName).
		Str("content_type", rec.ContentType).
		Str("consent_type", rec.ConsentType).
		Msg("Consent granted")
	return rec, nil
}

// Revoke removes a consent.
func (r *ConsentRegistry) Revoke(ctx context.Context, userID, subjectName, contentType string) error {
	key := ConsentKey(userID, subjectName, contentType)

	r.mu.RLock()
	_, ok := r.consents[key]
	r.mu.RUnlock()
	if !ok {
		return ErrConsentNotFound
	}

	if r.store != nil {
		if err := r.store.DeleteConsent(ctx, key); err != nil {
			return fmt.Errorf("failed to delete consent: %w", err)
		}
	}

	r.mu.Lock()
	delete(r.consents, key)
	r.mu.Unlock()
	return nil
}

// Lookup returns the consent covering the given use. Consents for another
// purpose or older than the maximum age do not count.
func (r *ConsentRegistry) Lookup(userID, subjectName, contentType, purpose string) (ConsentRecord, bool) {
	r.mu.RLock()
	rec, ok := r.consents[ConsentKey(userID, subjectName, contentType)]
	r.mu.RUnlock()

	if !ok || rec.Purpose != purpose {
		return ConsentRecord{}, false
	}
	if r.now().Sub(rec.GrantedAt) > r.maxAge {
		return ConsentRecord{}, false
	}
	return rec, true
}

// List returns every consent sorted by key.
func (r *ConsentRegistry) List() []ConsentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ConsentRecord, 0, len(r.consents))
	for _, rec := range r.consents {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Block adds a user to the block list.
func (r *ConsentRegistry) Block(ctx context.Context, userID, reason string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	if r.store != nil {
		if err := r.store.SaveBlockedUser(ctx, userID, reason); err != nil {
			return fmt.Errorf("failed to persist blocked user: %w", err)
		}
	}

	r.mu.Lock()
	r.blocked[userID] = reason
	r.mu.Unlock()

	r.logger.Warn().Str("user_id", userID).Str("reason", reason).Msg("User blocked")
	return nil
}

// IsBlocked reports whether userID is on the block list.
func (r *ConsentRegistry) IsBlocked(userID string) bool {
	if userID == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blocked[userID]
	return ok
}
