package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/freeshell/conductor/pkg/policy"
)

// SaveConsent upserts a consent and records a consent.granted audit entry.
func (s *SQLiteStore) SaveConsent(ctx context.Context, rec policy.ConsentRecord) error {
	details, err := json.Marshal(map[string]interface{}{
		"subject_name":   rec.SubjectName,
		"content_type":   rec.ContentType,
		"purpose":        rec.Purpose,
		"consent_type":   rec.ConsentType,
		"commercial_use": rec.CommercialUse,
	})
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO consents (
				key, user_id, subject_name, subject_status, content_type, purpose,
				consent_type, commercial_use, third_party_share, proof, granted_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				subject_status = excluded.subject_status,
				purpose = excluded.purpose,
				consent_type = excluded.consent_type,
				commercial_use = excluded.commercial_use,
				third_party_share = excluded.third_party_share,
				proof = excluded.proof,
				granted_at = excluded.granted_at
		`,
			rec.Key(),
			rec.UserID,
			rec.SubjectName,
			rec.SubjectStatus,
			rec.ContentType,
			rec.Purpose,
			rec.ConsentType,
			boolToInt(rec.CommercialUse),
			boolToInt(rec.ThirdPartyShare),
			rec.Proof,
			formatTime(rec.GrantedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save consent: %w", err)
		}

		key := rec.Key()
		detailStr := string(details)
		return createAuditEntry(ctx, tx, &AuditEntry{
			Action:   "consent.granted",
			Actor:    rec.UserID,
			TargetID: &key,
			Details:  &detailStr,
		})
	})
}

// DeleteConsent removes a consent and records a consent.revoked audit entry.
func (s *SQLiteStore) DeleteConsent(ctx context.Context, key string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var userID string
		err := tx.QueryRowContext(ctx, `SELECT user_id FROM consents WHERE key = ?`, key).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", policy.ErrConsentNotFound, key)
		}
		if err != nil {
			return fmt.Errorf("failed to get consent: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM consents WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to delete consent: %w", err)
		}

		return createAuditEntry(ctx, tx, &AuditEntry{
			Action:   "consent.revoked",
			Actor:    userID,
			TargetID: &key,
		})
	})
}

// ListConsents returns every stored consent
func (s *SQLiteStore) ListConsents(ctx context.Context) ([]policy.ConsentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, subject_name, subject_status, content_type, purpose,
		       consent_type, commercial_use, third_party_share, proof, granted_at
		FROM consents
		ORDER BY key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}
	defer rows.Close()

	records := []policy.ConsentRecord{}
	for rows.Next() {
		var (
			rec                    policy.ConsentRecord
			commercial, thirdParty int
			grantedAt              string
		)
		err := rows.Scan(
			&rec.UserID,
			&rec.SubjectName,
			&rec.SubjectStatus,
			&rec.ContentType,
			&rec.Purpose,
			&rec.ConsentType,
			&commercial,
			&thirdParty,
			&rec.Proof,
			&grantedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consent: %w", err)
		}
		rec.CommercialUse = commercial != 0
		rec.ThirdPartyShare = thirdParty != 0
		if rec.GrantedAt, err = parseTime(grantedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating consents: %w", err)
	}
	return records, nil
}

// SaveBlockedUser adds a user to the block list and records a user.blocked audit entry.
func (s *SQLiteStore) SaveBlockedUser(ctx context.Context, userID, reason string) error {
	b, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	details := string(b)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO blocked_users (user_id, reason, blocked_at)
			VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET reason = excluded.reason
		`, userID, reason, formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to block user: %w", err)
		}

		return createAuditEntry(ctx, tx, &AuditEntry{
			Action:   "user.blocked",
			Actor:    "system",
			TargetID: &userID,
			Details:  &details,
		})
	})
}

// ListBlockedUsers returns blocked user ids mapped to the block reason
func (s *SQLiteStore) ListBlockedUsers(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, reason FROM blocked_users`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked users: %w", err)
	}
	defer rows.Close()

	blocked := make(map[string]string)
	for rows.Next() {
		var userID, reason string
		if err := rows.Scan(&userID, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan blocked user: %w", err)
		}
		blocked[userID] = reason
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocked users: %w", err)
	}
	return blocked, nil
}
