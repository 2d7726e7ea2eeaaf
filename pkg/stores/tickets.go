package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/freeshell/conductor/pkg/engines/expert"
)

var _ expert.Queue = (*SQLiteStore)(nil)

// Enqueue persists a hand-off ticket and records a ticket.opened audit entry.
func (s *SQLiteStore) Enqueue(ctx context.Context, ticket expert.Ticket) error {
	request, err := json.Marshal(ticket.Request)
	if err != nil {
		return fmt.Errorf("failed to encode ticket request: %w", err)
	}
	b, err := json.Marshal(map[string]string{"task_id": ticket.TaskID, "failed_step": ticket.FailedStep})
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	details := string(b)
	if ticket.Status == "" {
		ticket.Status = expert.TicketOpen
	}
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = time.Now()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tickets (id, task_id, intent, failed_step, reason, request, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			ticket.ID,
			ticket.TaskID,
			ticket.Intent,
			ticket.FailedStep,
			ticket.Reason,
			string(request),
			string(ticket.Status),
			formatTime(ticket.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save ticket: %w", err)
		}

		id := ticket.ID
		return createAuditEntry(ctx, tx, &AuditEntry{
			Action:   "ticket.opened",
			Actor:    "system",
			TargetID: &id,
			Details:  &details,
		})
	})
}

// GetTicket loads one ticket. Unknown ids wrap expert.ErrTicketNotFound.
func (s *SQLiteStore) GetTicket(ctx context.Context, id string) (*expert.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, intent, failed_step, reason, request, status, resolution, created_at, resolved_at
		FROM tickets
		WHERE id = ?
	`, id)

	ticket, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", expert.ErrTicketNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

// ListTickets lists tickets oldest first. An empty status matches all.
func (s *SQLiteStore) ListTickets(ctx context.Context, status expert.TicketStatus, limit, offset int) ([]*expert.Ticket, error) {
	var statusArg interface{}
	if status != "" {
		statusArg = string(status)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, intent, failed_step, reason, request, status, resolution, created_at, resolved_at
		FROM tickets
		WHERE (? IS NULL OR status = ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?
	`, statusArg, statusArg, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	tickets := []*expert.Ticket{}
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tickets: %w", err)
	}
	return tickets, nil
}

// ResolveTicket closes an open ticket and records a ticket.resolved audit entry.
func (s *SQLiteStore) ResolveTicket(ctx context.Context, id, actor, resolution string) error {
	b, err := json.Marshal(map[string]string{"resolution": resolution})
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	details := string(b)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tickets WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", expert.ErrTicketNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to get ticket: %w", err)
		}
		if expert.TicketStatus(status) == expert.TicketResolved {
			return fmt.Errorf("ticket %s already resolved", id)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tickets SET status = ?, resolution = ?, resolved_at = ? WHERE id = ?
		`, string(expert.TicketResolved), resolution, formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("failed to resolve ticket: %w", err)
		}

		return createAuditEntry(ctx, tx, &AuditEntry{
			Action:   "ticket.resolved",
			Actor:    actor,
			TargetID: &id,
			Details:  &details,
		})
	})
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row scanner) (*expert.Ticket, error) {
	var (
		t               expert.Ticket
		request, status string
		created         string
		resolved        sql.NullString
	)
	err := row.Scan(
		&t.ID,
		&t.TaskID,
		&t.Intent,
		&t.FailedStep,
		&t.Reason,
		&request,
		&status,
		&t.Resolution,
		&created,
		&resolved,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}

	t.Status = expert.TicketStatus(status)
	if err := json.Unmarshal([]byte(request), &t.Request); err != nil {
		return nil, fmt.Errorf("failed to decode ticket request: %w", err)
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if resolved.Valid {
		at, err := parseTime(resolved.String)
		if err != nil {
			return nil, err
		}
		t.ResolvedAt = &at
	}
	return &t, nil
}
