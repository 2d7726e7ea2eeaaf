package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/freeshell/conductor/pkg/orchestrator"
)

// SaveSnapshot upserts a task and replaces its state history. It implements
// orchestrator.Snapshotter.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap orchestrator.TaskSnapshot) error {
	request, err := json.Marshal(snap.Request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	steps, err := json.Marshal(snap.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}
	var result *string
	if snap.Result != nil {
		b, err := json.Marshal(snap.Result)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		encoded := string(b)
		result = &encoded
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, intent, state, fallback_used, request, steps, result, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				intent = excluded.intent,
				state = excluded.state,
				fallback_used = excluded.fallback_used,
				request = excluded.request,
				steps = excluded.steps,
				result = excluded.result,
				updated_at = excluded.updated_at
		`,
			snap.TaskID,
			snap.Intent,
			string(snap.State),
			boolToInt(snap.FallbackUsed),
			string(request),
			string(steps),
			result,
			formatTime(snap.CreatedAt),
			formatTime(snap.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM task_history WHERE task_id = ?`, snap.TaskID); err != nil {
			return fmt.Errorf("failed to clear task history: %w", err)
		}

		for i, h := range snap.History {
			var metadata *string
			if len(h.Metadata) > 0 {
				b, err := json.Marshal(h.Metadata)
				if err != nil {
					return fmt.Errorf("failed to encode history metadata: %w", err)
				}
				encoded := string(b)
				metadata = &encoded
			}

			_, err := tx.ExecContext(ctx, `
				INSERT INTO task_history (task_id, seq, state, step_id, engine, error, metadata, timestamp)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`,
				snap.TaskID,
				i,
				string(h.State),
				nullString(h.StepID),
				nullString(h.Engine),
				nullString(h.Error),
				metadata,
				formatTime(h.Timestamp),
			)
			if err != nil {
				return fmt.Errorf("failed to save task history: %w", err)
			}
		}
		return nil
	})
}

// GetSnapshot loads a persisted task. Unknown ids wrap orchestrator.ErrTaskNotFound.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, taskID string) (*orchestrator.TaskSnapshot, error) {
	var (
		snap           orchestrator.TaskSnapshot
		state, request string
		steps          string
		created, upd   string
		fallbackUsed   int
		result         sql.NullString
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT id, intent, state, fallback_used, request, steps, result, created_at, updated_at
		FROM tasks
		WHERE id = ?
	`, taskID).Scan(
		&snap.TaskID,
		&snap.Intent,
		&state,
		&fallbackUsed,
		&request,
		&steps,
		&result,
		&created,
		&upd,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	snap.State = orchestrator.TaskState(state)
	snap.FallbackUsed = fallbackUsed != 0
	if err := json.Unmarshal([]byte(request), &snap.Request); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &snap.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	if result.Valid {
		snap.Result = &orchestrator.Envelope{}
		if err := json.Unmarshal([]byte(result.String), snap.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
	}
	if snap.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if snap.UpdatedAt, err = parseTime(upd); err != nil {
		return nil, err
	}

	if snap.History, err = s.history(ctx, taskID); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLiteStore) history(ctx context.Context, taskID string) ([]orchestrator.StateContext, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, step_id, engine, error, metadata, timestamp
		FROM task_history
		WHERE task_id = ?
		ORDER BY seq ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task history: %w", err)
	}
	defer rows.Close()

	history := []orchestrator.StateContext{}
	for rows.Next() {
		var (
			h                      orchestrator.StateContext
			state, ts              string
			stepID, engine, errMsg sql.NullString
			metadata               sql.NullString
		)
		if err := rows.Scan(&state, &stepID, &engine, &errMsg, &metadata, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan task history: %w", err)
		}
		h.State = orchestrator.TaskState(state)
		h.StepID = stepID.String
		h.Engine = engine.String
		h.Error = errMsg.String
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &h.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode history metadata: %w", err)
			}
		}
		if h.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		history = append(history, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task history: %w", err)
	}
	return history, nil
}

// ListTasks lists persisted tasks, newest first
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskSummary, error) {
	query := `
		SELECT id, intent, state, fallback_used, created_at, updated_at
		FROM tasks
		WHERE (? = '' OR state = ?)
		  AND (? = '' OR intent = ?)
		  AND (? = '' OR created_at >= ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	var since string
	if !filter.Since.IsZero() {
		since = formatTime(filter.Since)
	}
	state := string(filter.State)

	rows, err := s.db.QueryContext(ctx, query,
		state, state,
		filter.Intent, filter.Intent,
		since, since,
		limitOrAll(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*TaskSummary{}
	for rows.Next() {
		t := &TaskSummary{}
		var rowState, created, updated string
		var fallbackUsed int
		if err := rows.Scan(&t.ID, &t.Intent, &rowState, &fallbackUsed, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.State = orchestrator.TaskState(rowState)
		t.FallbackUsed = fallbackUsed != 0
		if t.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if t.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// DeleteTasksBefore removes tasks last updated before the cutoff together
// with their history and events.
func (s *SQLiteStore) DeleteTasksBefore(ctx context.Context, before time.Time) (int64, error) {
	cutoff := formatTime(before)
	var deleted int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM events WHERE task_id IN (SELECT id FROM tasks WHERE updated_at < ?)`, cutoff); err != nil {
			return fmt.Errorf("failed to delete task events: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE updated_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to delete tasks: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
