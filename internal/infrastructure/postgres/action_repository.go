package postgres

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domainAction "github.com/constituent/constituent/internal/domain/action"
)

// ActionRepository implements action.Repository on Postgres.
type ActionRepository struct {
	pool *pgxpool.Pool
}

func NewActionRepository(pool *pgxpool.Pool) *ActionRepository {
	return &ActionRepository{pool: pool}
}

const actionColumns = `id, action_type, params, level, status, retry_count, max_retries, result, last_error, approved_by, rejected_reason, trace_id, created_at, executed_at, decided_at, retry_at`

func (r *ActionRepository) Create(ctx context.Context, a *domainAction.Action) error {
	params, err := json.Marshal(a.Params)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO actions
		(action_type, params, level, status, retry_count, max_retries, result, last_error, approved_by, rejected_reason, trace_id, created_at, executed_at, decided_at, retry_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING id
	`, a.ActionType, params, a.Level, a.Status, a.RetryCount, a.MaxRetries, a.Result, a.LastError, a.ApprovedBy, a.RejectedReason, a.TraceID, a.CreatedAt, a.ExecutedAt, a.DecidedAt, a.RetryAt).Scan(&a.ID)
}

func (r *ActionRepository) GetByID(ctx context.Context, id int64) (*domainAction.Action, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=$1`, id)
	return scanAction(row)
}

func (r *ActionRepository) List(ctx context.Context, filter domainAction.Filter, limit, offset int) ([]*domainAction.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions`
	args := []interface{}{}
	idx := 1
	if filter.Status != nil {
		query += addWhere(query) + " status=$" + itoa(idx)
		args = append(args, *filter.Status)
		idx++
	}
	if filter.Level != nil {
		query += addWhere(query) + " level=$" + itoa(idx)
		args = append(args, *filter.Level)
		idx++
	}
	if filter.ActionType != nil {
		query += addWhere(query) + " action_type=$" + itoa(idx)
		args = append(args, *filter.ActionType)
		idx++
	}
	if filter.Since != nil {
		query += addWhere(query) + " created_at >= $" + itoa(idx)
		args = append(args, *filter.Since)
		idx++
	}
	if filter.Until != nil {
		query += addWhere(query) + " created_at <= $" + itoa(idx)
		args = append(args, *filter.Until)
		idx++
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT $" + itoa(idx) + " OFFSET $" + itoa(idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActions(rows)
}

// Update persists the action only when the stored status still matches
// expected; a mismatch means another writer won the transition race.
func (r *ActionRepository) Update(ctx context.Context, a *domainAction.Action, expected domainAction.Status) error {
	params, err := json.Marshal(a.Params)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE actions
		SET status=$1, retry_count=$2, result=$3, last_error=$4, approved_by=$5, rejected_reason=$6, executed_at=$7, decided_at=$8, retry_at=$9, params=$10
		WHERE id=$11 AND status=$12
	`, a.Status, a.RetryCount, a.Result, a.LastError, a.ApprovedBy, a.RejectedReason, a.ExecutedAt, a.DecidedAt, a.RetryAt, params, a.ID, expected)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domainAction.ErrConflict
	}
	return nil
}

func (r *ActionRepository) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domainAction.Action, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+actionColumns+` FROM actions
		WHERE status=$1 AND retry_at <= $2
		ORDER BY retry_at ASC
		LIMIT $3
	`, domainAction.StatusRetryScheduled, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActions(rows)
}

func (r *ActionRepository) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]*domainAction.Action, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+actionColumns+` FROM actions
		WHERE status=$1 AND created_at <= $2
		ORDER BY created_at ASC
		LIMIT $3
	`, domainAction.StatusPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActions(rows)
}

func (r *ActionRepository) RecordTransition(ctx context.Context, tr *domainAction.StateTransition) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO action_state_transitions (action_id, from_status, to_status, transitioned_at, reason, actor)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, tr.ActionID, tr.FromStatus, tr.ToStatus, tr.TransitionedAt, tr.Reason, tr.Actor)
	return err
}

func (r *ActionRepository) GetTransitions(ctx context.Context, actionID int64) ([]*domainAction.StateTransition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, action_id, from_status, to_status, transitioned_at, reason, actor
		FROM action_state_transitions WHERE action_id=$1 ORDER BY transitioned_at ASC, id ASC
	`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var transitions []*domainAction.StateTransition
	for rows.Next() {
		var tr domainAction.StateTransition
		if err := rows.Scan(&tr.ID, &tr.ActionID, &tr.FromStatus, &tr.ToStatus, &tr.TransitionedAt, &tr.Reason, &tr.Actor); err != nil {
			return nil, err
		}
		transitions = append(transitions, &tr)
	}
	return transitions, rows.Err()
}

func collectActions(rows pgx.Rows) ([]*domainAction.Action, error) {
	var actions []*domainAction.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func scanAction(row pgx.Row) (*domainAction.Action, error) {
	var a domainAction.Action
	var params []byte
	if err := row.Scan(&a.ID, &a.ActionType, &params, &a.Level, &a.Status, &a.RetryCount, &a.MaxRetries, &a.Result, &a.LastError, &a.ApprovedBy, &a.RejectedReason, &a.TraceID, &a.CreatedAt, &a.ExecutedAt, &a.DecidedAt, &a.RetryAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &a.Params); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func addWhere(query string) string {
	if strings.Contains(query, " WHERE ") {
		return " AND"
	}
	return " WHERE"
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
