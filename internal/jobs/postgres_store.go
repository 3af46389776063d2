package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/yourusername/doc-forge/internal/database"
)

// PostgresDB は PostgresStore が必要とする接続です。*pgxpool.Pool が満たします。
type PostgresDB interface {
	database.DBTX
	database.TxBeginner
}

// PostgresStore はタスクを PostgreSQL に保存します。
// Update は SELECT ... FOR UPDATE で行をロックして読み書きします。
type PostgresStore struct {
	db PostgresDB
}

// NewPostgresStore は PostgresStore を作成します。
func NewPostgresStore(db PostgresDB) *PostgresStore {
	return &PostgresStore{db: db}
}

const taskColumns = `id, kind, state, progress, stage, error_code, error_message, result, meta,
	owner, inputs, params, attempt, created_at, updated_at, started_at, completed_at`

func (s *PostgresStore) Insert(ctx context.Context, t *Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		args...,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("insert task %s: %w", t.ID, ErrConflict)
		}
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Task, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	task, err := scanTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, mutate func(t *Task) error) (*Task, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	var updated *Task
	err := database.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock task %s: %w", id, err)
		}
		if err := mutate(task); err != nil {
			return err
		}
		args, err := taskArgs(task)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE tasks SET
				kind = $2, state = $3, progress = $4, stage = $5, error_code = $6, error_message = $7,
				result = $8, meta = $9, owner = $10, inputs = $11, params = $12, attempt = $13,
				created_at = $14, updated_at = $15, started_at = $16, completed_at = $17
			WHERE id = $1`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("update task %s: %w", id, err)
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Owner != "" {
		add("owner = $%d", filter.Owner)
	}
	if filter.State != "" {
		add("state = $%d", string(filter.State))
	}
	if filter.Kind != "" {
		add("kind = $%d", string(filter.Kind))
	}
	if !filter.UpdatedBefore.IsZero() {
		add("updated_at < $%d", filter.UpdatedBefore)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	if filter.Owner != "" {
		query += ` ORDER BY created_at DESC`
	} else {
		query += ` ORDER BY updated_at ASC`
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM tasks
		WHERE state IN ('completed', 'failed') AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func taskArgs(t *Task) ([]any, error) {
	var (
		errCode, errMessage *string
		result, meta        []byte
		err                 error
	)
	if t.Error != nil {
		errCode, errMessage = &t.Error.Code, &t.Error.Message
	}
	if t.Result != nil {
		if result, err = json.Marshal(t.Result); err != nil {
			return nil, err
		}
	}
	if t.Meta != nil {
		if meta, err = json.Marshal(t.Meta); err != nil {
			return nil, err
		}
	}
	params := []byte("{}")
	if t.Params != nil {
		if params, err = json.Marshal(t.Params); err != nil {
			return nil, err
		}
	}
	inputs := t.Inputs
	if inputs == nil {
		inputs = []string{}
	}
	return []any{
		t.ID, string(t.Kind), string(t.State), t.Progress, t.Stage, errCode, errMessage,
		result, meta, t.Owner, inputs, params, t.Attempt,
		t.CreatedAt, t.UpdatedAt, t.StartedAt, t.CompletedAt,
	}, nil
}

func scanTask(row pgx.Row) (*Task, error) {
	var (
		t                   Task
		kind, state         string
		errCode, errMessage *string
		result, meta        []byte
		params              []byte
	)
	if err := row.Scan(
		&t.ID, &kind, &state, &t.Progress, &t.Stage, &errCode, &errMessage, &result, &meta,
		&t.Owner, &t.Inputs, &params, &t.Attempt, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt,
	); err != nil {
		return nil, err
	}
	t.Kind = Kind(kind)
	t.State = State(state)
	if errCode != nil {
		t.Error = &ErrorInfo{Code: *errCode}
		if errMessage != nil {
			t.Error.Message = *errMessage
		}
	}
	if len(result) > 0 {
		t.Result = &ResultRef{}
		if err := json.Unmarshal(result, t.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Meta); err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	return &t, nil
}
