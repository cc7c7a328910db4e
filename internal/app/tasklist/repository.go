package tasklist

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrOrderMismatch means a reorder sequence did not cover its scope
	// exactly: an id was missing, or positions would no longer be dense.
	ErrOrderMismatch = errors.New("order must include every id in the scope exactly once")
)

type List struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Task struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	ListID      string          `json:"list_id"`
	Title       string          `json:"title"`
	Description *string         `json:"description,omitempty"`
	DueDate     *time.Time      `json:"due_date,omitempty"`
	Recurring   json.RawMessage `json:"recurring_config,omitempty"`
	Completed   bool            `json:"completed"`
	Starred     bool            `json:"starred"`
	Position    int             `json:"position"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type Repository interface {
	EnsureSchema(ctx context.Context) error

	ListLists(ctx context.Context, userID string) ([]List, error)
	GetList(ctx context.Context, listID string) (List, error)
	CreateList(ctx context.Context, list List) error
	UpdateListName(ctx context.Context, userID, listID, name string) error
	DeleteList(ctx context.Context, userID, listID string) error
	ReorderLists(ctx context.Context, userID string, ids []string) error
	CountLists(ctx context.Context, userID string) (int, error)
	SlugExists(ctx context.Context, userID, slug string) (bool, error)

	ListTasks(ctx context.Context, userID string) ([]Task, error)
	GetTask(ctx context.Context, taskID string) (Task, error)
	CreateTask(ctx context.Context, task Task) error
	UpdateTask(ctx context.Context, task Task) error
	DeleteTask(ctx context.Context, userID, taskID string) error
	ReorderTasks(ctx context.Context, userID, listID string, ids []string) error
	PurgeCompleted(ctx context.Context, userID, listID string) (int64, error)
	CountTasks(ctx context.Context, userID, listID string) (int, error)
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createListsSQL = `
CREATE TABLE IF NOT EXISTS lists (
  id text PRIMARY KEY,
  user_id text NOT NULL,
  name text NOT NULL,
  slug text NOT NULL,
  position integer NOT NULL DEFAULT 0,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now(),
  UNIQUE (user_id, slug)
)`

const createTasksSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  id text PRIMARY KEY,
  user_id text NOT NULL,
  list_id text NOT NULL REFERENCES lists(id) ON DELETE CASCADE,
  title text NOT NULL,
  description text,
  due_date timestamptz,
  recurring_config jsonb,
  completed boolean NOT NULL DEFAULT false,
  starred boolean NOT NULL DEFAULT false,
  position integer NOT NULL DEFAULT 0,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const createTasksListIndexSQL = `
CREATE INDEX IF NOT EXISTS tasks_user_list_idx ON tasks (user_id, list_id, position, id)`

// renumberListsSQL rewrites a user's list positions to 0..n-1 following the
// current (position, id) order, closing any gap left by a deletion.
const renumberListsSQL = `
UPDATE lists SET position = ranked.new_pos, updated_at = now()
FROM (
  SELECT id, ROW_NUMBER() OVER (ORDER BY position, id) - 1 AS new_pos
  FROM lists WHERE user_id = $1
) ranked
WHERE lists.id = ranked.id AND lists.position <> ranked.new_pos`

const renumberTasksSQL = `
UPDATE tasks SET position = ranked.new_pos, updated_at = now()
FROM (
  SELECT id, ROW_NUMBER() OVER (ORDER BY position, id) - 1 AS new_pos
  FROM tasks WHERE user_id = $1 AND list_id = $2
) ranked
WHERE tasks.id = ranked.id AND tasks.position <> ranked.new_pos`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createListsSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createTasksSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createTasksListIndexSQL); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRepository) ListLists(ctx context.Context, userID string) ([]List, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT id, user_id, name, slug, position, created_at, updated_at
		 FROM lists
		 WHERE user_id = $1
		 ORDER BY position, id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lists := make([]List, 0)
	for rows.Next() {
		var l List
		if err := rows.Scan(&l.ID, &l.UserID, &l.Name, &l.Slug, &l.Position, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		lists = append(lists, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lists, nil
}

func (r *PostgresRepository) GetList(ctx context.Context, listID string) (List, error) {
	var l List
	err := r.Pool.QueryRow(ctx,
		`SELECT id, user_id, name, slug, position, created_at, updated_at
		 FROM lists WHERE id = $1`,
		listID,
	).Scan(&l.ID, &l.UserID, &l.Name, &l.Slug, &l.Position, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return List{}, ErrNotFound
		}
		return List{}, err
	}
	return l, nil
}

func (r *PostgresRepository) CreateList(ctx context.Context, list List) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO lists (id, user_id, name, slug, position) VALUES ($1, $2, $3, $4, $5)`,
		list.ID, list.UserID, list.Name, list.Slug, list.Position,
	)
	return err
}

func (r *PostgresRepository) UpdateListName(ctx context.Context, userID, listID, name string) error {
	res, err := r.Pool.Exec(ctx,
		`UPDATE lists SET name = $3, updated_at = now() WHERE id = $1 AND user_id = $2`,
		listID, userID, name,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteList removes a list and all of its tasks in one transaction, then
// closes the position gap among the owner's remaining lists.
func (r *PostgresRepository) DeleteList(ctx context.Context, userID, listID string) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM tasks WHERE list_id = $1 AND user_id = $2`,
		listID, userID,
	); err != nil {
		return err
	}
	res, err := tx.Exec(ctx,
		`DELETE FROM lists WHERE id = $1 AND user_id = $2`,
		listID, userID,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, renumberListsSQL, userID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) ReorderLists(ctx context.Context, userID string, ids []string) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for idx, id := range ids {
		res, err := tx.Exec(ctx,
			`UPDATE lists SET position = $3, updated_at = now() WHERE id = $1 AND user_id = $2`,
			id, userID, idx,
		)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return ErrNotFound
		}
	}

	var total int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM lists WHERE user_id = $1`, userID,
	).Scan(&total); err != nil {
		return err
	}
	if total != len(ids) {
		return ErrOrderMismatch
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) CountLists(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM lists WHERE user_id = $1`, userID,
	).Scan(&count)
	return count, err
}

func (r *PostgresRepository) SlugExists(ctx context.Context, userID, slug string) (bool, error) {
	var exists bool
	err := r.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM lists WHERE user_id = $1 AND slug = $2)`,
		userID, slug,
	).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) ListTasks(ctx context.Context, userID string) ([]Task, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT id, user_id, list_id, title, description, due_date, recurring_config,
		        completed, starred, position, created_at, updated_at
		 FROM tasks
		 WHERE user_id = $1
		 ORDER BY list_id, position, id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]Task, 0)
	for rows.Next() {
		var t Task
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.ListID, &t.Title, &t.Description, &t.DueDate,
			&t.Recurring, &t.Completed, &t.Starred, &t.Position, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *PostgresRepository) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	err := r.Pool.QueryRow(ctx,
		`SELECT id, user_id, list_id, title, description, due_date, recurring_config,
		        completed, starred, position, created_at, updated_at
		 FROM tasks WHERE id = $1`,
		taskID,
	).Scan(
		&t.ID, &t.UserID, &t.ListID, &t.Title, &t.Description, &t.DueDate,
		&t.Recurring, &t.Completed, &t.Starred, &t.Position, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, err
	}
	return t, nil
}

func (r *PostgresRepository) CreateTask(ctx context.Context, task Task) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO tasks (id, user_id, list_id, title, description, due_date,
		                    recurring_config, completed, starred, position)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		task.ID, task.UserID, task.ListID, task.Title, task.Description, task.DueDate,
		task.Recurring, task.Completed, task.Starred, task.Position,
	)
	return err
}

func (r *PostgresRepository) UpdateTask(ctx context.Context, task Task) error {
	res, err := r.Pool.Exec(ctx,
		`UPDATE tasks
		 SET title = $3, description = $4, due_date = $5, recurring_config = $6,
		     completed = $7, starred = $8, updated_at = now()
		 WHERE id = $1 AND user_id = $2`,
		task.ID, task.UserID, task.Title, task.Description, task.DueDate,
		task.Recurring, task.Completed, task.Starred,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteTask(ctx context.Context, userID, taskID string) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var listID string
	err = tx.QueryRow(ctx,
		`DELETE FROM tasks WHERE id = $1 AND user_id = $2 RETURNING list_id`,
		taskID, userID,
	).Scan(&listID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if _, err := tx.Exec(ctx, renumberTasksSQL, userID, listID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReorderTasks rewrites positions in the target list to the sequence index.
// Ids owned by the user but sitting in other lists are moved into the target
// list as part of the same transaction, and every list they left is
// renumbered so its positions stay dense.
func (r *PostgresRepository) ReorderTasks(ctx context.Context, userID, listID string, ids []string) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	sources := map[string]struct{}{}
	for idx, id := range ids {
		var prevListID string
		err := tx.QueryRow(ctx,
			`UPDATE tasks SET position = $4, list_id = $3, updated_at = now()
			 FROM (SELECT id, list_id FROM tasks WHERE id = $1 AND user_id = $2) prev
			 WHERE tasks.id = prev.id
			 RETURNING prev.list_id`,
			id, userID, listID, idx,
		).Scan(&prevListID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if prevListID != listID {
			sources[prevListID] = struct{}{}
		}
	}

	var total int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE user_id = $1 AND list_id = $2`,
		userID, listID,
	).Scan(&total); err != nil {
		return err
	}
	if total != len(ids) {
		return ErrOrderMismatch
	}

	for source := range sources {
		if _, err := tx.Exec(ctx, renumberTasksSQL, userID, source); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) PurgeCompleted(ctx context.Context, userID, listID string) (int64, error) {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	res, err := tx.Exec(ctx,
		`DELETE FROM tasks WHERE user_id = $1 AND list_id = $2 AND completed`,
		userID, listID,
	)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, renumberTasksSQL, userID, listID); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (r *PostgresRepository) CountTasks(ctx context.Context, userID, listID string) (int, error) {
	var count int
	err := r.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE user_id = $1 AND list_id = $2`,
		userID, listID,
	).Scan(&count)
	return count, err
}
