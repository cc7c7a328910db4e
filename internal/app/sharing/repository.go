package sharing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/listkeep/listkeep/internal/app/tasklist"
)

var (
	ErrInviteNotFound = errors.New("invite not found")
	// ErrAlreadyAccepted is the idempotent outcome for a replayed
	// redemption: the clone already happened, nothing is created twice.
	ErrAlreadyAccepted = errors.New("invite has already been accepted")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRevoked  Status = "revoked"
)

// RoleEditor is the only role invites carry today.
const RoleEditor = "editor"

type Invite struct {
	ID        string    `json:"id"`
	ListID    string    `json:"list_id"`
	InviterID string    `json:"inviter_id"`
	Email     string    `json:"email"`
	Token     string    `json:"-"`
	Role      string    `json:"role"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// CloneParams drives the acceptance transaction. NewTaskID is called once
// per copied task so id generation stays injectable in tests.
type CloneParams struct {
	InviteID     string
	SourceListID string
	RecipientID  string
	SlugBase     string
	NewListID    string
	NewTaskID    func() string
}

type Repository interface {
	EnsureSchema(ctx context.Context) error
	CreateInvite(ctx context.Context, invite Invite) error
	FindInviteByToken(ctx context.Context, token string) (Invite, error)
	ListInvitesForUser(ctx context.Context, inviterID string) ([]Invite, error)
	RevokeInvite(ctx context.Context, inviteID string) error
	AcceptAndClone(ctx context.Context, params CloneParams) (tasklist.List, error)
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createInvitesSQL = `
CREATE TABLE IF NOT EXISTS share_invites (
  id text PRIMARY KEY,
  list_id text NOT NULL,
  inviter_id text NOT NULL,
  email text NOT NULL,
  token text NOT NULL UNIQUE,
  role text NOT NULL DEFAULT 'editor',
  status text NOT NULL DEFAULT 'pending',
  created_at timestamptz NOT NULL DEFAULT now()
)`

const selectInviteSQL = `
SELECT id, list_id, inviter_id, email, token, role, status, created_at
FROM share_invites`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.Pool.Exec(ctx, createInvitesSQL)
	return err
}

func (r *PostgresRepository) CreateInvite(ctx context.Context, invite Invite) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO share_invites (id, list_id, inviter_id, email, token, role, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		invite.ID, invite.ListID, invite.InviterID, invite.Email,
		invite.Token, invite.Role, invite.Status, invite.CreatedAt,
	)
	return err
}

func (r *PostgresRepository) FindInviteByToken(ctx context.Context, token string) (Invite, error) {
	var inv Invite
	err := r.Pool.QueryRow(ctx, selectInviteSQL+` WHERE token = $1`, token).Scan(
		&inv.ID, &inv.ListID, &inv.InviterID, &inv.Email,
		&inv.Token, &inv.Role, &inv.Status, &inv.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invite{}, ErrInviteNotFound
		}
		return Invite{}, err
	}
	return inv, nil
}

func (r *PostgresRepository) ListInvitesForUser(ctx context.Context, inviterID string) ([]Invite, error) {
	rows, err := r.Pool.Query(ctx,
		selectInviteSQL+` WHERE inviter_id = $1 ORDER BY created_at DESC, id`,
		inviterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invites := make([]Invite, 0)
	for rows.Next() {
		var inv Invite
		if err := rows.Scan(
			&inv.ID, &inv.ListID, &inv.InviterID, &inv.Email,
			&inv.Token, &inv.Role, &inv.Status, &inv.CreatedAt,
		); err != nil {
			return nil, err
		}
		invites = append(invites, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invites, nil
}

// RevokeInvite moves a pending invite to revoked. Terminal invites are left
// untouched; revoking twice is a no-op.
func (r *PostgresRepository) RevokeInvite(ctx context.Context, inviteID string) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE share_invites SET status = $2 WHERE id = $1 AND status = $3`,
		inviteID, StatusRevoked, StatusPending,
	)
	return err
}

type sourceTask struct {
	Title       string
	Description *string
	DueDate     *time.Time
	Recurring   []byte
	Completed   bool
	Starred     bool
	Position    int
}

// AcceptAndClone runs the whole acceptance as one transaction: copy the
// source list's tasks into a fresh list owned by the recipient, then flip the
// invite to accepted. The status flip is conditional on the invite still
// being pending, so a concurrent redemption makes exactly one of the two
// transactions commit; the loser rolls back its clone and reports
// ErrAlreadyAccepted.
func (r *PostgresRepository) AcceptAndClone(ctx context.Context, p CloneParams) (tasklist.List, error) {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return tasklist.List{}, err
	}
	defer tx.Rollback(ctx)

	tasks, err := readSourceTasks(ctx, tx, p.SourceListID)
	if err != nil {
		return tasklist.List{}, err
	}

	slug, err := resolveSlug(ctx, tx, p.RecipientID, p.SlugBase)
	if err != nil {
		return tasklist.List{}, err
	}

	var position int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM lists WHERE user_id = $1`, p.RecipientID,
	).Scan(&position); err != nil {
		return tasklist.List{}, err
	}

	var sourceName string
	if err := tx.QueryRow(ctx,
		`SELECT name FROM lists WHERE id = $1`, p.SourceListID,
	).Scan(&sourceName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tasklist.List{}, tasklist.ErrNotFound
		}
		return tasklist.List{}, err
	}

	var cloned tasklist.List
	err = tx.QueryRow(ctx,
		`INSERT INTO lists (id, user_id, name, slug, position)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, user_id, name, slug, position, created_at, updated_at`,
		p.NewListID, p.RecipientID, sourceName, slug, position,
	).Scan(&cloned.ID, &cloned.UserID, &cloned.Name, &cloned.Slug,
		&cloned.Position, &cloned.CreatedAt, &cloned.UpdatedAt)
	if err != nil {
		return tasklist.List{}, err
	}

	if len(tasks) > 0 {
		batch := &pgx.Batch{}
		for _, t := range tasks {
			batch.Queue(
				`INSERT INTO tasks (id, user_id, list_id, title, description, due_date,
				                    recurring_config, completed, starred, position)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				p.NewTaskID(), p.RecipientID, cloned.ID, t.Title, t.Description,
				t.DueDate, t.Recurring, t.Completed, t.Starred, t.Position,
			)
		}
		br := tx.SendBatch(ctx, batch)
		for range tasks {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return tasklist.List{}, err
			}
		}
		if err := br.Close(); err != nil {
			return tasklist.List{}, err
		}
	}

	res, err := tx.Exec(ctx,
		`UPDATE share_invites SET status = $2 WHERE id = $1 AND status = $3`,
		p.InviteID, StatusAccepted, StatusPending,
	)
	if err != nil {
		return tasklist.List{}, err
	}
	if res.RowsAffected() == 0 {
		return tasklist.List{}, ErrAlreadyAccepted
	}

	if err := tx.Commit(ctx); err != nil {
		return tasklist.List{}, err
	}
	return cloned, nil
}

// readSourceTasks snapshots the source list ordered by (position, id); clone
// positions are preserved verbatim from this snapshot.
func readSourceTasks(ctx context.Context, tx pgx.Tx, listID string) ([]sourceTask, error) {
	rows, err := tx.Query(ctx,
		`SELECT title, description, due_date, recurring_config, completed, starred, position
		 FROM tasks
		 WHERE list_id = $1
		 ORDER BY position, id`,
		listID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]sourceTask, 0)
	for rows.Next() {
		var t sourceTask
		if err := rows.Scan(&t.Title, &t.Description, &t.DueDate, &t.Recurring,
			&t.Completed, &t.Starred, &t.Position); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// resolveSlug probes candidate slugs inside the clone transaction so the
// check and the insert cannot race. The probe is bounded; exhausting it is
// an internal error, not a user condition.
func resolveSlug(ctx context.Context, tx pgx.Tx, userID, base string) (string, error) {
	slug := base
	for n := 2; n <= tasklist.MaxSlugProbes+1; n++ {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM lists WHERE user_id = $1 AND slug = $2)`,
			userID, slug,
		).Scan(&exists); err != nil {
			return "", err
		}
		if !exists {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, n)
	}
	return "", tasklist.ErrSlugSpaceExhausted
}
