package tasklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nuid"
)

var (
	ErrNameRequired      = errors.New("name is required")
	ErrTitleRequired     = errors.New("title is required")
	ErrListRequired      = errors.New("list_id is required")
	ErrInvalidOrder      = errors.New("order must be a non-empty sequence of unique ids")
	ErrInvalidRecurrence = errors.New("recurring_config must be a JSON object")
	// ErrSlugSpaceExhausted fires when the bounded slug probe runs out of
	// suffixes. Hitting it means something is generating collisions faster
	// than any real user could.
	ErrSlugSpaceExhausted = errors.New("could not find a free slug")
)

// MaxSlugProbes caps the -2, -3, ... suffix search for a free slug.
const MaxSlugProbes = 50

type Service struct {
	Repo  Repository
	NewID func() string
	Now   func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{
		Repo:  repo,
		NewID: nuid.Next,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

type TaskInput struct {
	ListID      string          `json:"list_id"`
	Title       string          `json:"title"`
	Description *string         `json:"description,omitempty"`
	DueDate     *time.Time      `json:"due_date,omitempty"`
	Recurring   json.RawMessage `json:"recurring_config,omitempty"`
	Completed   bool            `json:"completed"`
	Starred     bool            `json:"starred"`
}

func (s *Service) Lists(ctx context.Context, userID string) ([]List, error) {
	return s.Repo.ListLists(ctx, userID)
}

func (s *Service) Tasks(ctx context.Context, userID string) ([]Task, error) {
	return s.Repo.ListTasks(ctx, userID)
}

// CreateList appends a new list at the end of the owner's board. The slug is
// derived from the name and de-duplicated with numeric suffixes; it stays
// stable across later renames.
func (s *Service) CreateList(ctx context.Context, userID, name string) (List, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return List{}, ErrNameRequired
	}

	slug, err := s.freeSlug(ctx, userID, Slugify(name))
	if err != nil {
		return List{}, err
	}
	position, err := s.Repo.CountLists(ctx, userID)
	if err != nil {
		return List{}, err
	}

	now := s.Now()
	list := List{
		ID:        s.NewID(),
		UserID:    userID,
		Name:      name,
		Slug:      slug,
		Position:  position,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Repo.CreateList(ctx, list); err != nil {
		return List{}, err
	}
	return list, nil
}

func (s *Service) RenameList(ctx context.Context, userID, listID, name string) (List, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return List{}, ErrNameRequired
	}
	if err := s.Repo.UpdateListName(ctx, userID, listID, name); err != nil {
		return List{}, err
	}
	return s.Repo.GetList(ctx, listID)
}

func (s *Service) DeleteList(ctx context.Context, userID, listID string) error {
	return s.Repo.DeleteList(ctx, userID, listID)
}

// ReorderLists rewrites positions to match the submitted id sequence. The
// sequence must name every list the caller owns exactly once. Concurrent
// reorders on the same board are last-writer-wins.
func (s *Service) ReorderLists(ctx context.Context, userID string, ids []string) error {
	if err := validateOrder(ids); err != nil {
		return err
	}
	return s.Repo.ReorderLists(ctx, userID, ids)
}

func (s *Service) CreateTask(ctx context.Context, userID string, in TaskInput) (Task, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return Task{}, ErrTitleRequired
	}
	if strings.TrimSpace(in.ListID) == "" {
		return Task{}, ErrListRequired
	}
	if err := validateRecurrence(in.Recurring); err != nil {
		return Task{}, err
	}

	list, err := s.Repo.GetList(ctx, in.ListID)
	if err != nil {
		return Task{}, err
	}
	if list.UserID != userID {
		return Task{}, ErrNotFound
	}

	position, err := s.Repo.CountTasks(ctx, userID, in.ListID)
	if err != nil {
		return Task{}, err
	}

	now := s.Now()
	task := Task{
		ID:          s.NewID(),
		UserID:      userID,
		ListID:      in.ListID,
		Title:       in.Title,
		Description: in.Description,
		DueDate:     in.DueDate,
		Recurring:   in.Recurring,
		Completed:   in.Completed,
		Starred:     in.Starred,
		Position:    position,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Repo.CreateTask(ctx, task); err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *Service) UpdateTask(ctx context.Context, userID, taskID string, in TaskInput) (Task, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return Task{}, ErrTitleRequired
	}
	if err := validateRecurrence(in.Recurring); err != nil {
		return Task{}, err
	}

	task, err := s.Repo.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if task.UserID != userID {
		return Task{}, ErrNotFound
	}

	task.Title = in.Title
	task.Description = in.Description
	task.DueDate = in.DueDate
	task.Recurring = in.Recurring
	task.Completed = in.Completed
	task.Starred = in.Starred
	task.UpdatedAt = s.Now()
	if err := s.Repo.UpdateTask(ctx, task); err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *Service) DeleteTask(ctx context.Context, userID, taskID string) error {
	return s.Repo.DeleteTask(ctx, userID, taskID)
}

// ReorderTasks applies a full ordering for the target list. Caller-owned
// tasks from other lists may appear in the sequence; they move into the
// target list at their sequence position.
func (s *Service) ReorderTasks(ctx context.Context, userID, listID string, ids []string) error {
	if err := validateOrder(ids); err != nil {
		return err
	}
	list, err := s.Repo.GetList(ctx, listID)
	if err != nil {
		return err
	}
	if list.UserID != userID {
		return ErrNotFound
	}
	return s.Repo.ReorderTasks(ctx, userID, listID, ids)
}

func (s *Service) PurgeCompleted(ctx context.Context, userID, listID string) (int64, error) {
	list, err := s.Repo.GetList(ctx, listID)
	if err != nil {
		return 0, err
	}
	if list.UserID != userID {
		return 0, ErrNotFound
	}
	return s.Repo.PurgeCompleted(ctx, userID, listID)
}

func (s *Service) freeSlug(ctx context.Context, userID, base string) (string, error) {
	slug := base
	for n := 2; n <= MaxSlugProbes+1; n++ {
		exists, err := s.Repo.SlugExists(ctx, userID, slug)
		if err != nil {
			return "", err
		}
		if !exists {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, n)
	}
	return "", ErrSlugSpaceExhausted
}

func validateOrder(ids []string) error {
	if len(ids) == 0 {
		return ErrInvalidOrder
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return ErrInvalidOrder
		}
		if _, dup := seen[id]; dup {
			return ErrInvalidOrder
		}
		seen[id] = struct{}{}
	}
	return nil
}

func validateRecurrence(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ErrInvalidRecurrence
	}
	return nil
}
