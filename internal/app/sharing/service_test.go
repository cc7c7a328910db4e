package sharing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listkeep/listkeep/internal/app/tasklist"
	"github.com/listkeep/listkeep/internal/mail"
)

type fakeLists struct {
	lists map[string]tasklist.List
}

func (f *fakeLists) GetList(ctx context.Context, listID string) (tasklist.List, error) {
	l, ok := f.lists[listID]
	if !ok {
		return tasklist.List{}, tasklist.ErrNotFound
	}
	return l, nil
}

// fakeShareRepo keeps invites in memory and simulates the clone transaction,
// including the conditional pending-to-accepted flip and slug probing.
type fakeShareRepo struct {
	invites     map[string]Invite
	byToken     map[string]string
	sourceTasks map[string][]tasklist.Task
	ownedSlugs  map[string]map[string]struct{}

	lists       *fakeLists
	clonedTasks []tasklist.Task
}

func newFakeShareRepo(lists *fakeLists) *fakeShareRepo {
	return &fakeShareRepo{
		invites:     map[string]Invite{},
		byToken:     map[string]string{},
		sourceTasks: map[string][]tasklist.Task{},
		ownedSlugs:  map[string]map[string]struct{}{},
		lists:       lists,
	}
}

func (f *fakeShareRepo) EnsureSchema(ctx context.Context) error { return nil }

func (f *fakeShareRepo) CreateInvite(ctx context.Context, invite Invite) error {
	f.invites[invite.ID] = invite
	f.byToken[invite.Token] = invite.ID
	return nil
}

func (f *fakeShareRepo) FindInviteByToken(ctx context.Context, token string) (Invite, error) {
	id, ok := f.byToken[token]
	if !ok {
		return Invite{}, ErrInviteNotFound
	}
	return f.invites[id], nil
}

func (f *fakeShareRepo) ListInvitesForUser(ctx context.Context, inviterID string) ([]Invite, error) {
	out := []Invite{}
	for _, inv := range f.invites {
		if inv.InviterID == inviterID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (f *fakeShareRepo) RevokeInvite(ctx context.Context, inviteID string) error {
	inv, ok := f.invites[inviteID]
	if ok && inv.Status == StatusPending {
		inv.Status = StatusRevoked
		f.invites[inviteID] = inv
	}
	return nil
}

func (f *fakeShareRepo) AcceptAndClone(ctx context.Context, p CloneParams) (tasklist.List, error) {
	inv, ok := f.invites[p.InviteID]
	if !ok || inv.Status != StatusPending {
		return tasklist.List{}, ErrAlreadyAccepted
	}

	taken := f.ownedSlugs[p.RecipientID]
	if taken == nil {
		taken = map[string]struct{}{}
		f.ownedSlugs[p.RecipientID] = taken
	}
	slug := ""
	candidate := p.SlugBase
	for n := 2; n <= tasklist.MaxSlugProbes+1; n++ {
		if _, exists := taken[candidate]; !exists {
			slug = candidate
			break
		}
		candidate = fmt.Sprintf("%s-%d", p.SlugBase, n)
	}
	if slug == "" {
		return tasklist.List{}, tasklist.ErrSlugSpaceExhausted
	}

	source, ok := f.lists.lists[p.SourceListID]
	if !ok {
		return tasklist.List{}, tasklist.ErrNotFound
	}

	cloned := tasklist.List{
		ID:       p.NewListID,
		UserID:   p.RecipientID,
		Name:     source.Name,
		Slug:     slug,
		Position: len(taken),
	}
	taken[slug] = struct{}{}

	for _, t := range f.sourceTasks[p.SourceListID] {
		copied := t
		copied.ID = p.NewTaskID()
		copied.UserID = p.RecipientID
		copied.ListID = cloned.ID
		f.clonedTasks = append(f.clonedTasks, copied)
	}

	inv.Status = StatusAccepted
	f.invites[p.InviteID] = inv
	return cloned, nil
}

type fakeMailer struct {
	sent []mail.Message
	err  error
}

func (f *fakeMailer) Send(ctx context.Context, msg mail.Message) (mail.Status, error) {
	if f.err != nil {
		return mail.Status{}, f.err
	}
	f.sent = append(f.sent, msg)
	return mail.Status{State: "sent"}, nil
}

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestService(repo *fakeShareRepo, lists *fakeLists) *Service {
	svc := NewService(repo, lists, zerolog.Nop())
	svc.BaseURL = "https://lists.example.com"
	seq := 0
	svc.NewID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	tokenSeq := 0
	svc.NewToken = func() (string, error) {
		tokenSeq++
		return fmt.Sprintf("token-%d", tokenSeq), nil
	}
	svc.Now = func() time.Time { return testNow }
	return svc
}

func seedList(lists *fakeLists, repo *fakeShareRepo, list tasklist.List, tasks ...tasklist.Task) {
	lists.lists[list.ID] = list
	repo.sourceTasks[list.ID] = tasks
}

func pendingInvite(repo *fakeShareRepo, listID, inviterID, email string) Invite {
	inv := Invite{
		ID:        "inv-" + listID,
		ListID:    listID,
		InviterID: inviterID,
		Email:     email,
		Token:     "tok-" + listID,
		Role:      RoleEditor,
		Status:    StatusPending,
		CreatedAt: testNow,
	}
	repo.invites[inv.ID] = inv
	repo.byToken[inv.Token] = inv.ID
	return inv
}

func TestShareSendsInviteEmail(t *testing.T) {
	lists := &fakeLists{lists: map[string]tasklist.List{}}
	repo := newFakeShareRepo(lists)
	svc := newTestService(repo, lists)
	mailer := &fakeMailer{}
	svc.Mailer = mailer

	seedList(lists, repo, tasklist.List{ID: "l1", UserID: "owner", Name: "Groceries", Slug: "groceries"})

	result, err := svc.Share(context.Background(), Caller{UserID: "owner", Email: "owner@example.com"}, "l1", "friend@example.com")
	require.NoError(t, err)
	assert.Equal(t, "sent", result.Delivery)
	require.NotEmpty(t, result.InviteID)

	inv := repo.invites[result.InviteID]
	assert.Equal(t, StatusPending, inv.Status)
	assert.Equal(t, "friend@example.com", inv.Email)
	assert.Equal(t, RoleEditor, inv.Role)

	require.Len(t, mailer.sent, 1)
	msg := mailer.sent[0]
	assert.Equal(t, "friend@example.com", msg.To)
	assert.Contains(t, msg.Subject, "Groceries")
	assert.Contains(t, msg.Text, "https://lists.example.com/share/accept?token="+inv.Token)
}

func TestShareRejectsInvalidEmail(t *testing.T) {
	lists := &fakeLists{lists: map[string]tasklist.List{}}
	repo := newFakeShareRepo(lists)
	svc := newTestService(repo, lists)
	seedList(lists, repo, tasklist.List{ID: "l1", UserID: "owner", Name: "Groceries", Slug: "groceries"})

	for _, email := range []string{"", "no-at-sign", "two words@example.com", "missing@tld", "@example.com"} {
		_, err := svc.Share(context.Background(), Caller{UserID: "owner"}, "l1", email)
		assert.ErrorIs(t, err, ErrInvalidEmail, "email %q", email)
	}
	assert.Empty(t, repo.invites)
}

func TestShareRequiresOwnership(t *testing.T) {
	lists := &fakeLists{lists: map[string]tasklist.List{}}
	repo := newFakeShareRepo(lists)
	svc := newTestService(repo, lists)
	seedList(lists, repo, tasklist.List{ID: "l1", UserID: "owner", Name: "Groceries", Slug: "groceries"})

	_, err := svc.Share(context.Background(), Caller{UserID: "intruder"}, "l1", "friend@example.com")
	assert.ErrorIs(t, err, tasklist.ErrNotFound)
	assert.Empty(t, repo.invites)
}

func TestShareWithoutMailerKeepsInvite(t *testing.T) {
	lists := &fakeLists{lists: map[string]tasklist.List{}}
	repo := newFakeShareRepo(lists)
	svc := newTestService(repo, lists)
	seedList(lists, repo, tasklist.List{ID: "l1", UserID: "owner", Name: "Groceries", Slug: "groceries"})

	result, err := svc.Share(context.Background(), Caller{UserID: "owner"}, "l1", "friend@example.com")
	assert.ErrorIs(t, err, ErrMailerNotConfigured)
	require.NotEmpty(t, result.InviteID)
	assert.Equal(t, StatusPending, repo.invites[result.InviteID].Status)
}

func TestShareDeliveryFailureKeepsInvite(t *testing.T) {
	lists := &fakeLists{lists: map[string]tasklist.List{}}
	repo := newFakeShareRepo(lists)
	svc := newTestService(repo, lists)
	svc.Mailer = &fakeMailer{err: errors.New("smtp timeout")}
	seedList(lists, repo, tasklist.List{ID: "l1", UserID: "owner", Name: "Groceries", Slug: "groceries"})

	result, err := svc.Share(context.Background(), Caller{UserID: "owner"}, "l1", "friend@example.com")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	require.NotEmpty(t, result.InviteID)
	assert.Equal(t, StatusPending, repo.invites[result.InviteID].Status)
}

func TestRedeemClonesListWithSlugSuffix(t *testing.T) {
	lists := &fakeLists{lists: map[string]tasklist.List{}}
	repo := newFakeShareRepo(lists)
	svc := newTestService(repo, lists)

	var published []string
	svc.Publish = func(subject string, data []byte) error {
		published = append(published, subject)
		return nil
	}

	seedList(lists, repo,
		tasklist.List{ID: "l1", UserID: "owner", Name: "Groceries", Slug: "groceries"},
		tasklist.Task{ID: "t1", ListID: "l1", Title: "Milk", Position: 0},
		tasklist.Task{ID: "t2", ListID: "l1", Title: "Eggs", Position: 1, Starred: true},
	)
	// The recipient already has a list using the base slug.
	repo.ownedSlugs["friend"] = map[string]struct{}{"groceries": {}}
	inv := pendingInvite(repo, "l1", "owner", "friend@example.com")

	outcome, err := svc.Redeem(context.Background(), Caller{UserID: "friend", Email: "friend@example.com"}, inv.Token)
	require.NoError(t, err)
	assert.False(t, outcome.AlreadyAccepted)
	assert.Equal(t, "friend", outcome.List.UserID)
	assert.Equal(t, "Groceries", outcome.List.Name)
	assert.Equal(t, "groceries-2", outcome.List.Slug)

	assert.Equal(t, StatusAccepted, repo.invites[inv.ID].Status)
	require.Len(t, repo.clonedTasks, 2)
	assert.Equal(t, "Milk", repo.clonedTasks[0].Title)
	assert.Equal(t, 0, repo.clonedTasks[0].Position)
	assert.Equal(t, "Eggs", repo.clonedTasks[1].Title)
	assert.Equal(t, 1, repo.clonedTasks[1].Position)
	assert.True(t, repo.clonedTasks[1].Starred)
	for _, task := range repo.clonedTasks {
		assert.Equal(t, outcome.List.ID, task.ListID)
		assert.Equal(t, "friend", task.UserID)
	}

	assert.Equal(t, []string{"listkeep.share.accepted"}, published)
}

func TestRedeemIsIdempotent(t *testing.T) {
	lists := &fakeLists{lists: map[string]tasklist.List{}}
	repo := newFakeShareRepo(lists)
	svc := newTestService(repo, lists)
	seedList(lists, repo,
		tasklist.List{ID: "l1", UserID: "owner", Name: "Groceries", Slug: "groceries"},
		tasklist.Task{ID: "t1", ListID: "l1", Title: "Milk"},
	)
	inv := pendingInvite(repo, "l1", "owner", "friend@example.com")
	caller := Caller{UserID: "friend", Email: "friend@example.com"}

	_, err := svc.Redeem(context.Background(), caller, inv.Token)
	require.NoError(t, err)

	outcome, err := svc.Redeem(context.Background(), caller, inv.Token)
	assert.ErrorIs(t, err, ErrAlreadyAccepted)
	assert.True(t, outcome.AlreadyAccepted)
	assert.Len(t, repo.clonedTasks, 1, "replay must not clone again")
}

func TestRedeemExpiredInviteIsRevoked(t *testing.T) {
	lists := &fakeLists{lists: map[string]tasklist.List{}}
	repo := newFakeShareRepo(lists)
	svc := newTestService(repo, lists)
	seedList(lists, repo, tasklist.List{ID: "l1", UserID: "owner", Name: "Groceries", Slug: "groceries"})
	inv := pendingInvite(repo, "l1", "owner", "friend@example.com")

	svc.Now = func() time.Time { return inv.CreatedAt.Add(31 * 24 * time.Hour) }

	_, err := svc.Redeem(context.Background(), Caller{UserID: "friend", Email: "friend@example.com"}, inv.Token)
	assert.ErrorIs(t, err, ErrInviteExpired)
	assert.Equal(t, StatusRevoked, repo.invites[inv.ID].Status)
	assert.Empty(t, repo.clonedTasks)
}

func TestRedeemRevokedInvite(t *testing.T) {
	lists := &fakeLists{lists: map[string]tasklist.List{}}
	repo := newFakeShareRepo(lists)
	svc := newTestService(repo, lists)
	seedList(lists, repo, tasklist.List{ID: "l1", UserID: "owner", Name: "Groceries", Slug: "groceries"})
	inv := pendingInvite(repo, "l1", "owner", "friend@example.com")
	inv.Status = StatusRevoked
	repo.invites[inv.ID] = inv

	_, err := svc.Redeem(context.Background(), Caller{UserID: "friend", Email: "friend@example.com"}, inv.Token)
	assert.ErrorIs(t, err, ErrInviteRevoked)
}

func TestRedeemRequiresSignIn(t *testing.T) {
	lists := &fakeLists{lists: map[string]tasklist.List{}}
	repo := newFakeShareRepo(lists)
	svc := newTestService(repo, lists)
	seedList(lists, repo, tasklist.List{ID: "l1", UserID: "owner", Name: "Groceries", Slug: "groceries"})
	inv := pendingInvite(repo, "l1", "owner", "friend@example.com")

	_, err := svc.Redeem(context.Background(), Caller{}, inv.Token)
	assert.ErrorIs(t, err, ErrSignInRequired)
	assert.Equal(t, StatusPending, repo.invites[inv.ID].Status)
}

func TestRedeemWrongAccountStaysPending(t *testing.T) {
	lists := &fakeLists{lists: map[string]tasklist.List{}}
	repo := newFakeShareRepo(lists)
	svc := newTestService(repo, lists)
	seedList(lists, repo, tasklist.List{ID: "l1", UserID: "owner", Name: "Groceries", Slug: "groceries"})
	inv := pendingInvite(repo, "l1", "owner", "friend@example.com")

	_, err := svc.Redeem(context.Background(), Caller{UserID: "other", Email: "other@example.com"}, inv.Token)
	assert.ErrorIs(t, err, ErrWrongAccount)
	assert.Equal(t, StatusPending, repo.invites[inv.ID].Status)

	// The intended recipient can still redeem afterwards.
	_, err = svc.Redeem(context.Background(), Caller{UserID: "friend", Email: "Friend@Example.COM"}, inv.Token)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, repo.invites[inv.ID].Status)
}

func TestRedeemTokenErrors(t *testing.T) {
	lists := &fakeLists{lists: map[string]tasklist.List{}}
	repo := newFakeShareRepo(lists)
	svc := newTestService(repo, lists)

	_, err := svc.Redeem(context.Background(), Caller{UserID: "friend"}, "   ")
	assert.ErrorIs(t, err, ErrTokenRequired)

	_, err = svc.Redeem(context.Background(), Caller{UserID: "friend"}, "bogus")
	assert.ErrorIs(t, err, ErrInviteNotFound)
}

func TestRedeemSourceListGoneRevokesInvite(t *testing.T) {
	lists := &fakeLists{lists: map[string]tasklist.List{}}
	repo := newFakeShareRepo(lists)
	svc := newTestService(repo, lists)
	inv := pendingInvite(repo, "deleted-list", "owner", "friend@example.com")

	_, err := svc.Redeem(context.Background(), Caller{UserID: "friend", Email: "friend@example.com"}, inv.Token)
	assert.ErrorIs(t, err, ErrListUnavailable)
	assert.Equal(t, StatusRevoked, repo.invites[inv.ID].Status)
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken()
	require.NoError(t, err)
	b, err := RandomToken()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Regexp(t, "^[0-9a-f]{64}$", a)
	assert.NotEqual(t, a, b)
}
