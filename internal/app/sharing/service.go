package sharing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"

	"github.com/listkeep/listkeep/internal/app/tasklist"
	"github.com/listkeep/listkeep/internal/events"
	"github.com/listkeep/listkeep/internal/mail"
)

var (
	ErrTokenRequired       = errors.New("token is required")
	ErrInvalidEmail        = errors.New("email must look like name@domain.tld")
	ErrSignInRequired      = errors.New("sign in to accept this invite")
	ErrWrongAccount        = errors.New("this invite was issued to a different email address")
	ErrInviteRevoked       = errors.New("invite has been revoked")
	ErrInviteExpired       = errors.New("invite has expired")
	ErrListUnavailable     = errors.New("the shared list is no longer available")
	ErrMailerNotConfigured = errors.New("email delivery is not configured")
	ErrDeliveryFailed      = errors.New("could not send the invite email")
)

// InviteTTL is how long a pending invite stays redeemable.
const InviteTTL = 30 * 24 * time.Hour

// Local part, @, domain with at least one dot, no whitespace anywhere.
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ListReader is the slice of the tasklist repository the invitation flow
// needs: resolving a list regardless of who asks.
type ListReader interface {
	GetList(ctx context.Context, listID string) (tasklist.List, error)
}

// Caller identifies the authenticated user redeeming or creating an invite.
// A zero Caller means nobody is signed in.
type Caller struct {
	UserID string
	Email  string
}

func (c Caller) signedIn() bool { return c.UserID != "" }

type Service struct {
	Repo    Repository
	Lists   ListReader
	Mailer  mail.Sender        // nil when SMTP is not configured
	Publish events.PublishFunc // nil when NATS is not configured
	Log     zerolog.Logger

	// BaseURL is the public origin redemption links are built against.
	BaseURL  string
	NewID    func() string
	NewToken func() (string, error)
	Now      func() time.Time
	MaxAge   time.Duration
}

func NewService(repo Repository, lists ListReader, logger zerolog.Logger) *Service {
	return &Service{
		Repo:     repo,
		Lists:    lists,
		Log:      logger,
		NewID:    nuid.Next,
		NewToken: RandomToken,
		Now:      func() time.Time { return time.Now().UTC() },
		MaxAge:   InviteTTL,
	}
}

// RandomToken returns 256 bits from crypto/rand, hex-encoded. The token is
// the sole redemption credential, so it must be unguessable.
func RandomToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

type ShareResult struct {
	InviteID string `json:"invite_id"`
	Delivery string `json:"delivery"`
}

// Share creates a pending invite for one of the caller's lists and emails
// the redemption link. The invite row is never rolled back on delivery
// problems: a missing or failing mailer still leaves a redeemable row behind
// for a later resend path.
func (s *Service) Share(ctx context.Context, caller Caller, listID, email string) (ShareResult, error) {
	list, err := s.Lists.GetList(ctx, listID)
	if err != nil {
		return ShareResult{}, err
	}
	if list.UserID != caller.UserID {
		return ShareResult{}, tasklist.ErrNotFound
	}

	email = strings.TrimSpace(email)
	if !emailPattern.MatchString(email) {
		return ShareResult{}, ErrInvalidEmail
	}

	token, err := s.NewToken()
	if err != nil {
		return ShareResult{}, err
	}
	invite := Invite{
		ID:        s.NewID(),
		ListID:    list.ID,
		InviterID: caller.UserID,
		Email:     email,
		Token:     token,
		Role:      RoleEditor,
		Status:    StatusPending,
		CreatedAt: s.Now(),
	}
	if err := s.Repo.CreateInvite(ctx, invite); err != nil {
		return ShareResult{}, err
	}

	if s.Mailer == nil {
		return ShareResult{InviteID: invite.ID}, ErrMailerNotConfigured
	}

	msg := mail.InviteMessage(email, caller.Email, list.Name, s.acceptURL(token))
	status, err := s.Mailer.Send(ctx, msg)
	if err != nil {
		s.Log.Error().Err(err).Str("invite_id", invite.ID).Msg("invite email delivery failed")
		return ShareResult{InviteID: invite.ID}, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	return ShareResult{InviteID: invite.ID, Delivery: status.State}, nil
}

func (s *Service) InvitesForUser(ctx context.Context, userID string) ([]Invite, error) {
	return s.Repo.ListInvitesForUser(ctx, userID)
}

type RedeemOutcome struct {
	AlreadyAccepted bool
	List            tasklist.List
}

// Redeem walks the invite through its acceptance checks in a fixed order and,
// when everything passes, clones the shared list into the caller's account.
// Failures before the clone leave the invite pending unless the invite itself
// is no longer serviceable (source list gone, expired), in which case it is
// revoked so the dangling row is neutralized.
func (s *Service) Redeem(ctx context.Context, caller Caller, token string) (RedeemOutcome, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return RedeemOutcome{}, ErrTokenRequired
	}

	invite, err := s.Repo.FindInviteByToken(ctx, token)
	if err != nil {
		return RedeemOutcome{}, err
	}

	switch invite.Status {
	case StatusRevoked:
		return RedeemOutcome{}, ErrInviteRevoked
	case StatusAccepted:
		// Replays and double-clicks land here; not an error.
		return RedeemOutcome{AlreadyAccepted: true}, ErrAlreadyAccepted
	}

	if !caller.signedIn() {
		return RedeemOutcome{}, ErrSignInRequired
	}

	source, err := s.Lists.GetList(ctx, invite.ListID)
	if err != nil {
		if errors.Is(err, tasklist.ErrNotFound) {
			if revokeErr := s.Repo.RevokeInvite(ctx, invite.ID); revokeErr != nil {
				return RedeemOutcome{}, revokeErr
			}
			return RedeemOutcome{}, ErrListUnavailable
		}
		return RedeemOutcome{}, err
	}

	if !strings.EqualFold(strings.TrimSpace(caller.Email), strings.TrimSpace(invite.Email)) {
		return RedeemOutcome{}, ErrWrongAccount
	}

	if s.Now().Sub(invite.CreatedAt) > s.MaxAge {
		if revokeErr := s.Repo.RevokeInvite(ctx, invite.ID); revokeErr != nil {
			return RedeemOutcome{}, revokeErr
		}
		return RedeemOutcome{}, ErrInviteExpired
	}

	slugBase := source.Slug
	if slugBase == "" {
		slugBase = tasklist.Slugify(source.Name)
	}
	cloned, err := s.Repo.AcceptAndClone(ctx, CloneParams{
		InviteID:     invite.ID,
		SourceListID: source.ID,
		RecipientID:  caller.UserID,
		SlugBase:     slugBase,
		NewListID:    s.NewID(),
		NewTaskID:    s.NewID,
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyAccepted) {
			return RedeemOutcome{AlreadyAccepted: true}, ErrAlreadyAccepted
		}
		return RedeemOutcome{}, err
	}

	s.Log.Info().
		Str("invite_id", invite.ID).
		Str("inviter_id", invite.InviterID).
		Str("recipient_id", caller.UserID).
		Str("list_id", source.ID).
		Str("cloned_list_id", cloned.ID).
		Msg("share invite accepted")
	s.publishAccepted(invite, caller, cloned)

	return RedeemOutcome{List: cloned}, nil
}

func (s *Service) acceptURL(token string) string {
	return strings.TrimRight(s.BaseURL, "/") + "/share/accept?token=" + url.QueryEscape(token)
}

func (s *Service) publishAccepted(invite Invite, caller Caller, cloned tasklist.List) {
	if s.Publish == nil {
		return
	}
	payload, err := json.Marshal(events.ShareAccepted{
		InviteID:     invite.ID,
		ListID:       invite.ListID,
		ClonedListID: cloned.ID,
		InviterID:    invite.InviterID,
		RecipientID:  caller.UserID,
		OccurredAt:   s.Now(),
	})
	if err != nil {
		return
	}
	if err := s.Publish(events.SubjectShareAccepted, payload); err != nil {
		s.Log.Warn().Err(err).Msg("share accepted event publish failed")
	}
}
