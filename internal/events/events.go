package events

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectShareAccepted carries the linkage between inviter, recipient, and
// the cloned list. Consumers are observability pipelines only; nothing in
// the request path depends on delivery.
const SubjectShareAccepted = "listkeep.share.accepted"

type ShareAccepted struct {
	InviteID     string    `json:"invite_id"`
	ListID       string    `json:"list_id"`
	ClonedListID string    `json:"cloned_list_id"`
	InviterID    string    `json:"inviter_id"`
	RecipientID  string    `json:"recipient_id"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type PublishFunc func(subject string, payload []byte) error

type Publisher struct {
	Conn *nats.Conn
}

func (p Publisher) Publish(subject string, payload []byte) error {
	return p.Conn.Publish(subject, payload)
}

func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url)
}

func ConnectWithRetry(url string, timeout time.Duration) (*nats.Conn, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := Connect(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("connect nats timeout after %s: %w", timeout, lastErr)
}
