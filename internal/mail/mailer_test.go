package mail

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInviteMessage(t *testing.T) {
	msg := InviteMessage(
		"friend@example.com",
		"owner@example.com",
		`Mom's <Birthday>`,
		"https://lists.example.com/share/accept?token=abc123",
	)

	assert.Equal(t, "friend@example.com", msg.To)
	assert.Contains(t, msg.Subject, "owner@example.com")
	assert.Contains(t, msg.Subject, `Mom's <Birthday>`)

	assert.Contains(t, msg.Text, "https://lists.example.com/share/accept?token=abc123")
	assert.Contains(t, msg.Text, "30 days")

	// The HTML part escapes user-controlled values.
	assert.NotContains(t, msg.HTML, "<Birthday>")
	assert.Contains(t, msg.HTML, "&lt;Birthday&gt;")
	assert.Contains(t, msg.HTML, `href="https://lists.example.com/share/accept?token=abc123"`)

	assert.Equal(t, "share-invite", msg.Headers["X-Listkeep-Notification"])
}
