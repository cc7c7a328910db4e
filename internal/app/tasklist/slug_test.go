package tasklist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Groceries", "groceries"},
		{"spaces become hyphens", "Weekend  Trip Plans", "weekend-trip-plans"},
		{"punctuation stripped", "Mom's Birthday!!", "moms-birthday"},
		{"unicode stripped", "Héllo Wörld", "hllo-wrld"},
		{"hyphen runs collapse", "a -- b --- c", "a-b-c"},
		{"leading trailing trimmed", "  --chores--  ", "chores"},
		{"underscores stripped", "foo_bar", "foobar"},
		{"digits kept", "Q3 2026 goals", "q3-2026-goals"},
		{"empty falls back", "", "list"},
		{"only symbols falls back", "!!!---", "list"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Slugify(tc.in))
		})
	}
}
