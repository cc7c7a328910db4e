package frontend

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"
	"github.com/listkeep/listkeep/internal/app/tasklist"
)

// BoardPage renders the signed-in board: every list as a column with its
// tasks in position order.
func BoardPage(email string, lists []tasklist.List, tasks []tasklist.Task) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		byList := make(map[string][]tasklist.Task, len(lists))
		for _, t := range tasks {
			byList[t.ListID] = append(byList[t.ListID], t)
		}

		if err := writePageOpen(w, "Your lists"); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w,
			`<header class="topbar"><h1>Your lists</h1><span class="session">%s</span></header><main class="board">`,
			templ.EscapeString(email),
		); err != nil {
			return err
		}

		for _, list := range lists {
			if _, err := fmt.Fprintf(w,
				`<section class="list"><h2>%s</h2><span class="slug">%s</span><ul class="tasks">`,
				templ.EscapeString(list.Name), templ.EscapeString(list.Slug),
			); err != nil {
				return err
			}
			for _, task := range byList[list.ID] {
				class := ""
				if task.Completed {
					class = ` class="completed"`
				}
				star := ""
				if task.Starred {
					star = `<span class="star">&#9733;</span>`
				}
				if _, err := fmt.Fprintf(w, `<li%s>%s%s</li>`,
					class, templ.EscapeString(task.Title), star,
				); err != nil {
					return err
				}
			}
			if _, err := io.WriteString(w, `</ul></section>`); err != nil {
				return err
			}
		}

		_, err := io.WriteString(w, `</main></body></html>`)
		return err
	})
}

// OutcomePage renders the result of a share redemption attempt.
func OutcomePage(title, message string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := writePageOpen(w, title); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w,
			`<div class="outcome"><h1>%s</h1><p>%s</p><p><a href="/">Back to your lists</a></p></div></body></html>`,
			templ.EscapeString(title), templ.EscapeString(message),
		)
		return err
	})
}

func writePageOpen(w io.Writer, title string) error {
	_, err := fmt.Fprintf(w,
		`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`+
			`<meta name="viewport" content="width=device-width, initial-scale=1">`+
			`<title>%s · listkeep</title>`+
			`<link rel="stylesheet" href="/static/styles.css"></head><body>`,
		templ.EscapeString(title),
	)
	return err
}
