// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/bureau-foundation/egret/messaging"
)

// Replies are prefixed so humans can tell them apart from people.
const replyTag = "[bot]"

var (
	markdownOnce     sync.Once
	markdownRenderer goldmark.Markdown
)

// markdown returns the shared converter. Raw HTML in the source is
// omitted from the output.
func markdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownRenderer = goldmark.New(
			goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		)
	})
	return markdownRenderer
}

// commandResponse returns the Markdown reply text for a command.
func (r *Router) commandResponse(message Message) string {
	switch message.Command {
	case "", "ping":
		return replyTag + " pong"
	case "help":
		var builder strings.Builder
		fmt.Fprintf(&builder, "%s commands:\n\n", replyTag)
		fmt.Fprintf(&builder, "- `%s ping`: check that the bot is alive\n", r.prefix)
		fmt.Fprintf(&builder, "- `%s rooms`: list the rooms the bot watches\n", r.prefix)
		fmt.Fprintf(&builder, "- `%s help`: show this list\n", r.prefix)
		return builder.String()
	case "rooms":
		var builder strings.Builder
		fmt.Fprintf(&builder, "%s watching %d room(s):\n\n", replyTag, len(r.rooms))
		for _, room := range r.rooms {
			name := room.Name
			if name == "" {
				if info, ok := r.state.Room(room.ID); ok && info.Name != "" {
					name = info.Name
				} else {
					name = room.ID.String()
				}
			}
			fmt.Fprintf(&builder, "- **%s** (`%s`)\n", escapeMarkdown(name), room.ID)
		}
		return builder.String()
	default:
		return fmt.Sprintf("%s unknown command `%s`; try `%s help`", replyTag, message.Command, r.prefix)
	}
}

// renderReply builds reply content with a plain body and an HTML
// formatted_body rendered from the same Markdown.
func renderReply(markdownBody string, trigger messaging.Event) (messaging.MessageContent, error) {
	content := messaging.NewReply(markdownBody, trigger.EventID, trigger.Sender)
	var rendered bytes.Buffer
	if err := markdown().Convert([]byte(markdownBody), &rendered); err != nil {
		return messaging.MessageContent{}, fmt.Errorf("rendering reply: %w", err)
	}
	content.Format = messaging.FormatHTML
	content.FormattedBody = strings.TrimSpace(rendered.String())
	return content, nil
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "*", `\*`, "_", `\_`, "`", "\\`", "[", `\[`, "]", `\]`,
)

func escapeMarkdown(text string) string {
	return markdownEscaper.Replace(text)
}
