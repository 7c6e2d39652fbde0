// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"strings"

	"github.com/bureau-foundation/egret/lib/ref"
	"github.com/bureau-foundation/egret/messaging"
)

// Kind is the classification of an inbound event.
type Kind int

const (
	KindIgnored Kind = iota
	KindReply
	KindCommand
	KindText
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindReply:
		return "reply"
	case KindCommand:
		return "command"
	case KindText:
		return "text"
	case KindImage:
		return "image"
	default:
		return "ignored"
	}
}

// Message is a classified room event. Content is set for every kind
// except some Ignored events; Command and Args only for KindCommand.
type Message struct {
	Kind    Kind
	Event   messaging.Event
	Content messaging.MessageContent

	// Command is the lowercased first word after the prefix, "" for a
	// bare prefix. Args is the rest of the line.
	Command string
	Args    string

	// Reason says why an event was ignored, for debug logging.
	Reason string
}

// Classify assigns event a Kind. Checks run in priority order: reply,
// command, text, image. Everything else, including edits and the bot's
// own messages, is ignored.
func Classify(event messaging.Event, self ref.UserID, prefix string) Message {
	message := Message{Kind: KindIgnored, Event: event}

	if event.Type != ref.EventTypeMessage {
		message.Reason = "not a message event: " + event.Type.String()
		return message
	}
	if !self.IsZero() && event.Sender == self {
		message.Reason = "own message"
		return message
	}
	content, err := messaging.ParseMessageContent(event)
	if err != nil {
		message.Reason = "malformed content: " + err.Error()
		return message
	}
	message.Content = content
	if content.IsEdit() {
		message.Reason = "edit"
		return message
	}

	switch {
	case !content.ReplyTarget().IsZero():
		message.Kind = KindReply
	case content.MsgType == messaging.MsgTypeText && prefix != "" && strings.HasPrefix(content.Body, prefix):
		message.Kind = KindCommand
		message.Command, message.Args = parseCommand(strings.TrimPrefix(content.Body, prefix))
	case content.MsgType == messaging.MsgTypeText:
		message.Kind = KindText
	case content.MsgType == messaging.MsgTypeImage:
		message.Kind = KindImage
	default:
		message.Reason = "unhandled msgtype " + content.MsgType
	}
	return message
}

// parseCommand splits the text after the prefix into a command word
// and its arguments. Only the first line is considered.
func parseCommand(rest string) (command, args string) {
	line, _, _ := strings.Cut(rest, "\n")
	// A leading colon allows "@egret: ping", as clients insert for
	// mentions.
	line = strings.TrimPrefix(line, ":")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", ""
	}
	command = strings.ToLower(fields[0])
	args = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
	return command, args
}
