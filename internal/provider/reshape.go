package provider

import "strings"

// emptyTurn stands in for a user turn that would otherwise be empty.
// Providers with strict alternation reject blank turns.
const emptyTurn = "None"

// AlternateTurns reshapes messages into strict user/assistant alternation
// that starts and ends on a user turn.
//
// Every run of non-assistant messages (user and system alike) is folded into
// one user turn, joined with newlines. Each assistant message is emitted
// verbatim right after the user turn that precedes it. A run with no content,
// or only whitespace, becomes emptyTurn, so an assistant message is never left without a user
// turn in front of it and the sequence always ends on a user turn:
//
//	[assistant "hello"] -> [user "None", assistant "hello", user "None"]
//
// An input that already alternates and ends on a user turn comes back
// unchanged.
func AlternateTurns(messages []Message) []Message {
	out := make([]Message, 0, len(messages)+2)
	var pending []string

	flush := func() {
		content := strings.Join(pending, "\n")
		if strings.TrimSpace(content) == "" {
			content = emptyTurn
		}
		out = append(out, Message{Role: RoleUser, Content: content})
		pending = pending[:0]
	}

	for _, msg := range messages {
		if msg.Role != RoleAssistant {
			if msg.Content != "" {
				pending = append(pending, msg.Content)
			}
			continue
		}
		flush()
		out = append(out, Message{Role: RoleAssistant, Content: msg.Content})
	}
	flush()

	return out
}

// SystemThenAlternate lifts system messages to the front, in order, and runs
// AlternateTurns over everything else. It suits providers that take the
// system prompt in a field of its own and want strict alternation for the
// conversation itself.
func SystemThenAlternate(messages []Message) []Message {
	var system, turns []Message
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			system = append(system, msg)
			continue
		}
		turns = append(turns, msg)
	}
	return append(system, AlternateTurns(turns)...)
}

// PassThrough returns a copy of messages unchanged, for providers that accept
// any role order.
func PassThrough(messages []Message) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}
