package provider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAlternateTurns(t *testing.T) {
	tests := []struct {
		name string
		in   []Message
		want []Message
	}{
		{
			name: "already alternating",
			in: []Message{
				{Role: RoleUser, Content: "hi"},
				{Role: RoleAssistant, Content: "hello"},
				{Role: RoleUser, Content: "bye"},
			},
			want: []Message{
				{Role: RoleUser, Content: "hi"},
				{Role: RoleAssistant, Content: "hello"},
				{Role: RoleUser, Content: "bye"},
			},
		},
		{
			name: "only assistant",
			in:   []Message{{Role: RoleAssistant, Content: "hello"}},
			want: []Message{
				{Role: RoleUser, Content: "None"},
				{Role: RoleAssistant, Content: "hello"},
				{Role: RoleUser, Content: "None"},
			},
		},
		{
			name: "system and user runs are merged",
			in: []Message{
				{Role: RoleSystem, Content: "be brief"},
				{Role: RoleUser, Content: "hi"},
				{Role: RoleAssistant, Content: "hello"},
				{Role: RoleUser, Content: "a"},
				{Role: RoleUser, Content: "b"},
			},
			want: []Message{
				{Role: RoleUser, Content: "be brief\nhi"},
				{Role: RoleAssistant, Content: "hello"},
				{Role: RoleUser, Content: "a\nb"},
			},
		},
		{
			name: "consecutive assistants",
			in: []Message{
				{Role: RoleUser, Content: "q"},
				{Role: RoleAssistant, Content: "a1"},
				{Role: RoleAssistant, Content: "a2"},
			},
			want: []Message{
				{Role: RoleUser, Content: "q"},
				{Role: RoleAssistant, Content: "a1"},
				{Role: RoleUser, Content: "None"},
				{Role: RoleAssistant, Content: "a2"},
				{Role: RoleUser, Content: "None"},
			},
		},
		{
			name: "whitespace-only user turn",
			in: []Message{
				{Role: RoleUser, Content: "  "},
				{Role: RoleAssistant, Content: "a"},
				{Role: RoleUser, Content: "\t"},
			},
			want: []Message{
				{Role: RoleUser, Content: "None"},
				{Role: RoleAssistant, Content: "a"},
				{Role: RoleUser, Content: "None"},
			},
		},
		{
			name: "empty input",
			in:   nil,
			want: []Message{{Role: RoleUser, Content: "None"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AlternateTurns(tt.in))
		})
	}
}

func TestAlternateTurns_DoesNotMutateInput(t *testing.T) {
	in := []Message{
		{Role: RoleAssistant, Content: "x"},
		{Role: RoleUser, Content: "y"},
	}
	snapshot := append([]Message(nil), in...)

	AlternateTurns(in)

	assert.Equal(t, snapshot, in)
}

func messageGen() *rapid.Generator[Message] {
	return rapid.Custom(func(t *rapid.T) Message {
		return Message{
			Role:    rapid.SampledFrom([]string{RoleUser, RoleAssistant, RoleSystem}).Draw(t, "role"),
			Content: rapid.StringMatching(`[a-z ]{0,6}`).Draw(t, "content"),
		}
	})
}

func TestAlternateTurns_AlwaysAlternates(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		in := rapid.SliceOfN(messageGen(), 0, 20).Draw(rt, "messages")

		out := AlternateTurns(in)

		require.NotEmpty(rt, out)
		require.Equal(rt, 1, len(out)%2, "alternating sequence that starts and ends on user has odd length")
		for i, msg := range out {
			if i%2 == 0 {
				require.Equal(rt, RoleUser, msg.Role, "turn %d", i)
				require.NotEmpty(rt, strings.TrimSpace(msg.Content), "user turn %d must not be blank", i)
			} else {
				require.Equal(rt, RoleAssistant, msg.Role, "turn %d", i)
			}
		}
	})
}

func TestAlternateTurns_Idempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		in := rapid.SliceOfN(messageGen(), 0, 20).Draw(rt, "messages")

		once := AlternateTurns(in)
		twice := AlternateTurns(once)

		require.Equal(rt, once, twice)
	})
}

func TestAlternateTurns_KeepsAssistantContent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		in := rapid.SliceOfN(messageGen(), 0, 20).Draw(rt, "messages")

		var want []string
		for _, m := range in {
			if m.Role == RoleAssistant {
				want = append(want, m.Content)
			}
		}

		var got []string
		for _, m := range AlternateTurns(in) {
			if m.Role == RoleAssistant {
				got = append(got, m.Content)
			}
		}

		require.Equal(rt, want, got)
	})
}

func TestSystemThenAlternate(t *testing.T) {
	in := []Message{
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "a"},
		{Role: RoleUser, Content: "b"},
	}

	want := []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "None"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "a\nb"},
	}
	assert.Equal(t, want, SystemThenAlternate(in))
}

func TestPassThrough(t *testing.T) {
	in := []Message{{Role: RoleSystem, Content: "s"}, {Role: RoleAssistant, Content: "a"}}

	out := PassThrough(in)
	require.Equal(t, in, out)

	out[0].Content = "changed"
	assert.Equal(t, "s", in[0].Content, "PassThrough must copy")
}
