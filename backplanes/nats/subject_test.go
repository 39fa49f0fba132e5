package nats

import (
	"testing"
)

func TestSubjectFor(t *testing.T) {
	tests := []struct {
		name     string
		channel  string
		expected string
	}{
		{
			name:     "empty channel",
			channel:  "",
			expected: "relay.frames",
		},
		{
			name:     "plain channel",
			channel:  "chat",
			expected: "relay.frames.chat",
		},
		{
			name:     "dots replaced",
			channel:  "chat.prod",
			expected: "relay.frames.chat-prod",
		},
		{
			name:     "wildcards replaced",
			channel:  "chat.*",
			expected: "relay.frames.chat--",
		},
		{
			name:     "full wildcard replaced",
			channel:  ">",
			expected: "relay.frames.-",
		},
		{
			name:     "spaces replaced",
			channel:  "chat rooms",
			expected: "relay.frames.chat-rooms",
		},
		{
			name:     "numbers preserved",
			channel:  "chat123",
			expected: "relay.frames.chat123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := subjectFor(tt.channel)
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func BenchmarkSanitizeToken(b *testing.B) {
	input := "chat.rooms.production.*"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sanitizeToken(input)
	}
}
