package completion

import "testing"

func TestPromptRender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prompt Prompt
		want   string
	}{
		{
			name: "interactive without quote",
			prompt: Prompt{
				Preamble:     "You are Nya.",
				HistoryLabel: "Conversation history",
				History:      "alice: @nya hello",
				Body:         "User: @nya hello\nnya:",
			},
			want: "You are Nya.\n\nConversation history:\nalice: @nya hello\n\nUser: @nya hello\nnya:",
		},
		{
			name: "interactive with quote",
			prompt: Prompt{
				Preamble:     "You are Nya.",
				HistoryLabel: "Conversation history",
				History:      "nya: what do you think?\nbob: ok",
				Quoted:       "what do you think?",
				Body:         "User: ok\nnya:",
			},
			want: "You are Nya.\n\nConversation history:\nnya: what do you think?\nbob: ok\n\n" +
				"Quoted message: \"what do you think?\"\n\nUser: ok\nnya:",
		},
		{
			name: "autonomous with empty history",
			prompt: Prompt{
				Preamble:     "Post something.",
				HistoryLabel: "Your previous posts",
				Body:         "AUTO",
			},
			want: "Post something.\n\nYour previous posts:\n\n\nAUTO",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := testCase.prompt.Render(); got != testCase.want {
				t.Fatalf("Render() = %q, want %q", got, testCase.want)
			}
		})
	}
}
