package tokens

import "testing"

func TestEstimateFromText(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "empty", text: "", want: 0},
		{name: "whitespace only", text: "   \n\t ", want: 0},
		{name: "single word", text: "hello", want: 1},
		{name: "three words", text: "one two three", want: 4},
		{name: "six words", text: "a b c d e f", want: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateFromText(tt.text); got != tt.want {
				t.Fatalf("EstimateFromText(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestEstimatePrompt(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   int
	}{
		{name: "empty", prompt: "", want: 0},
		{name: "short still counts one", prompt: "ab", want: 1},
		{name: "eight chars", prompt: "12345678", want: 2},
		{name: "forty chars", prompt: "0123456789012345678901234567890123456789", want: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimatePrompt(tt.prompt); got != tt.want {
				t.Fatalf("EstimatePrompt(%q) = %d, want %d", tt.prompt, got, tt.want)
			}
		})
	}
}
