package agent

import "testing"

func TestExtractThoughts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		thoughts []string
		cleaned  string
	}{
		{
			name:    "no markers",
			input:   "plain answer",
			cleaned: "plain answer",
		},
		{
			name:     "single thought",
			input:    "<thought>check the logs</thought>The logs look fine.",
			thoughts: []string{"check the logs"},
			cleaned:  "The logs look fine.",
		},
		{
			name:     "multiple thoughts",
			input:    "<thought>first</thought>middle<thought>second</thought>end",
			thoughts: []string{"first", "second"},
			cleaned:  "middleend",
		},
		{
			name:    "unterminated marker leaves text intact",
			input:   "answer <thought>dangling",
			cleaned: "answer <thought>dangling",
		},
		{
			name:     "empty thought is dropped",
			input:    "<thought>  </thought>answer",
			thoughts: nil,
			cleaned:  "answer",
		},
		{
			name:     "whitespace trimmed",
			input:    "<thought>\n  padded\n</thought>  reply  ",
			thoughts: []string{"padded"},
			cleaned:  "reply",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			thoughts, cleaned := ExtractThoughts(tt.input, "<thought>", "</thought>")
			if cleaned != tt.cleaned {
				t.Errorf("cleaned: expected %q, got %q", tt.cleaned, cleaned)
			}
			if len(thoughts) != len(tt.thoughts) {
				t.Fatalf("expected %d thoughts, got %d (%v)", len(tt.thoughts), len(thoughts), thoughts)
			}
			for i := range tt.thoughts {
				if thoughts[i] != tt.thoughts[i] {
					t.Errorf("thought %d: expected %q, got %q", i, tt.thoughts[i], thoughts[i])
				}
			}
		})
	}
}

func TestExtractThoughts_EmptyMarkers(t *testing.T) {
	thoughts, cleaned := ExtractThoughts("<thought>x</thought>", "", "</thought>")
	if thoughts != nil || cleaned != "<thought>x</thought>" {
		t.Errorf("empty markers must disable extraction, got %v, %q", thoughts, cleaned)
	}
}
