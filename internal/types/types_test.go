package types

import "testing"

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		want     ModelRef
		wantErr  bool
	}{
		{
			name:  "valid anthropic",
			input: "anthropic:claude-sonnet-4-20250514",
			want:  ModelRef{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
		},
		{
			name:  "valid with colon in model",
			input: "openrouter:anthropic/claude-3.5-sonnet:beta",
			want:  ModelRef{Provider: "openrouter", Model: "anthropic/claude-3.5-sonnet:beta"},
		},
		{
			name:    "missing separator",
			input:   "gpt-4o",
			wantErr: true,
		},
		{
			name:    "empty provider",
			input:   ":gpt-4o",
			wantErr: true,
		},
		{
			name:    "empty model",
			input:   "openai:",
			wantErr: true,
		},
		{
			name:    "whitespace only model",
			input:   "openai:   ",
			wantErr: true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseModelRef(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseModelRef(%q) expected error, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseModelRef(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseModelRef(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestModelRefString(t *testing.T) {
	ref := ModelRef{Provider: "gemini", Model: "gemini-2.5-flash"}
	if got := ref.String(); got != "gemini:gemini-2.5-flash" {
		t.Errorf("String() = %q", got)
	}
	if ref.IsZero() {
		t.Error("non-empty ref reported zero")
	}
	if !(ModelRef{}).IsZero() {
		t.Error("zero ref not reported zero")
	}
}

func TestUsageAdd(t *testing.T) {
	u := UsageMetadata{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	u.Add(UsageMetadata{InputTokens: 3, OutputTokens: 2, TotalTokens: 5})
	if u.InputTokens != 13 || u.OutputTokens != 7 || u.TotalTokens != 20 {
		t.Errorf("unexpected usage after Add: %+v", u)
	}
}
