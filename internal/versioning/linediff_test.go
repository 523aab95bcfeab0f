package versioning

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLineDiff(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
		want     []DiffLine
	}{
		{
			name: "identical",
			old:  `{"a":1}`,
			new:  `{"a":1}`,
			want: []DiffLine{
				{Kind: DiffContext, OldLine: 1, NewLine: 1, Text: "{"},
				{Kind: DiffContext, OldLine: 2, NewLine: 2, Text: `  "a": 1`},
				{Kind: DiffContext, OldLine: 3, NewLine: 3, Text: "}"},
			},
		},
		{
			name: "added key",
			old:  `{"a":1}`,
			new:  `{"b":2,"a":1}`,
			want: []DiffLine{
				{Kind: DiffContext, OldLine: 1, NewLine: 1, Text: "{"},
				{Kind: DiffRemove, OldLine: 2, Text: `  "a": 1`},
				{Kind: DiffAdd, NewLine: 2, Text: `  "a": 1,`},
				{Kind: DiffAdd, NewLine: 3, Text: `  "b": 2`},
				{Kind: DiffContext, OldLine: 3, NewLine: 4, Text: "}"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LineDiff(json.RawMessage(tt.old), json.RawMessage(tt.new))
			if err != nil {
				t.Fatalf("LineDiff: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("lines mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLineDiffRejectsInvalidJSON(t *testing.T) {
	if _, err := LineDiff(json.RawMessage(`{`), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for invalid document")
	}
}
