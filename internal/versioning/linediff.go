package versioning

import (
	"encoding/json"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"botforge/api/internal/patch"
)

const (
	DiffContext = "context"
	DiffAdd     = "add"
	DiffRemove  = "remove"
)

// DiffLine is one line of a side-by-side review diff. OldLine and NewLine
// are 1-based and zero on the side the line does not exist in. They are the
// numbers comment line references point at.
type DiffLine struct {
	Kind    string `json:"kind"`
	OldLine int    `json:"oldLine,omitempty"`
	NewLine int    `json:"newLine,omitempty"`
	Text    string `json:"text"`
}

// LineDiff renders both states as indented JSON with sorted keys and diffs
// them line by line.
func LineDiff(oldState, newState json.RawMessage) ([]DiffLine, error) {
	oldText, err := patch.Indent(oldState)
	if err != nil {
		return nil, err
	}
	newText, err := patch.Indent(newState)
	if err != nil {
		return nil, err
	}

	dmp := diffmatchpatch.New()
	oldChars, newChars, lineArray := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(oldChars, newChars, false), lineArray)

	lines := make([]DiffLine, 0, strings.Count(newText, "\n")+1)
	oldLine, newLine := 0, 0
	for _, d := range diffs {
		for _, text := range splitLines(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				oldLine++
				newLine++
				lines = append(lines, DiffLine{Kind: DiffContext, OldLine: oldLine, NewLine: newLine, Text: text})
			case diffmatchpatch.DiffDelete:
				oldLine++
				lines = append(lines, DiffLine{Kind: DiffRemove, OldLine: oldLine, Text: text})
			case diffmatchpatch.DiffInsert:
				newLine++
				lines = append(lines, DiffLine{Kind: DiffAdd, NewLine: newLine, Text: text})
			}
		}
	}
	return lines, nil
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

// lineCount is the number of lines in the indented rendering of state.
func lineCount(state json.RawMessage) (int, error) {
	text, err := patch.Indent(state)
	if err != nil {
		return 0, err
	}
	return len(splitLines(text)), nil
}
