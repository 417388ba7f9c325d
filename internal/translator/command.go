package translator

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// DefaultMaxOutputLines bounds tool output snippets in canonical events.
// Longer output keeps its head and tail; the middle is elided.
const DefaultMaxOutputLines = 20

// DisplayCommand derives the human-readable command string for a shell-style
// tool call from its structured argument list. Elements containing whitespace
// are double-quoted. Arguments that are not a JSON string array fall back to
// their compact JSON form.
func DisplayCommand(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}

	var argv []string
	if err := json.Unmarshal(args, &argv); err != nil {
		// Some agents wrap the argv: {"command": ["ls", "-la"]}
		var wrapper struct {
			Command []string `json:"command"`
		}
		if err := json.Unmarshal(args, &wrapper); err != nil || len(wrapper.Command) == 0 {
			return compactJSON(args)
		}
		argv = wrapper.Command
	}

	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = quoteArg(a)
	}
	return strings.Join(quoted, " ")
}

func quoteArg(a string) string {
	if a == "" {
		return `""`
	}
	if strings.ContainsAny(a, " \t\n") {
		return `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
	}
	return a
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// TruncateOutput limits output to maxLines lines, keeping the beginning and
// the end of long output in preference to the middle.
func TruncateOutput(output string, maxLines int) string {
	if output == "" || maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	head := maxLines / 2
	tail := maxLines - head - 1
	elided := len(lines) - head - tail

	result := make([]string, 0, maxLines)
	result = append(result, lines[:head]...)
	result = append(result, "[… "+strconv.Itoa(elided)+" lines elided …]")
	result = append(result, lines[len(lines)-tail:]...)
	return strings.Join(result, "\n")
}
