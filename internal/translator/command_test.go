package translator

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDisplayCommand(t *testing.T) {
	tests := []struct {
		name string
		args string
		want string
	}{
		{"string array", `["ls","-la"]`, "ls -la"},
		{"argv with spaces", `["echo","hello world"]`, `echo "hello world"`},
		{"argv with quotes", `["grep","say \"hi\""]`, `grep "say \"hi\""`},
		{"empty element", `["printf",""]`, `printf ""`},
		{"wrapped argv", `{"command":["git","status"]}`, "git status"},
		{"object fallback", `{"path": "a.txt",  "mode": "read"}`, `{"path":"a.txt","mode":"read"}`},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DisplayCommand(json.RawMessage(tt.args))
			if got != tt.want {
				t.Errorf("DisplayCommand(%s) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestTruncateOutputShortPassthrough(t *testing.T) {
	out := "one\ntwo\nthree"
	if got := TruncateOutput(out, 20); got != out {
		t.Errorf("short output modified: %q", got)
	}
	if got := TruncateOutput("", 20); got != "" {
		t.Errorf("empty output modified: %q", got)
	}
}

func TestTruncateOutputElidesMiddle(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "line"
	}
	got := TruncateOutput(strings.Join(lines, "\n"), 20)

	gotLines := strings.Split(got, "\n")
	if len(gotLines) != 20 {
		t.Fatalf("got %d lines, want 20", len(gotLines))
	}
	if !strings.Contains(got, "81 lines elided") {
		t.Errorf("elision marker missing or wrong: %q", gotLines[10])
	}
	if gotLines[0] != "line" || gotLines[len(gotLines)-1] != "line" {
		t.Errorf("head or tail not preserved")
	}
}
