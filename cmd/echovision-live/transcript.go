package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/echovision-ai/echovision/pkg/core/live"
)

// transcriptRenderer prints the rolling conversation transcript. On a TTY the
// line currently being spoken is redrawn in place with carriage returns;
// otherwise only completed lines are printed.
type transcriptRenderer struct {
	out  io.Writer
	tty  bool
	role live.TranscriptRole
	line strings.Builder
}

func newTranscriptRenderer(out *os.File) *transcriptRenderer {
	return &transcriptRenderer{out: out, tty: term.IsTerminal(int(out.Fd()))}
}

// Delta appends a transcript fragment. A role switch finishes the previous
// speaker's line first.
func (r *transcriptRenderer) Delta(role live.TranscriptRole, text string) {
	if text == "" {
		return
	}
	if r.line.Len() > 0 && role != r.role {
		r.EndLine()
	}
	r.role = role
	r.line.WriteString(text)
	if r.tty {
		fmt.Fprintf(r.out, "\r%s %s", roleTag(role), r.line.String())
	}
}

// EndLine completes the pending line, if any.
func (r *transcriptRenderer) EndLine() {
	if r.line.Len() == 0 {
		return
	}
	if r.tty {
		fmt.Fprintf(r.out, "\r%s %s\n", roleTag(r.role), r.line.String())
	} else {
		fmt.Fprintf(r.out, "%s %s\n", roleTag(r.role), r.line.String())
	}
	r.line.Reset()
}

// Note prints a bracketed status marker on its own line.
func (r *transcriptRenderer) Note(text string) {
	r.EndLine()
	fmt.Fprintf(r.out, "[%s]\n", text)
}

func roleTag(role live.TranscriptRole) string {
	if role == live.RoleUser {
		return "[you]"
	}
	return "[echo]"
}
