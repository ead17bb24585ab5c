package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"

	"pulse/internal/activity"
)

type stateSource interface {
	State() activity.State
	StateChanged() <-chan struct{}
}

// colorOutput returns a termenv output for w, falling back to plain text
// when w is not a terminal.
func colorOutput(w io.Writer) *termenv.Output {
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return termenv.NewOutput(w)
	}
	return termenv.NewOutput(w, termenv.WithProfile(termenv.Ascii))
}

// watchState prints one line per state change until ctx is done.
func watchState(ctx context.Context, src stateSource, w io.Writer) {
	out := colorOutput(w)
	for {
		changed := src.StateChanged()
		fmt.Fprintln(w, renderState(src.State(), time.Now(), out))
		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}

// renderState formats st as a single status line.
func renderState(st activity.State, now time.Time, out *termenv.Output) string {
	var b strings.Builder
	if st.Active {
		b.WriteString(out.String("● active").Foreground(out.Color("2")).Bold().String())
	} else {
		b.WriteString(out.String("○ idle  ").Faint().String())
	}

	b.WriteString("  ")
	b.WriteString(out.String(st.Source.DisplayName()).Foreground(out.Color("6")).String())

	if st.HasToolCall {
		fmt.Fprintf(&b, "  tool=%s", out.String(st.ToolCall).Foreground(out.Color("3")).String())
	}
	fmt.Fprintf(&b, "  tokens=%d  session=%d", st.TokenCount, st.SessionTokens)

	if !st.LastActivity.IsZero() {
		fmt.Fprintf(&b, "  last=%s ago", now.Sub(st.LastActivity).Truncate(time.Second))
	}
	return b.String()
}
