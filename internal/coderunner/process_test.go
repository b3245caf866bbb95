package coderunner

import (
	"context"
	"errors"
	"os/exec"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/user/hexe/internal/event"
)

func newSession(t *testing.T, lang string, cfg Config) *Process {
	t.Helper()
	bin := "bash"
	if lang == LangPython {
		bin = "python3"
	}
	if _, err := exec.LookPath(bin); err != nil {
		t.Skipf("%s not installed", bin)
	}
	p, err := NewProcess(lang, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func run(t *testing.T, p *Process, code string) []event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ch, err := p.Execute(ctx, "call-1", code)
	if err != nil {
		t.Fatal(err)
	}
	var out []event.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

// finals returns the final events of a run and fails unless there are n.
func finals(t *testing.T, events []event.Event, n int) []event.Event {
	t.Helper()
	var out []event.Event
	for _, ev := range events {
		if ev.IsFinal() {
			out = append(out, ev)
		}
	}
	if n >= 0 && len(out) != n {
		t.Fatalf("expected %d final events, got %d: %+v", n, len(out), out)
	}
	return out
}

func output(t *testing.T, ev event.Event) string {
	t.Helper()
	out, ok := ev.(*event.FunctionOutput)
	if !ok {
		t.Fatalf("expected function output, got %T", ev)
	}
	return out.Content
}

func failure(t *testing.T, ev event.Event) string {
	t.Helper()
	e, ok := ev.(*event.Error)
	if !ok {
		t.Fatalf("expected error event, got %T", ev)
	}
	return e.Content
}

func TestSplitRecord(t *testing.T) {
	text, _, ok := splitRecord("hello\n")
	if ok || text != "hello\n" {
		t.Errorf("expected plain text, got %q ok=%v", text, ok)
	}

	text, rec, ok := splitRecord("partial\x1e{\"kind\":\"done\"}\n")
	if !ok {
		t.Fatal("expected a record")
	}
	if text != "partial" || rec != `{"kind":"done"}` {
		t.Errorf("unexpected split %q / %q", text, rec)
	}
}

func TestFormatDisplay(t *testing.T) {
	tests := []struct {
		mime, data, alt string
		want            string
	}{
		{"text/html", "<b>x</b>", "", "<b>x</b>"},
		{"application/json", `{"a":1}`, "", "```json\n{\"a\":1}\n```"},
		{"image/png", "AAAA", `&lt;Figure&gt; "x"`, `<img src="data:image/png;base64,AAAA" alt="&lt;Figure&gt; &quot;x&quot;" />`},
		{"video/mp4", "AAAA", "clip", `<video src="data:video/mp4;base64,AAAA" controls="controls" alt="clip" />`},
		{"text/latex", "x^2", "", `{"text/latex":"x^2"}`},
	}
	for _, tt := range tests {
		if got := FormatDisplay(tt.mime, tt.data, tt.alt); got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.mime, tt.want, got)
		}
	}
}

func TestNewProcessRejectsUnknownLanguage(t *testing.T) {
	if _, err := NewProcess("ruby", Config{}, nil); err == nil {
		t.Error("expected error for ruby")
	}
	if !Supported("python") || Supported("ruby") {
		t.Error("unexpected supported languages")
	}
}

func TestBashStreamsOutput(t *testing.T) {
	p := newSession(t, LangBash, Config{})

	events := run(t, p, "echo one\necho two >&2")
	if len(events) == 0 {
		t.Fatal("expected events")
	}

	var deltas []string
	for _, ev := range events {
		out, ok := ev.(*event.FunctionOutput)
		if !ok {
			t.Fatalf("unexpected %T", ev)
		}
		if out.Source != "call-1" || out.Name != FunctionName {
			t.Errorf("unexpected attribution %q/%q", out.Source, out.Name)
		}
		if !out.IsFinal() {
			deltas = append(deltas, out.Content)
		}
	}
	if want := []string{"one\n", "two\n"}; !slices.Equal(deltas, want) {
		t.Errorf("expected deltas %q, got %q", want, deltas)
	}

	f := finals(t, events, 1)
	if got := output(t, f[0]); got != "one\ntwo\n" {
		t.Errorf("unexpected final output %q", got)
	}
}

func TestBashKeepsState(t *testing.T) {
	p := newSession(t, LangBash, Config{})

	run(t, p, "GREETING=hello")
	f := finals(t, run(t, p, `echo "$GREETING"`), 1)
	if got := output(t, f[0]); got != "hello\n" {
		t.Errorf("expected state kept, got %q", got)
	}
}

func TestBashExitStatusIsError(t *testing.T) {
	p := newSession(t, LangBash, Config{})

	f := finals(t, run(t, p, "echo oops; false"), 2)
	if got := output(t, f[0]); got != "oops\n" {
		t.Errorf("unexpected output %q", got)
	}
	if got := failure(t, f[1]); got != "exit status 1" {
		t.Errorf("unexpected error %q", got)
	}
}

func TestBashExitRestartsSession(t *testing.T) {
	p := newSession(t, LangBash, Config{})

	run(t, p, "X=1")
	f := finals(t, run(t, p, "exit 3"), -1)
	if len(f) == 0 {
		t.Fatal("expected final events")
	}
	if got := failure(t, f[len(f)-1]); !strings.Contains(got, "session exited") {
		t.Errorf("unexpected error %q", got)
	}

	f = finals(t, run(t, p, `echo "x=$X"`), 1)
	if got := output(t, f[0]); got != "x=\n" {
		t.Errorf("expected a fresh session, got %q", got)
	}
}

func TestBashTimeout(t *testing.T) {
	p := newSession(t, LangBash, Config{Timeout: 200 * time.Millisecond})

	f := finals(t, run(t, p, "sleep 5"), 1)
	if got := failure(t, f[0]); !strings.Contains(got, "timed out") {
		t.Errorf("unexpected error %q", got)
	}

	f = finals(t, run(t, p, "echo back"), 1)
	if got := output(t, f[0]); got != "back\n" {
		t.Errorf("unexpected output %q", got)
	}
}

func TestShutdownRejectsExecute(t *testing.T) {
	p := newSession(t, LangBash, Config{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Execute(context.Background(), "call-1", "echo hi"); !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown, got %v", err)
	}
}

func TestPythonResultAndState(t *testing.T) {
	p := newSession(t, LangPython, Config{})

	f := finals(t, run(t, p, "x = 20\nprint('hi')\nx + 22"), 2)
	if output(t, f[0]) != "hi\n" || output(t, f[1]) != "42" {
		t.Errorf("unexpected outputs %q, %q", output(t, f[0]), output(t, f[1]))
	}

	f = finals(t, run(t, p, "x"), 1)
	if got := output(t, f[0]); got != "20" {
		t.Errorf("expected state kept, got %q", got)
	}
}

func TestPythonException(t *testing.T) {
	p := newSession(t, LangPython, Config{})

	f := finals(t, run(t, p, "print('before')\nundefined_name"), 2)
	if got := output(t, f[0]); got != "before\n" {
		t.Errorf("unexpected output %q", got)
	}
	if got := failure(t, f[1]); !strings.HasPrefix(got, "NameError:") {
		t.Errorf("unexpected error %q", got)
	}
}

func TestPythonDisplay(t *testing.T) {
	p := newSession(t, LangPython, Config{})

	code := "class Page:\n    def _repr_html_(self):\n        return '<p>hi</p>'\nPage()"
	f := finals(t, run(t, p, code), 1)
	if got := output(t, f[0]); got != "<p>hi</p>" {
		t.Errorf("unexpected display %q", got)
	}
}

func TestPythonInputDoesNotConsumeRequests(t *testing.T) {
	p := newSession(t, LangPython, Config{})

	f := finals(t, run(t, p, "try:\n    input()\nexcept EOFError:\n    print('eof')"), 1)
	if got := output(t, f[0]); got != "eof\n" {
		t.Errorf("unexpected output %q", got)
	}
}
