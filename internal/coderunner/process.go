package coderunner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/types"
)

var ErrShutdown = errors.New("runner is shut down")

// Process is a Runner backed by one interpreter subprocess. Executions are
// serialized. A session that dies is restarted on the next execution with a
// fresh state.
type Process struct {
	lang    string
	argv    []string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan string
	exited chan struct{}
	closed bool
}

var _ Runner = (*Process)(nil)

// Start launches the interpreter if it is not already running.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrShutdown
	}
	return p.startLocked()
}

func (p *Process) startLocked() error {
	if p.cmd != nil {
		return nil
	}

	cmd := exec.Command(p.argv[0], p.argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.lang, err)
	}

	lines := make(chan string, 64)
	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		p.logger.Info("session exited", "error", err)
		pw.Close()
		close(exited)
	}()
	go readLines(pr, lines)

	if p.lang == LangBash {
		if _, err := io.WriteString(stdin, bashInit); err != nil {
			cmd.Process.Kill()
			return fmt.Errorf("init %s: %w", p.lang, err)
		}
	}

	p.cmd, p.stdin, p.lines, p.exited = cmd, stdin, lines, exited
	p.logger.Info("session started", "pid", cmd.Process.Pid)
	return nil
}

// readLines splits r into lines, keeping the trailing newline.
func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			out <- line
		}
		if err != nil {
			return
		}
	}
}

// killLocked stops the current session. The next execution starts a new one.
func (p *Process) killLocked() {
	if p.cmd == nil {
		return
	}
	p.stdin.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	go func(lines <-chan string) {
		for range lines {
		}
	}(p.lines)
	<-p.exited
	p.cmd, p.stdin, p.lines, p.exited = nil, nil, nil, nil
}

// Execute runs code in the session. Program output is streamed as
// FunctionOutput deltas followed by one final FunctionOutput with the whole
// text; displays and the trailing expression value are separate finals;
// failures are reported as Error events.
func (p *Process) Execute(ctx context.Context, source types.MessageID, code string) (<-chan event.Event, error) {
	req, err := request(p.lang, code)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrShutdown
	}
	if err := p.startLocked(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if _, err := p.stdin.Write(req); err != nil {
		p.killLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("write %s request: %w", p.lang, err)
	}

	out := make(chan event.Event, 16)
	go func() {
		defer p.mu.Unlock()
		defer close(out)
		p.collect(ctx, source, out)
	}()
	return out, nil
}

// collect reads the session output of one execution until its done record.
// Called with p.mu held.
func (p *Process) collect(ctx context.Context, source types.MessageID, out chan<- event.Event) {
	var (
		text   strings.Builder
		result string
		failed []string
	)
	emit := func(ev event.Event) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}
	flush := func() {
		if text.Len() > 0 {
			emit(event.NewFunctionOutput(source, FunctionName, text.String(), false))
		}
		if result != "" {
			emit(event.NewFunctionOutput(source, FunctionName, result, false))
		}
		for _, msg := range failed {
			emit(event.NewError(source, msg))
		}
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.killLocked()
			return
		case <-timer.C:
			p.logger.Warn("execution timed out", "timeout", p.timeout)
			p.killLocked()
			failed = append(failed, fmt.Sprintf("Execution timed out after %s. The session was restarted.", p.timeout))
			flush()
			return
		case line, ok := <-p.lines:
			if !ok {
				p.killLocked()
				failed = append(failed, fmt.Sprintf("The %s session exited. It will be restarted on the next run.", p.lang))
				flush()
				return
			}

			chunk, rec, hasRec := splitRecord(line)
			if chunk != "" {
				text.WriteString(chunk)
				emit(event.NewFunctionOutput(source, FunctionName, chunk, true))
			}
			if !hasRec {
				continue
			}

			var c control
			if err := json.Unmarshal([]byte(rec), &c); err != nil {
				p.logger.Warn("malformed control record", "record", rec, "error", err)
				continue
			}
			switch c.Kind {
			case kindResult:
				result = c.Text
			case kindDisplay:
				emit(event.NewFunctionOutput(source, FunctionName, FormatDisplay(c.Mime, c.Data, c.Alt), false))
			case kindError:
				failed = append(failed, c.Text)
			case kindDone:
				if c.Exit != 0 {
					failed = append(failed, fmt.Sprintf("exit status %d", c.Exit))
				}
				flush()
				return
			}
		}
	}
}

// splitRecord separates program output from a control record on one line.
func splitRecord(line string) (text, record string, ok bool) {
	i := strings.IndexByte(line, recordSep)
	if i < 0 {
		return line, "", false
	}
	return line[:i], strings.TrimRight(line[i+1:], "\r\n"), true
}

// Shutdown ends the session. Subsequent executions fail with ErrShutdown.
func (p *Process) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.cmd == nil {
		return nil
	}

	p.stdin.Close()
	select {
	case <-p.exited:
	case <-ctx.Done():
	case <-time.After(3 * time.Second):
	}
	p.killLocked()
	return nil
}
