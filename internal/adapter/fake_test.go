package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/companion/pkg/models"
)

type exitStatus int

func (e exitStatus) Error() string { return "exit status" }
func (e exitStatus) ExitCode() int { return int(e) }

// fakeProcess is a pipe-backed backend. Lines the adapter writes are
// collected on sent; lines the test writes with emit appear on stdout.
type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	sent chan string

	once    sync.Once
	done    chan struct{}
	exitErr error
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{sent: make(chan string, 256), done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()

	go func() {
		scanner := bufio.NewScanner(p.stdinR)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			p.sent <- scanner.Text()
		}
	}()
	return p
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.exitErr
}

func (p *fakeProcess) Kill() error {
	p.exit(exitStatus(137))
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		close(p.done)
		p.stdoutW.Close()
	})
}

func (p *fakeProcess) emit(t *testing.T, line string) {
	t.Helper()
	_, err := p.stdoutW.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

// next returns the next line the adapter wrote, decoded
func (p *fakeProcess) next(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case line := <-p.sent:
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &msg), line)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for adapter output")
		return nil
	}
}

type fakeSpawner struct {
	proc *fakeProcess
	spec Spec
}

func (s *fakeSpawner) Spawn(_ context.Context, spec Spec) (Process, error) {
	s.spec = spec
	return s.proc, nil
}

type rawLine struct {
	dir models.Direction
	raw string
}

// sink collects everything an adapter reports
type sink struct {
	events chan models.Event
	mu     sync.Mutex
	raw    []rawLine
	exited chan int
}

func newSink() *sink {
	return &sink{events: make(chan models.Event, 256), exited: make(chan int, 1)}
}

func (s *sink) callbacks() Callbacks {
	return Callbacks{
		OnEvent: func(e models.Event) { s.events <- e },
		OnRaw: func(dir models.Direction, raw string) {
			s.mu.Lock()
			s.raw = append(s.raw, rawLine{dir, raw})
			s.mu.Unlock()
		},
		OnExit: func(code int) { s.exited <- code },
	}
}

func (s *sink) next(t *testing.T) models.Event {
	t.Helper()
	select {
	case e := <-s.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.Event{}
	}
}

func (s *sink) rawLines() []rawLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rawLine(nil), s.raw...)
}

func (s *sink) assertNoEvent(t *testing.T) {
	t.Helper()
	select {
	case e := <-s.events:
		t.Fatalf("unexpected event %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
