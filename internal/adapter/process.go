package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/shehryarbajwa/companion/internal/apperr"
	"github.com/shehryarbajwa/companion/internal/logging"
	"github.com/shehryarbajwa/companion/pkg/models"
)

var log = logging.NewLogger("adapter")

// maxLineSize bounds one wire line. Tool results can carry whole files.
const maxLineSize = 64 * 1024 * 1024

// Spec describes a subprocess to launch
type Spec struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string // KEY=VALUE, appended to the server's environment
}

// Process is a running backend subprocess.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader

	// Wait blocks until the process exits. Call it only after Stdout has
	// been read to EOF.
	Wait() error

	Kill() error
}

// Spawner starts processes. Tests substitute pipe-backed fakes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// ExecSpawner runs real binaries with os/exec
type ExecSpawner struct{}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return p.cmd.Process.Kill()
}

// Spawn starts the binary. The process outlives ctx; ctx only bounds the
// start itself.
func (ExecSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe failed: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe failed: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stderr pipe failed: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Binary, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.WithField("pid", cmd.Process.Pid).Debug(scanner.Text())
		}
	}()

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// lineWire is the newline-delimited JSON transport both backends speak.
// Every line is handed to onRaw exactly as it crossed the pipe.
type lineWire struct {
	proc  Process
	onRaw func(models.Direction, string)

	writeMu sync.Mutex
	alive   atomic.Bool
}

func newLineWire(proc Process, onRaw func(models.Direction, string)) *lineWire {
	w := &lineWire{proc: proc, onRaw: onRaw}
	w.alive.Store(true)
	return w
}

// send writes v as one line
func (w *lineWire) send(v interface{}) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	line := buf.Bytes()

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if !w.alive.Load() {
		return apperr.New(apperr.CodeUnavailable, "backend process is not running")
	}
	w.onRaw(models.DirectionOut, string(line[:len(line)-1]))
	if _, err := w.proc.Stdin().Write(line); err != nil {
		return fmt.Errorf("failed to write to backend: %w", err)
	}
	return nil
}

// readLoop feeds each stdout line to handle until EOF.
func (w *lineWire) readLoop(handle func(line []byte)) {
	scanner := bufio.NewScanner(w.proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		raw := string(line)
		w.onRaw(models.DirectionIn, raw)
		handle([]byte(raw))
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Warn("Backend stdout read failed")
	}
}

// wait reaps the process and returns its exit code
func (w *lineWire) wait() int {
	err := w.proc.Wait()
	w.writeMu.Lock()
	w.alive.Store(false)
	w.writeMu.Unlock()
	w.proc.Stdin().Close()
	return exitCode(err)
}

func (w *lineWire) close() error {
	if !w.alive.Load() {
		return nil
	}
	return w.proc.Kill()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return -1
}
