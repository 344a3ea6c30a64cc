// Package transcode manages the ffmpeg child processes that push scheduled
// sources to the platform ingest endpoint.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process is a handle on a running ffmpeg invocation.
type Process interface {
	// Done is closed once the process has exited and its exit handler ran.
	Done() <-chan struct{}
	// Err returns the process exit error, valid after Done is closed.
	Err() error
	// Stop asks the process to exit, escalating to a kill after the
	// timeout. It returns once the process has exited.
	Stop(timeout time.Duration) error
}

// Runner starts streaming processes. The scheduler depends on this interface
// so tests can substitute a fake.
type Runner interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// FFmpegRunner launches real ffmpeg processes.
type FFmpegRunner struct {
	Binary string
	Logger *slog.Logger
}

// NewFFmpegRunner returns a Runner using the ffmpeg binary on PATH.
func NewFFmpegRunner(logger *slog.Logger) *FFmpegRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegRunner{Binary: "ffmpeg", Logger: logger}
}

type process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (r *FFmpegRunner) Start(ctx context.Context, spec Spec) (Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	binary := r.Binary
	if binary == "" {
		binary = "ffmpeg"
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, binary, buildArgs(spec)...)
	cmd.Stdout = newLogWriter(r.Logger, spec.StreamID, "stdout")
	cmd.Stderr = newLogWriter(r.Logger, spec.StreamID, "stderr")
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	r.Logger.Info("ffmpeg started", "stream_id", spec.StreamID, "pid", cmd.Process.Pid, "target", spec.IngestURL)

	proc := &process{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		proc.mu.Lock()
		proc.err = err
		proc.mu.Unlock()
		if err != nil {
			r.Logger.Warn("ffmpeg exited", "stream_id", spec.StreamID, "error", err)
		} else {
			r.Logger.Info("ffmpeg completed", "stream_id", spec.StreamID)
		}
		cancel()
		close(proc.done)
	}()

	// Caller cancellation stops the process without waiting for Stop.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-proc.done:
		}
	}()

	return proc, nil
}

func (p *process) Done() <-chan struct{} {
	return p.done
}

func (p *process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop sends SIGTERM so ffmpeg can flush its output, then kills the process
// if it has not exited within the timeout.
func (p *process) Stop(timeout time.Duration) error {
	select {
	case <-p.done:
		return p.Err()
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.cancel()
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
	}

	p.cancel()
	<-p.done
	return fmt.Errorf("process killed after %s stop timeout", timeout)
}

// logWriter splits child process output into lines and forwards each one to
// the structured logger.
type logWriter struct {
	logger *slog.Logger
	stream string
	id     string
}

func newLogWriter(logger *slog.Logger, streamID, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream, id: streamID}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg output", "stream_id", w.id, "channel", w.stream, "line", string(line))
	}
	return total, nil
}
