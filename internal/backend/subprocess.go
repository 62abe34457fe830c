package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// maxStderrBytes caps the amount of stderr captured from the agent CLI.
	maxStderrBytes = 64 * 1024

	// maxStdoutBytes caps the amount of stdout scanned for a reply.
	maxStdoutBytes = 1 << 20

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// SubprocessConfig configures a Subprocess backend.
type SubprocessConfig struct {
	Command string
	// Args may contain {user}, {message} and {timeout} placeholders.
	Args    []string
	Timeout time.Duration
}

// Subprocess runs an agent CLI once per message and extracts the reply from
// its stdout. Arguments are passed as argv, never through a shell.
type Subprocess struct {
	command string
	args    []string
	timeout time.Duration
	logger  *slog.Logger

	// gracePeriod is terminationGracePeriod outside tests.
	gracePeriod time.Duration
}

// NewSubprocess creates a Subprocess backend.
func NewSubprocess(cfg SubprocessConfig, logger *slog.Logger) *Subprocess {
	return &Subprocess{
		command:     cfg.Command,
		args:        cfg.Args,
		timeout:     cfg.Timeout,
		logger:      logger,
		gracePeriod: terminationGracePeriod,
	}
}

// Invoke runs the agent for one message. The process is terminated when
// ctx ends; a deadline maps to ErrTimeout.
func (s *Subprocess) Invoke(ctx context.Context, text, userID string) (string, error) {
	args := s.expandArgs(ctx, text, userID)

	stdout, stderr, err := s.run(ctx, args)
	if err != nil {
		if err == ErrTimeout {
			return "", err
		}
		return "", &Error{Backend: "subprocess", Err: err, Stderr: stderr}
	}

	reply, ok := ExtractReply(stdout)
	if !ok {
		s.logger.Warn("agent output carried no reply", "stdout_bytes", len(stdout), "stderr", stderr)
		return "", ErrNoReply
	}
	return reply, nil
}

func (s *Subprocess) expandArgs(ctx context.Context, text, userID string) []string {
	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}

	r := strings.NewReplacer(
		"{user}", userID,
		"{message}", text,
		"{timeout}", strconv.Itoa(secs),
	)
	out := make([]string, len(s.args))
	for i, a := range s.args {
		out[i] = r.Replace(a)
	}
	return out
}

// run starts the command and waits for it, enforcing ctx with SIGTERM then
// SIGKILL after the grace period.
func (s *Subprocess) run(ctx context.Context, args []string) ([]byte, string, error) {
	// Not CommandContext: termination is managed here.
	cmd := exec.Command(s.command, args...)
	// Own process group so grandchildren are signalled too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Orphans holding stdout open must not stall Wait.
	cmd.WaitDelay = s.gracePeriod

	stdout := &cappedBuffer{limit: maxStdoutBytes}
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	s.logger.Debug("spawning agent", "command", s.command, "args", len(args))

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		s.logger.Warn("agent cancelled, sending SIGTERM", "reason", ctx.Err())
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
			s.logger.Error("failed to send SIGTERM", "error", err)
		}

		grace := time.NewTimer(s.gracePeriod)
		defer grace.Stop()

		select {
		case <-waitErr:
			s.logger.Info("agent exited after SIGTERM")
		case <-grace.C:
			s.logger.Warn("agent did not exit after SIGTERM, sending SIGKILL")
			if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
				s.logger.Error("failed to send SIGKILL", "error", err)
			}
			<-waitErr
		}

		return nil, stderr.String(), timeoutOr(ctx, ctx.Err())

	case err := <-waitErr:
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				return nil, stderr.String(), fmt.Errorf("agent exited with status %d", exitErr.ExitCode())
			}
			return nil, stderr.String(), fmt.Errorf("wait for process: %w", err)
		}
		return stdout.Bytes(), stderr.String(), nil
	}
}

// cappedBuffer keeps the first limit bytes written and silently drops the
// rest so a chatty child never blocks on a full pipe.
type cappedBuffer struct {
	buf   []byte
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte  { return b.buf }
func (b *cappedBuffer) String() string { return string(b.buf) }
