// Package process runs short-lived child processes under a wall-clock
// timeout and a lowered scheduling priority.
package process

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	ErrTimeout     = errors.New("process timed out")
	ErrNonZeroExit = errors.New("process exited with non-zero status")
)

// Spec describes one invocation.
type Spec struct {
	Path    string
	Args    []string
	Timeout time.Duration // zero means no limit beyond ctx
	Nice    int           // niceness applied to the child once started
}

func (s Spec) String() string {
	return strings.Join(append([]string{s.Path}, s.Args...), " ")
}

// Output is the captured result of a finished process.
type Output struct {
	Pid      int
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Runner starts child processes in their own process group so that a
// timeout kills the whole tree, and always reaps them before returning.
type Runner struct {
	log       *log.Entry
	waitDelay time.Duration
}

func NewRunner(logger *log.Entry) *Runner {
	if logger == nil {
		logger = log.WithField("component", "process")
	}
	return &Runner{
		log:       logger,
		waitDelay: 2 * time.Second,
	}
}

// Run executes spec and returns its captured output. On timeout or
// cancellation the process group is killed and no output is returned. A
// non-zero exit returns the output together with an ErrNonZeroExit error.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Output, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Stdin = nil
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = sysProcAttr()
	cmd.Cancel = func() error {
		return killGroup(cmd.Process)
	}
	cmd.WaitDelay = r.waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", spec.Path)
	}
	pid := cmd.Process.Pid

	if spec.Nice != 0 {
		if err := setNice(pid, spec.Nice); err != nil {
			r.log.WithError(err).WithField("pid", pid).Debug("could not lower priority")
		}
	}

	err := cmd.Wait()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, errors.Wrapf(ErrTimeout, "%s after %s", spec.Path, elapsed.Round(time.Millisecond))
		}
		return nil, errors.Wrapf(ctxErr, "%s", spec.Path)
	}

	out := &Output{
		Pid:      pid,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: elapsed,
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, errors.Wrapf(ErrNonZeroExit, "%s returned %d", spec.Path, exitErr.ExitCode())
		}
		return out, errors.Wrapf(err, "wait %s", spec.Path)
	}

	return out, nil
}

func killProcess(p *os.Process) error {
	if p == nil {
		return os.ErrProcessDone
	}
	return p.Kill()
}
