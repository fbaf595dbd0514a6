// Package jobs provides job bodies executed by the queue engine.
// Command runs a shell command, registers its process tree for cancellation and retries failed attempts with repeater.
// Command line can use template elements like {{.JobID}} or {{.YYYYMMDD}}.
package jobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/umputun/soloq/app/conditions"
	"github.com/umputun/soloq/app/engine"
)

// Repeater runs fun with retries
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// ConditionChecker checks system conditions before the command starts
type ConditionChecker interface {
	Check(ctx context.Context, cfg conditions.Config) error
}

// Command is a job running shell command with "sh -c"
type Command struct {
	Command     string
	Dir         string
	Env         []string // added to the current process environment
	MaxLogLines int      // number of output lines added to the failure message
	Repeater    Repeater // single attempt if nil
	Conditions  *conditions.Config
	Checker     ConditionChecker
	Stdout      io.Writer // command output, os.Stdout if nil
	LogPrefix   bool
	WaitDelay   time.Duration  // time to wait for output pipes after the process exited
	TimeZone    *time.Location // for date elements of command template, local if nil
}

// CommandError is the failure of command with the tail of its output
type CommandError struct {
	Err      error
	Output   string
	Attempts int
}

// Error returns the error combined with captured output
func (e *CommandError) Error() string {
	if e.Output == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + "\n\n" + e.Output
}

// Unwrap returns underlying error
func (e *CommandError) Unwrap() error { return e.Err }

// Run executes the command. Context cancellation returns ctx error, the process tree
// is terminated by the engine with signals sent to the registered handle.
func (c *Command) Run(ctx context.Context, ec engine.ExecContext) error {
	if c.Conditions != nil && !c.Conditions.IsEmpty() && c.Checker != nil {
		if err := c.Checker.Check(ctx, *c.Conditions); err != nil {
			return err
		}
	}

	command, err := expandCommand(c.Command, ec, time.Now(), c.TimeZone)
	if err != nil {
		return err
	}

	rptr := c.Repeater
	if rptr == nil {
		rptr = repeater.New(&strategy.Once{})
	}
	tail := NewTailWriter(c.MaxLogLines)

	attempts := 0
	err = rptr.Do(ctx, func() error {
		if e := ctx.Err(); e != nil {
			return e
		}
		attempts++
		if attempts > 1 {
			log.Printf("[INFO] retry %s, attempt %d", ec.JobID, attempts)
		}
		return c.runOnce(ec, command, tail)
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return &CommandError{Err: err, Output: tail.String(), Attempts: attempts}
	}
	return nil
}

func (c *Command) runOnce(ec engine.ExecContext, command string, tail io.Writer) error {
	cmd := exec.Command("sh", "-c", command) // nolint gosec
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	var out io.Writer = os.Stdout
	if c.Stdout != nil {
		out = c.Stdout
	}
	if c.LogPrefix {
		out = NewLogPrefixer(out, ec.EndpointName, ec.JobID)
	}
	w := io.MultiWriter(tail, out)
	cmd.Stdout, cmd.Stderr = w, w

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command %s: %w", command, err)
	}
	if ec.RegisterProcess != nil {
		ec.RegisterProcess(NewProcessTree(cmd.Process))
	}
	log.Printf("[DEBUG] job %s started process %d, %s", ec.JobID, cmd.Process.Pid, command)
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("failed to execute command %s: %w", command, err)
	}
	return nil
}

// NewRepeater makes repeater with backoff strategy
func NewRepeater(attempts int, duration time.Duration, factor float64, jitter bool) Repeater {
	if attempts <= 1 {
		return repeater.New(&strategy.Once{})
	}
	return repeater.New(&strategy.Backoff{Repeats: attempts, Duration: duration, Factor: factor, Jitter: jitter})
}
