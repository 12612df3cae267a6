package procrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/rendergrid/workeragent/pkg/actionrunner"
)

// Runner executes actionrunner.ActionSpec values as OS subprocesses.
type Runner struct {
	logger zerolog.Logger
}

var _ actionrunner.Runner = (*Runner)(nil)

// New constructs a subprocess Runner.
func New(logger zerolog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Start implements actionrunner.Runner.
func (r *Runner) Start(ctx context.Context, spec actionrunner.ActionSpec) (actionrunner.Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if spec.OSUser != "" {
		cred, err := lookupCredential(spec.OSUser)
		if err != nil {
			return nil, fmt.Errorf("resolve os user %s: %w", spec.OSUser, err)
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn action %s: %w", spec.ActionID, err)
	}

	h := &handle{
		cmd:      cmd,
		cancelCh: make(chan time.Duration, 1),
		resultCh: make(chan actionrunner.Result, 1),
	}
	go h.supervise(spec)
	return h, nil
}

func lookupCredential(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse uid %s: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse gid %s: %w", u.Gid, err)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

type handle struct {
	cmd      *exec.Cmd
	cancelCh chan time.Duration
	resultCh chan actionrunner.Result
	once     sync.Once
}

func (h *handle) Wait() <-chan actionrunner.Result {
	return h.resultCh
}

func (h *handle) Cancel(grace time.Duration) {
	h.once.Do(func() {
		h.cancelCh <- grace
	})
}

func (h *handle) supervise(spec actionrunner.ActionSpec) {
	waitErr := make(chan error, 1)
	go func() { waitErr <- h.cmd.Wait() }()

	var timeoutC <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case err := <-waitErr:
		h.resultCh <- resultFromWaitErr(err, false, false)

	case grace := <-h.cancelCh:
		h.terminate(grace)
		err := <-waitErr
		h.resultCh <- resultFromWaitErr(err, true, false)

	case <-timeoutC:
		h.terminate(spec.Timeout)
		err := <-waitErr
		h.resultCh <- resultFromWaitErr(err, false, true)
	}
	close(h.resultCh)
}

// terminate signals SIGTERM, waits up to grace for the process to exit,
// then escalates to SIGKILL. The caller still reads the final exit from
// waitErr; terminate only applies the signals.
func (h *handle) terminate(grace time.Duration) {
	if h.cmd.Process == nil {
		return
	}
	_ = h.cmd.Process.Signal(syscall.SIGTERM)

	if grace <= 0 {
		_ = h.cmd.Process.Signal(syscall.SIGKILL)
		return
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	done := make(chan struct{})
	go func() {
		_, _ = h.cmd.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-timer.C:
		_ = h.cmd.Process.Signal(syscall.SIGKILL)
	}
}

func resultFromWaitErr(err error, canceled, timedOut bool) actionrunner.Result {
	if err == nil {
		code := 0
		res := actionrunner.Result{ExitCode: &code, Succeeded: !canceled && !timedOut, Canceled: canceled}
		switch {
		case timedOut:
			res.Message = "action timed out"
		case canceled:
			res.Message = "action canceled"
		}
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res := actionrunner.Result{Canceled: canceled}
		if code := exitErr.ExitCode(); code >= 0 {
			res.ExitCode = &code
		}
		switch {
		case timedOut:
			res.Message = fmt.Sprintf("action timed out: %v", err)
		case canceled:
			res.Message = "action canceled"
		default:
			res.Message = exitErr.Error()
		}
		return res
	}

	return actionrunner.Result{Message: fmt.Sprintf("spawn failure: %v", err)}
}
