package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// LaunchSpec describes one invocation of a task script.
type LaunchSpec struct {
	// Dir is the working directory of the child.
	Dir string
	// Argv is the full command line, e.g. ["python3", "-u", "/work/137.py"].
	Argv []string
	// Env is added on top of the parent environment (TASK_ID, WORKER_ID, ...).
	Env map[string]string
	// LogFile receives combined stdout+stderr. It is truncated on launch.
	LogFile string
}

// Process is a handle to a launched task script.
type Process struct {
	cmd       *exec.Cmd
	startedAt time.Time
	done      chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

// Launch starts the child in its own process group with stdout/stderr
// redirected to spec.LogFile. It does not wait for the child.
func Launch(spec LaunchSpec) (*Process, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("launch: empty argv")
	}
	if err := os.MkdirAll(filepath.Dir(spec.LogFile), 0o755); err != nil {
		return nil, errors.Wrap(err, "launch: ensure log dir")
	}
	logf, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "launch: open log file")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), envList(spec.Env)...)
	cmd.Stdout = logf
	cmd.Stderr = logf
	// own process group so the whole tree can be killed on hang or interrupt
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logf.Close()
		return nil, errors.Wrapf(err, "launch: start %s", spec.Argv[0])
	}

	p := &Process{cmd: cmd, startedAt: time.Now(), done: make(chan struct{})}
	go func() {
		werr := cmd.Wait()
		_ = logf.Close()
		p.mu.Lock()
		p.waitErr = werr
		p.exitCode = exitCodeOf(werr)
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// Done is closed once the child has exited and its log file is closed.
func (p *Process) Done() <-chan struct{} { return p.done }

// Pid returns the OS process id of the child.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// StartedAt returns when the child was started.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// ExitCode is valid after Done is closed. -1 means the child did not exit
// normally (killed by a signal or wait failure).
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Kill sends SIGKILL to the child's process group and waits for the child to
// be reaped.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		// fall back to the leader alone
		err = p.cmd.Process.Kill()
	} else {
		err = nil
	}
	<-p.done
	return err
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}
