// Package runner launches and supervises an embedded Carabiner daemon
// for hosts where none is already running.
package runner

import (
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	// stopGracePeriod is how long a SIGTERM'd daemon gets before SIGKILL.
	stopGracePeriod = 2 * time.Second
	stopPollDelay   = 50 * time.Millisecond
)

// Runner manages one child Carabiner process. The zero value is unusable;
// construct with New.
type Runner struct {
	path string

	mu  sync.Mutex
	cmd *exec.Cmd
}

// New returns a Runner that launches the binary at path. An empty path
// yields a runner that reports it cannot run locally.
func New(path string) *Runner {
	return &Runner{path: path}
}

// CanRunLocally reports whether a daemon binary is configured and present
// on this host.
func (r *Runner) CanRunLocally() bool {
	if r.path == "" {
		return false
	}
	info, err := os.Stat(r.path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}

// Start launches the daemon listening on the given port. At most one
// child runs at a time.
func (r *Runner) Start(port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd != nil && r.aliveLocked() {
		return errors.New("embedded daemon already running")
	}

	cmd := exec.Command(r.path, "--port", strconv.Itoa(port))
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "launching %s", r.path)
	}
	r.cmd = cmd
	log.Printf("[runner] launched %s (pid %d) on port %d", r.path, cmd.Process.Pid, port)

	// Reap the child whenever it exits so it never lingers as a zombie.
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("[runner] daemon pid %d exited: %v", cmd.Process.Pid, err)
		}
	}()
	return nil
}

// Stop terminates the child: SIGTERM first, SIGKILL if it is still alive
// after the grace period. Stopping a runner with no child is a no-op.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd == nil || r.cmd.Process == nil {
		return nil
	}
	pid := r.cmd.Process.Pid
	if !r.aliveLocked() {
		r.cmd = nil
		return nil
	}

	if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return errors.Wrapf(err, "terminating daemon pid %d", pid)
	}
	deadline := time.Now().Add(stopGracePeriod)
	for time.Now().Before(deadline) {
		if !r.aliveLocked() {
			r.cmd = nil
			return nil
		}
		time.Sleep(stopPollDelay)
	}

	log.Printf("[runner] daemon pid %d ignored SIGTERM, killing", pid)
	if err := r.cmd.Process.Kill(); err != nil {
		return errors.Wrapf(err, "killing daemon pid %d", pid)
	}
	r.cmd = nil
	return nil
}

// aliveLocked reports whether the current child process is still running.
// Caller holds r.mu.
func (r *Runner) aliveLocked() bool {
	if r.cmd == nil || r.cmd.Process == nil {
		return false
	}
	p, err := process.NewProcess(int32(r.cmd.Process.Pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	if err != nil {
		return false
	}
	if !running {
		return false
	}
	// The pid may have been recycled after the reaper collected the child;
	// a zombie also counts as gone.
	statuses, err := p.Status()
	if err != nil {
		return true
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return false
		}
	}
	return true
}
