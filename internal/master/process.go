package master

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"prefork/internal/dispatch"
	"prefork/internal/heartbeat"
)

// Process is one supervised worker subprocess as the master sees it.
type Process interface {
	ID() string
	PID() int
	// Signal delivers a signal, normally SIGTERM for graceful drain.
	Signal(sig os.Signal) error
	// Kill terminates immediately. Used for flagged or stuck workers.
	Kill() error
	// Reports delivers heartbeat reports in order; closed when the pipe
	// breaks, i.e. the worker exited.
	Reports() <-chan heartbeat.Report
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// Err returns the exit error, valid after Done is closed.
	Err() error
}

// Spawner creates worker processes. Injected so the master's lifecycle logic
// is testable without fork/exec.
type Spawner interface {
	Spawn(ctx context.Context, workerID string) (Process, error)
}

// ExecSpawner re-executes the current binary as a worker, handing it the
// bound socket and a fresh heartbeat pipe.
type ExecSpawner struct {
	// Exe and Args replay the master's own invocation; the worker branch is
	// selected by environment, not argv.
	Exe  string
	Args []string

	// Listener is the master's dup of the bound socket; every child
	// inherits its own descriptor referring to the same socket.
	Listener *os.File

	// ConfigJSON is the normalized configuration, serialized once.
	ConfigJSON string
}

func (s *ExecSpawner) Spawn(ctx context.Context, workerID string) (Process, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("heartbeat pipe: %w", err)
	}

	cmd := exec.Command(s.Exe, s.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{s.Listener, pw}
	cmd.Env = append(os.Environ(),
		dispatch.EnvWorkerID+"="+workerID,
		dispatch.EnvConfig+"="+s.ConfigJSON,
	)

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, err
	}
	// The child holds the write end now; dropping ours makes the read end
	// see EOF as soon as the worker dies.
	_ = pw.Close()

	p := &execProcess{
		id:      workerID,
		cmd:     cmd,
		reports: heartbeat.Stream(pr),
		done:    make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		_ = pr.Close()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	id      string
	cmd     *exec.Cmd
	reports <-chan heartbeat.Report
	done    chan struct{}
	err     error
}

func (p *execProcess) ID() string { return p.id }
func (p *execProcess) PID() int   { return p.cmd.Process.Pid }
func (p *execProcess) Err() error { return p.err }

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

func (p *execProcess) Reports() <-chan heartbeat.Report { return p.reports }
func (p *execProcess) Done() <-chan struct{}            { return p.done }

// GracefulSignal is what workers receive to start draining.
var GracefulSignal os.Signal = syscall.SIGTERM
