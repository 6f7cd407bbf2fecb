package pool

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/eenlars/alive-sub006/pkg/workspace"
)

// SpawnSpec carries everything a Spawner needs to start one worker.
type SpawnSpec struct {
	WorkspaceKey    string
	Credentials     workspace.Credentials
	SocketPath      string
	WorkerEntryPath string
	SessionsBaseDir string
	HostSkillsDir   string
}

// Process is the pool's view of a spawned worker OS process: enough to
// wait for exit and to terminate the whole process group it roots, without
// the rest of the pool touching os/exec directly.
type Process interface {
	Pid() int
	// Done is closed once the process has exited; ExitErr then reports
	// Wait's result.
	Done() <-chan struct{}
	ExitErr() error
	TerminateGroup() error
	KillGroup() error
}

// Spawner starts worker processes. Production code uses osSpawner; tests
// inject a fake that starts an in-process goroutine dialing the listener
// instead of forking a real setuid child.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// osSpawner forks the real worker entry binary with the spawn contract
// environment: WORKER_SOCKET_PATH, WORKER_WORKSPACE_KEY, TARGET_UID,
// TARGET_GID, TARGET_CWD set as environment, stderr inherited so the
// worker's "[worker ...]"-prefixed diagnostics land on the host's log.
type osSpawner struct{}

// NewOSSpawner returns the production Spawner that forks the real worker
// entry binary per process.
func NewOSSpawner() Spawner { return osSpawner{} }

func (osSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if spec.WorkerEntryPath == "" {
		return nil, fmt.Errorf("pool: workerEntryPath is not configured")
	}

	cmd := exec.Command(spec.WorkerEntryPath)
	cmd.Env = append(os.Environ(),
		"WORKER_SOCKET_PATH="+spec.SocketPath,
		"WORKER_WORKSPACE_KEY="+spec.WorkspaceKey,
		fmt.Sprintf("TARGET_UID=%d", spec.Credentials.UID),
		fmt.Sprintf("TARGET_GID=%d", spec.Credentials.GID),
		"TARGET_CWD="+spec.Credentials.Cwd,
		"SESSIONS_BASE_DIR="+spec.SessionsBaseDir,
		"HOST_SKILLS_DIR="+spec.HostSkillsDir,
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	setProcGroup(cmd)
	linuxPdeathsig(cmd.SysProcAttr)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pool: spawn worker for %s: %w", spec.WorkspaceKey, err)
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *osProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *osProcess) Done() <-chan struct{} { return p.done }
func (p *osProcess) ExitErr() error        { return p.err }

func (p *osProcess) TerminateGroup() error {
	return terminateProcessGroup(p.cmd.Process.Pid)
}

func (p *osProcess) KillGroup() error {
	return killProcessGroup(p.cmd.Process.Pid)
}
