package operations

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// WorkerLogFilename captures the detached worker's stdout and stderr.
const WorkerLogFilename = "worker.log"

// ExecLauncher re-executes a binary as `backup run` in its own session so
// the job outlives the process that started it.
type ExecLauncher struct {
	Executable string
	ConfigPath string
	LogDir     string
}

// Args returns the worker command line for a job.
func (l ExecLauncher) Args(jobType, jobID string) []string {
	args := []string{"backup", "run", "--type", jobType, "--job-id", jobID}
	if l.ConfigPath != "" {
		args = append(args, "--config", l.ConfigPath)
	}
	return args
}

// Launch starts the worker and returns its pid without waiting for it.
func (l ExecLauncher) Launch(jobType, jobID string) (int, error) {
	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return 0, fmt.Errorf("locate executable: %w", err)
		}
	}

	cmd := exec.Command(exe, l.Args(jobType, jobID)...)
	cmd.SysProcAttr = detached()
	if l.LogDir != "" {
		if err := os.MkdirAll(l.LogDir, 0o755); err != nil {
			return 0, fmt.Errorf("mkdir %q: %w", l.LogDir, err)
		}
		out, err := os.OpenFile(filepath.Join(l.LogDir, WorkerLogFilename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open worker log: %w", err)
		}
		defer out.Close()
		cmd.Stdout = out
		cmd.Stderr = out
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start worker: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release worker: %w", err)
	}
	return pid, nil
}
