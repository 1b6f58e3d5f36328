package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/descriptor"
	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
	"github.com/pdm-pw/pdm-sync-server/pkg/logging"
)

// Options controls where the launched process writes its output
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	// OnStart runs once the process is running, before Run waits on it
	OnStart func(pid int)
}

// Process is one launched instance of a LaunchPlan
type Process struct {
	plan   *descriptor.LaunchPlan
	cmd    *exec.Cmd
	logger logging.Logger

	done     chan struct{}
	waitErr  error
	stopOnce sync.Once
	stopErr  error
}

// Start launches the plan's executable directly, in its own process group,
// with the plan's environment appended to the current one.
func Start(plan *descriptor.LaunchPlan, opts Options, logger logging.Logger) (*Process, error) {
	if err := ValidateLaunchPlan(plan); err != nil {
		logger.Errorf("Launch plan validation failed, error: %v", err)
		return nil, err
	}

	if err := ensureExecutable(plan.ExecutablePath); err != nil {
		return nil, errors.NewPermissionError("failed to ensure process is executable", err).
			WithContext("name", plan.Name).
			WithContext("executable_path", plan.ExecutablePath)
	}

	cmd := exec.Command(plan.ExecutablePath, plan.Args...)
	cmd.Dir = plan.WorkingDirectory
	cmd.Env = append(os.Environ(), plan.Environment...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	setupProcessAttributes(cmd)

	logger.Debugf("Executing process, name: %s, profile: %s, path: '%s', args: %v, working directory: '%s'",
		plan.Name, plan.Profile, plan.ExecutablePath, plan.Args, plan.WorkingDirectory)

	if err := cmd.Start(); err != nil {
		return nil, errors.NewProcessError("failed to start the process", err).
			WithContext("name", plan.Name).
			WithContext("executable_path", plan.ExecutablePath)
	}

	logger.Infof("Successfully started process, name: %s, profile: %s, PID: %d", plan.Name, plan.Profile, cmd.Process.Pid)

	p := &Process{
		plan:   plan,
		cmd:    cmd,
		logger: logger,
		done:   make(chan struct{}),
	}
	go p.wait()

	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	if err != nil {
		domainErr := errors.NewProcessError("process exited with error", err).WithContext("name", p.plan.Name)
		if exitErr, ok := err.(*exec.ExitError); ok {
			domainErr.WithContext("exit_code", exitErr.ExitCode())
		}
		p.waitErr = domainErr
		p.logger.Warnf("Process exited, name: %s, PID: %d, error: %v", p.plan.Name, p.PID(), err)
	} else {
		p.logger.Infof("Process exited cleanly, name: %s, PID: %d", p.plan.Name, p.PID())
	}
	close(p.done)
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit error, if any
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Stop sends the termination signal to the process group and waits for the
// plan's grace period, or until ctx is done, before killing it. A forced
// kill is reported as a timeout error.
func (p *Process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx)
	})
	return p.stopErr
}

func (p *Process) stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	p.logger.Infof("Stopping process, name: %s, PID: %d, grace period: %v", p.plan.Name, p.PID(), p.plan.GracePeriod)

	if err := sendTerminationSignal(p.cmd.Process); err != nil {
		p.logger.Warnf("Failed to send termination signal, name: %s, PID: %d, error: %v", p.plan.Name, p.PID(), err)
	}

	timer := time.NewTimer(p.plan.GracePeriod)
	defer timer.Stop()

	select {
	case <-p.done:
		p.logger.Infof("Process stopped gracefully, name: %s", p.plan.Name)
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.logger.Warnf("Process did not exit within grace period, killing, name: %s, PID: %d", p.plan.Name, p.PID())
	if err := forceKill(p.cmd.Process); err != nil {
		p.logger.Errorf("Failed to kill process, name: %s, PID: %d, error: %v", p.plan.Name, p.PID(), err)
	}
	<-p.done

	return errors.NewTimeoutError("process did not exit within grace period", nil).
		WithContext("name", p.plan.Name).
		WithContext("grace_period", p.plan.GracePeriod.String())
}

// Run launches the plan once and blocks until the process exits or ctx is
// cancelled, in which case the process is stopped with its grace period.
// Restarting is left to the supervisor.
func Run(ctx context.Context, plan *descriptor.LaunchPlan, opts Options, logger logging.Logger) error {
	p, err := Start(plan, opts, logger)
	if err != nil {
		return err
	}
	if opts.OnStart != nil {
		opts.OnStart(p.PID())
	}

	select {
	case <-p.Done():
		return p.Wait()
	case <-ctx.Done():
		logger.Infof("Context done, stopping process, name: %s", plan.Name)
		return p.Stop(context.Background())
	}
}

// ensureExecutable checks if a file is executable and makes it executable if it's not
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIOError("file does not exist", err).WithContext("path", path)
	}

	if runtime.GOOS == "windows" {
		return nil
	}

	mode := info.Mode()
	if mode&0111 != 0 {
		return nil
	}

	if err := os.Chmod(path, mode|0111); err != nil {
		return errors.NewPermissionError("failed to make file executable", err).WithContext("path", path)
	}

	return nil
}
