package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/descriptor"
	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
	"github.com/pdm-pw/pdm-sync-server/pkg/logcollection"
	"github.com/pdm-pw/pdm-sync-server/pkg/monitoring"
	"github.com/pdm-pw/pdm-sync-server/pkg/process"
	"github.com/pdm-pw/pdm-sync-server/pkg/processfile"
	"github.com/pdm-pw/pdm-sync-server/pkg/resourcelimits"

	"gopkg.in/yaml.v3"
)

const (
	defaultDescriptorPath = "ecosystem.config.yaml"
	// percent of max_memory_restart
	memoryWarningThreshold = 90
)

type descriptorOptions struct {
	Config string `short:"c" long:"config" default:"ecosystem.config.yaml" description:"path to the process descriptor"`
	App    string `long:"app" description:"app to select, defaults to the only declared app"`
}

func (o descriptorOptions) load() (*descriptor.Ecosystem, *descriptor.ProcessDescriptor, error) {
	path := o.Config
	if path == "" {
		path = defaultDescriptorPath
	}

	ecosystem, err := descriptor.LoadEcosystemFromFile(path)
	if err != nil {
		return nil, nil, err
	}
	if err := descriptor.ValidateEcosystem(ecosystem); err != nil {
		return nil, nil, err
	}

	if o.App != "" {
		app, err := ecosystem.App(o.App)
		return ecosystem, app, err
	}
	app, err := ecosystem.Single()
	return ecosystem, app, err
}

type validateCommand struct {
	descriptorOptions
	cli *cli
}

func (c *validateCommand) Execute(args []string) error {
	c.cli.logger.Debugf("Validating descriptor, path: %s", c.Config)

	_, app, err := c.load()
	if err != nil {
		c.cli.logger.Errorf("Descriptor is invalid: %v", err)
		return err
	}

	fmt.Fprintf(c.cli.stdout, "%s: OK, app: %s, profiles: %s\n",
		c.Config, app.Name, strings.Join(app.ProfileNames(), ", "))
	return nil
}

type showCommand struct {
	descriptorOptions
	Profile string `short:"p" long:"profile" default:"default" description:"environment profile to resolve"`
	cli     *cli
}

// planView is the printed form of a launch plan
type planView struct {
	Name             string   `yaml:"name"`
	Profile          string   `yaml:"profile"`
	Executable       string   `yaml:"executable"`
	Args             []string `yaml:"args,omitempty"`
	WorkingDirectory string   `yaml:"working_directory"`
	Environment      []string `yaml:"environment"`
	KillTimeout      string   `yaml:"kill_timeout"`
	RestartPolicy    string   `yaml:"restart_policy"`
	Watch            bool     `yaml:"watch"`
	MaxMemoryRestart string   `yaml:"max_memory_restart,omitempty"`
}

func newPlanView(plan *descriptor.LaunchPlan, app *descriptor.ProcessDescriptor) planView {
	return planView{
		Name:             plan.Name,
		Profile:          plan.Profile,
		Executable:       plan.ExecutablePath,
		Args:             plan.Args,
		WorkingDirectory: plan.WorkingDirectory,
		Environment:      plan.Environment,
		KillTimeout:      plan.GracePeriod.String(),
		RestartPolicy:    string(plan.RestartPolicy),
		Watch:            plan.Watch,
		MaxMemoryRestart: app.MaxMemoryRestart.String(),
	}
}

func (c *showCommand) Execute(args []string) error {
	ecosystem, app, err := c.load()
	if err != nil {
		return err
	}

	plan, err := app.LaunchPlan(c.Profile, ecosystem.Dir())
	if err != nil {
		return err
	}

	encoder := yaml.NewEncoder(c.cli.stdout)
	encoder.SetIndent(2)
	defer encoder.Close()
	if err := encoder.Encode(newPlanView(plan, app)); err != nil {
		return errors.NewIOError("failed to print launch plan", err)
	}
	return nil
}

type runCommand struct {
	descriptorOptions
	Profile        string        `short:"p" long:"profile" default:"default" description:"environment profile to launch with"`
	Home           string        `long:"home" description:"directory for pid and log files, defaults to $PDM_HOME or ~/.pdm"`
	Logs           bool          `long:"logs" description:"also append output to <home>/logs/<app>-out.log and <app>-error.log"`
	HealthURL      string        `long:"health" description:"probe target to monitor while running, e.g. http://localhost:8080/health"`
	HealthInterval time.Duration `long:"health-interval" default:"30s" description:"interval between health probes"`
	MemoryInterval time.Duration `long:"memory-interval" default:"30s" description:"interval between memory samples when max_memory_restart is set"`
	cli            *cli
}

func (c *runCommand) Execute(args []string) error {
	ecosystem, app, err := c.load()
	if err != nil {
		return err
	}

	plan, err := app.LaunchPlan(c.Profile, ecosystem.Dir())
	if err != nil {
		return err
	}
	plan.Args = append(plan.Args, args...)

	files := processfile.NewProcessFileManager(processfile.ProcessFileConfig{HomeDirectory: c.Home}, c.cli.logger)
	pidFile := plan.PIDFile
	if pidFile == "" {
		pidFile = files.GeneratePIDFilePath(plan.Name)
	}
	if status, err := files.Status(pidFile); err == nil && status.Running {
		return errors.NewConflictError("app is already running", nil).
			WithContext("app", plan.Name).
			WithContext("pid", status.PID)
	}

	collector, err := c.newCollector(plan, files)
	if err != nil {
		return err
	}
	defer func() {
		if err := collector.Close(); err != nil {
			c.cli.logger.Warnf("Failed to close log files: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.HealthURL != "" {
		monitor, err := c.startHealthMonitor(ctx, plan.Name)
		if err != nil {
			return err
		}
		defer monitor.Stop()
	}

	var memory resourcelimits.ResourceMonitor
	opts := process.Options{
		Stdout: collector.Writer(processfile.StdoutStream),
		Stderr: collector.Writer(processfile.StderrStream),
		OnStart: func(pid int) {
			if err := files.WritePIDFile(pidFile, pid); err != nil {
				c.cli.logger.Warnf("Failed to write PID file: %v", err)
			}
			if plan.MaxMemoryBytes > 0 {
				memory = c.startMemoryMonitor(ctx, plan, pid)
			}
		},
	}
	defer func() {
		if memory != nil {
			memory.Stop()
		}
	}()
	defer func() {
		if err := files.RemovePIDFile(pidFile); err != nil {
			c.cli.logger.Warnf("Failed to remove PID file: %v", err)
		}
	}()

	c.cli.logger.Infof("Launching %s, profile: %s, restart policy: %s", plan.Name, plan.Profile, plan.RestartPolicy)
	return process.Run(ctx, plan, opts, c.cli.logger)
}

// newCollector tees the app's output to the console and, when configured,
// to its out/error log files
func (c *runCommand) newCollector(plan *descriptor.LaunchPlan, files *processfile.ProcessFileManager) (*logcollection.Collector, error) {
	outFile, errorFile := plan.OutFile, plan.ErrorFile
	if c.Logs {
		if outFile == "" {
			outFile = files.GenerateLogFilePath(plan.Name, processfile.StdoutStream)
		}
		if errorFile == "" {
			errorFile = files.GenerateLogFilePath(plan.Name, processfile.StderrStream)
		}
	}

	return logcollection.NewCollector(logcollection.Options{
		AppName:    plan.Name,
		OutFile:    outFile,
		ErrorFile:  errorFile,
		DateFormat: plan.LogDateFormat,
		Console: map[processfile.StreamType]io.Writer{
			processfile.StdoutStream: os.Stdout,
			processfile.StderrStream: os.Stderr,
		},
	}, c.cli.logger)
}

func (c *runCommand) startHealthMonitor(ctx context.Context, name string) (monitoring.HealthMonitor, error) {
	timeout := c.HealthInterval / 2
	config, err := monitoring.ParseTarget(c.HealthURL, timeout)
	if err != nil {
		return nil, err
	}

	monitor := monitoring.NewHealthMonitor(config, monitoring.HealthCheckRunOptions{
		Interval:     c.HealthInterval,
		InitialDelay: timeout,
	}, name, c.cli.logger)
	monitor.SetStatusChangeCallback(func(previous, current monitoring.HealthCheckStatus, message string) {
		c.cli.logger.Infof("Health of %s: %s -> %s (%s)", name, previous, current, message)
	})
	if err := monitor.Start(ctx); err != nil {
		return nil, err
	}
	return monitor, nil
}

// startMemoryMonitor reports samples above max_memory_restart. Restarting
// on a breach is left to the supervisor.
func (c *runCommand) startMemoryMonitor(ctx context.Context, plan *descriptor.LaunchPlan, pid int) resourcelimits.ResourceMonitor {
	monitor := resourcelimits.NewResourceMonitor(pid, resourcelimits.ResourceMonitoringConfig{
		Interval: c.MemoryInterval,
		Limits:   resourcelimits.MemoryLimits{MaxRSS: plan.MaxMemoryBytes, WarningThreshold: memoryWarningThreshold},
	}, c.cli.logger)
	monitor.SetViolationCallback(func(violation *resourcelimits.ResourceViolation) {
		c.cli.logger.Warnf("%s memory %s: %s", plan.Name, violation.Severity, violation.Message)
	})
	if err := monitor.Start(ctx); err != nil {
		c.cli.logger.Warnf("Failed to start memory monitoring: %v", err)
		return nil
	}
	return monitor
}

type statusCommand struct {
	descriptorOptions
	Home string `long:"home" description:"directory for pid and log files, defaults to $PDM_HOME or ~/.pdm"`
	cli  *cli
}

func (c *statusCommand) Execute(args []string) error {
	ecosystem, app, err := c.load()
	if err != nil {
		return err
	}
	plan, err := app.LaunchPlan(descriptor.DefaultProfile, ecosystem.Dir())
	if err != nil {
		return err
	}

	files := processfile.NewProcessFileManager(processfile.ProcessFileConfig{HomeDirectory: c.Home}, c.cli.logger)
	pidFile := plan.PIDFile
	if pidFile == "" {
		pidFile = files.GeneratePIDFilePath(plan.Name)
	}

	status, err := files.Status(pidFile)
	switch {
	case errors.IsNotFoundError(err):
		fmt.Fprintf(c.cli.stdout, "%s: stopped\n", plan.Name)
		return nil
	case err != nil:
		return err
	case status.Running:
		fmt.Fprintf(c.cli.stdout, "%s: online, pid: %d", plan.Name, status.PID)
		if usage, err := resourcelimits.GetProcessUsage(status.PID); err == nil {
			fmt.Fprintf(c.cli.stdout, ", memory: %dMB", usage.MemoryRSS/descriptor.MiB)
			if plan.MaxMemoryBytes > 0 {
				fmt.Fprintf(c.cli.stdout, " of %s", app.MaxMemoryRestart)
			}
		}
		fmt.Fprintln(c.cli.stdout)
	default:
		fmt.Fprintf(c.cli.stdout, "%s: stopped, stale pid file: %s\n", plan.Name, pidFile)
	}
	return nil
}

type probeCommand struct {
	Target   string        `short:"u" long:"url" default:"http://localhost:8080/health" description:"http(s)://, grpc://host:port or tcp://host:port target"`
	Timeout  time.Duration `short:"t" long:"timeout" default:"5s" description:"timeout of each probe"`
	Retries  int           `long:"retries" default:"0" description:"extra attempts before giving up"`
	Interval time.Duration `long:"interval" default:"1s" description:"delay between attempts"`
	cli      *cli
}

func (c *probeCommand) Execute(args []string) error {
	config, err := monitoring.ParseTarget(c.Target, c.Timeout)
	if err != nil {
		return err
	}
	if c.Retries < 0 {
		return errors.NewValidationError("retries cannot be negative", nil)
	}

	ctx := context.Background()
	var message string
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.Interval)
		}

		var healthy bool
		healthy, message, err = monitoring.Probe(ctx, config, c.cli.logger)
		if err != nil {
			return err
		}
		c.cli.logger.Debugf("Probe attempt %d/%d: %s", attempt+1, c.Retries+1, message)
		if healthy {
			fmt.Fprintf(c.cli.stdout, "healthy: %s\n", message)
			return nil
		}
	}

	fmt.Fprintf(c.cli.stdout, "unhealthy: %s\n", message)
	return errors.NewNetworkError("target is unhealthy", nil).WithContext("target", c.Target)
}
