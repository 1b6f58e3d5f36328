package main

import (
	"fmt"
	"io"
	"os"

	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"

	"github.com/pdm-pw/pdm-sync-server/pkg/logging"

	flags "github.com/jessevdk/go-flags"
)

type cli struct {
	Verbose bool `short:"v" long:"verbose" description:"log debug messages"`

	logger logging.Logger
	stdout io.Writer
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-cli , ", module)
}

func main() {
	app := &cli{stdout: os.Stdout}
	parser := newParser(app)

	_, err := parser.ParseArgs(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			os.Exit(0)
		}
		fmt.Printf("pdmctl: %v\n", err)
		os.Exit(1)
	}
}

func newParser(app *cli) *flags.Parser {
	parser := flags.NewParser(app, flags.HelpFlag|flags.PassDoubleDash)
	parser.CommandHandler = func(command flags.Commander, args []string) error {
		if command == nil {
			return nil
		}
		if app.logger == nil {
			app.logger = newLogger(app.Verbose)
		}
		return command.Execute(args)
	}

	mustAddCommand(parser, "validate", "Validate the process descriptor",
		"Loads the descriptor, applies defaults and reports every invalid field.",
		&validateCommand{cli: app})
	mustAddCommand(parser, "show", "Print the launch plan for a profile",
		"Resolves the descriptor for a profile and prints the executable, arguments, environment and grace period.",
		&showCommand{cli: app})
	mustAddCommand(parser, "run", "Launch the app once in the foreground",
		"Starts the resolved executable directly and stops it with the declared kill timeout on SIGINT or SIGTERM. "+
			"Restarting is left to the supervisor.",
		&runCommand{cli: app})
	mustAddCommand(parser, "status", "Report whether the app is running",
		"Reads the app's PID file and checks the process is alive.",
		&statusCommand{cli: app})
	mustAddCommand(parser, "probe", "Check the health of a running server",
		"Probes an http(s)://, grpc:// or tcp:// target and exits non-zero when it is unhealthy.",
		&probeCommand{cli: app})

	return parser
}

func mustAddCommand(parser *flags.Parser, name, short, long string, data interface{}) {
	if _, err := parser.AddCommand(name, short, long, data); err != nil {
		panic(err)
	}
}

// newLogger routes the CLI logger through the sprintf std logger. Debug
// messages are dropped unless verbose.
func newLogger(verbose bool) logging.Logger {
	logger := sprintfLogging.NewStdSprintfLogger()

	funcs := logging.LogFuncs{
		Infof:  logger.Infof,
		Warnf:  logger.Warnf,
		Errorf: logger.Errorf,
	}
	if verbose {
		funcs.Debugf = logger.Debugf
	}
	return logging.NewLogger(logPrefix("pdmctl"), funcs)
}
