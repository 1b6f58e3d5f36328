package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pdm-pw/pdm-sync-server/pkg/config"
	"github.com/pdm-pw/pdm-sync-server/pkg/logging"
	"github.com/pdm-pw/pdm-sync-server/pkg/server"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config     string `long:"config" description:"path to the YAML configuration file"`
	Profile    string `long:"profile" description:"deployment profile, defaults to NODE_ENV"`
	Listen     string `long:"listen" description:"address to listen on, overrides the configuration"`
	GRPCHealth string `long:"grpc-health" description:"address of the gRPC health service, overrides the configuration"`
	LogLevel   string `long:"log-level" description:"debug, info, warn or error, overrides the configuration"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	profile := opts.Profile
	if profile == "" {
		profile = config.ProfileFromEnv()
	}

	cfg, err := config.LoadConfigFromFile(opts.Config, profile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if opts.Listen != "" {
		cfg.ListenAddress = opts.Listen
	}
	if opts.GRPCHealth != "" {
		cfg.GRPCHealthAddress = opts.GRPCHealth
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, syncLogger, err := logging.NewZapLogger(logging.ZapOptions{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Fields: map[string]string{
			"service": "pdm-sync-server",
			"profile": cfg.Profile,
		},
	})
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = syncLogger() }()

	logger.Infof("Starting..., config: %+v", *cfg)

	srv, err := server.New(cfg, logging.WithPrefix(logger, logging.ModulePrefix("server")))
	if err != nil {
		logger.Errorf("Failed to create server: %v", err)
		_ = syncLogger()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Errorf("Server stopped with error: %v", err)
		_ = syncLogger()
		os.Exit(1)
	}

	logger.Infof("Done")
}
