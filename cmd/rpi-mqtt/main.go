package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"rpimqtt/internal/app"
	"rpimqtt/internal/config"
	"rpimqtt/internal/logging"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

// Process exit codes
const (
	exitOK       = 0
	exitFatal    = 1
	exitUsage    = 2
	exitShutdown = 130
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var settingsFile string
	var listSensors bool
	var showVersion bool

	flagSet := pflag.NewFlagSet("rpi-mqtt", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&settingsFile, "settings-file", "s", "", "path to the YAML settings file (required)")
	flagSet.BoolVar(&listSensors, "list-sensors", false, "probe every sensor, print its availability and value, then exit")
	flagSet.BoolVar(&showVersion, "version", false, "print the version and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if showVersion {
		fmt.Fprintf(stdout, "rpi-mqtt %s\n", Version)
		return exitOK
	}

	if settingsFile == "" {
		fmt.Fprintln(stderr, "error: --settings-file is required")
		flagSet.PrintDefaults()
		return exitUsage
	}

	settings, err := config.Load(settingsFile)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFatal
	}

	logger, err := logging.New(logging.Config{
		Level:  settings.Script.LogLevel,
		Format: settings.Script.LogFormat,
		Output: stdout,
	})
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFatal
	}
	logger.Debug().Str("settings", settings.String()).Msg("Settings loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if listSensors {
		if err := app.ListSensors(ctx, settings.Sensors, nil, zerolog.Nop(), stdout); err != nil {
			logger.Error().Err(err).Msg("Failed to list sensors")
			return exitFatal
		}
		return exitOK
	}

	logger.Info().Str("version", Version).Msg("Starting rpi-mqtt")

	a := app.New(app.Options{
		Settings: settings,
		Version:  Version,
		Logger:   logger,
	})

	if err := a.Run(ctx); err != nil {
		if errors.Is(err, app.ErrHostnameUnresolved) {
			logger.Error().Err(err).Msg("Unable to determine the sensor name")
			return exitShutdown
		}
		if ctx.Err() != nil {
			// Stopped by a signal, shutdown was best effort
			logger.Warn().Err(err).Msg("Stopped with errors")
			return exitShutdown
		}
		logger.Error().Err(err).Msg("Fatal error")
		return exitFatal
	}

	return exitShutdown
}
