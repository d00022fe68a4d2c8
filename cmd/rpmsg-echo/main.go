// Command rpmsg-echo runs the rpmsg echo test against the remote cores of an RZ board, or
// against a simulated board in-process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srediag/plugin-rpmsg/internal/logger"
	"github.com/srediag/plugin-rpmsg/pkg/config"
	"github.com/srediag/plugin-rpmsg/pkg/stop"
)

var (
	configPath string
	boardName  string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           "rpmsg-echo",
		Short:         "Echo test over rpmsg shared-memory channels",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&boardName, "board", "rzg2l", "board defaults when no configuration file is given (rzg2l, rzg3s)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "trace, debug, info, warn, error or none")
	rootCmd.AddCommand(runCmd, simulateCmd, remoteprocCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rpmsg-echo:", err)
		os.Exit(1)
	}
}

// loadConfig reads --config, or the --board defaults, and applies the log level.
func loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.ForBoard(boardName)
	}
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cfg.LogLevel != "" {
		lv, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return config.Config{}, err
		}
		logger.SetLevel(lv)
	}
	return cfg, nil
}

// signalFlag returns a stop flag requested on SIGINT or SIGTERM.
func signalFlag(ctx context.Context) (*stop.Flag, func()) {
	flag := stop.New()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sig:
			flag.Request()
		case <-ctx.Done():
		case <-done:
		}
	}()
	return flag, func() {
		signal.Stop(sig)
		close(done)
	}
}
