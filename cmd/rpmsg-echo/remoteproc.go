package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srediag/plugin-rpmsg/internal/logger"
	"github.com/srediag/plugin-rpmsg/pkg/config"
	"github.com/srediag/plugin-rpmsg/pkg/lifecycle"
	"github.com/srediag/plugin-rpmsg/pkg/shm"
)

var (
	remoteprocCmd = &cobra.Command{
		Use:   "remoteproc",
		Short: "Control the remote cores through the remoteproc sysfs class",
	}
	remoteprocStartCmd = &cobra.Command{
		Use:   "start",
		Short: "Load the firmware and start every configured core",
		RunE: withManager(func(cmd *cobra.Command, m *lifecycle.Manager) error {
			return m.Start(cmd.Context())
		}),
	}
	remoteprocStopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop the cores that are out of reset",
		RunE: withManager(func(cmd *cobra.Command, m *lifecycle.Manager) error {
			return m.Stop(cmd.Context())
		}),
	}
	remoteprocStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the sysfs state and reset state of each core",
		RunE:  withManager(printStatus),
	}
)

func init() {
	remoteprocCmd.AddCommand(remoteprocStartCmd, remoteprocStopCmd, remoteprocStatusCmd)
}

func newManager(cfg config.Config) *lifecycle.Manager {
	reg := shm.NewRegistry(shm.NewUIOOpener(cfg.Platform.Bus))
	return lifecycle.NewManager(cfg.Platform, reg, logger.New("lifecycle", nil))
}

func withManager(fn func(*cobra.Command, *lifecycle.Manager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return fn(cmd, newManager(cfg))
	}
}

func printStatus(cmd *cobra.Command, m *lifecycle.Manager) error {
	up, err := m.OutOfReset(cmd.Context())
	if err != nil {
		return err
	}
	for i, c := range m.Cores() {
		st, err := c.State()
		if err != nil {
			st = err.Error()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "remoteproc%d: %s, out of reset %t, firmware %s\n", c.Index, st, up[i], c.Firmware)
	}
	return nil
}
