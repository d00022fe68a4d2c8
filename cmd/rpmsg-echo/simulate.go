package main

import (
	"context"
	"errors"
	"sync"

	"github.com/spf13/cobra"

	"github.com/srediag/plugin-rpmsg/pkg/loopback"
	"github.com/srediag/plugin-rpmsg/pkg/shm"
)

var (
	shmDir string

	simulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Run the echo test against in-process echo firmware on a simulated board",
		RunE:  runSimulate,
	}
)

func init() {
	simulateCmd.Flags().StringVar(&shmDir, "shm-dir", "", "back the shared memory with files in this directory (e.g. /dev/shm/rpmsg)")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var board *loopback.Board
	if shmDir != "" {
		bus, err := shm.NewFileBus(cfg.Platform.Bus, shmDir)
		if err != nil {
			return err
		}
		board, err = loopback.NewBoardOnBus(cfg.Platform, bus)
		if err != nil {
			return errors.Join(err, bus.Close())
		}
	} else if board, err = loopback.NewBoard(cfg.Platform); err != nil {
		return err
	}
	defer board.Close()

	flag, release := signalFlag(cmd.Context())
	defer release()

	peer := loopback.NewPeer(board)
	ctx, cancel := context.WithCancel(cmd.Context())
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, ch := range selectedChannels(board.Local()) {
		wg.Add(1)
		go func(ch uint32) {
			defer wg.Done()
			if err := peer.Serve(ctx, ch, cfg.Echo.Service); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(ch)
	}

	err = runEcho(cmd.Context(), cmd.OutOrStdout(), cfg, board.Bus, board.Local(), flag)
	cancel()
	wg.Wait()
	return errors.Join(append([]error{err}, errs...)...)
}
