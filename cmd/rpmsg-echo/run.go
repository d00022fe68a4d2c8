package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/plugin-rpmsg/internal/logger"
	"github.com/srediag/plugin-rpmsg/internal/metrics"
	"github.com/srediag/plugin-rpmsg/pkg/config"
	"github.com/srediag/plugin-rpmsg/pkg/echo"
	"github.com/srediag/plugin-rpmsg/pkg/health"
	"github.com/srediag/plugin-rpmsg/pkg/remoteproc"
	"github.com/srediag/plugin-rpmsg/pkg/rpmsg"
	"github.com/srediag/plugin-rpmsg/pkg/shm"
	"github.com/srediag/plugin-rpmsg/pkg/stop"
)

const releaseTimeout = 500 * time.Millisecond

var (
	channels   []uint
	healthAddr string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the echo test on the board's UIO devices",
		RunE:  runRun,
	}
)

func init() {
	for _, c := range []*cobra.Command{runCmd, simulateCmd} {
		c.Flags().UintSliceVar(&channels, "channel", nil, "channels to drive (default: all configured)")
		c.Flags().StringVar(&healthAddr, "health-addr", "", "serve /live, /ready and /metrics on this address")
	}
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flag, release := signalFlag(cmd.Context())
	defer release()
	return runEcho(cmd.Context(), cmd.OutOrStdout(), cfg, shm.NewUIOOpener(cfg.Platform.Bus), cfg.Platform, flag)
}

// session is the initiator side of a set of channels.
type session struct {
	platform *remoteproc.Platform
	handles  []*remoteproc.Handle
	devices  []*rpmsg.Device
	engines  []*echo.Engine
}

func selectedChannels(cfg config.Platform) []uint32 {
	var out []uint32
	if len(channels) == 0 {
		for i := range cfg.Channels {
			out = append(out, uint32(i))
		}
		return out
	}
	for _, c := range channels {
		out = append(out, uint32(c))
	}
	return out
}

func openSession(ctx context.Context, cfg config.Config, opener shm.Opener, pcfg config.Platform,
	flag *stop.Flag, m *metrics.Metrics) (*session, error) {
	s := &session{platform: remoteproc.NewPlatform(pcfg, opener, flag, remoteproc.Options{Metrics: m})}
	for _, ch := range selectedChannels(pcfg) {
		h, err := s.platform.Init(ctx, ch)
		if err != nil {
			return s, fmt.Errorf("channel %d: %w", ch, err)
		}
		s.handles = append(s.handles, h)
		dev, err := rpmsg.CreateVirtioDevice(ctx, h, rpmsg.RoleInitiator, rpmsg.Options{
			BufferSize: pcfg.BufferSize,
			Features:   remoteproc.FeatureNS,
			Metrics:    m,
			Logger:     logger.New(fmt.Sprintf("rpmsg[ch%d]", ch), nil),
		})
		if err != nil {
			return s, fmt.Errorf("channel %d: %w", ch, err)
		}
		s.devices = append(s.devices, dev)
		s.engines = append(s.engines, echo.NewEngine(dev, cfg.Echo, echo.Options{Metrics: m}))
	}
	return s, nil
}

func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	var errs []error
	for _, d := range s.devices {
		errs = append(errs, d.Release(ctx))
	}
	for _, h := range s.handles {
		errs = append(errs, h.Remove())
	}
	return errors.Join(errs...)
}

// runEcho drives the selected channels of pcfg and prints one line per channel.
func runEcho(ctx context.Context, out io.Writer, cfg config.Config, opener shm.Opener, pcfg config.Platform, flag *stop.Flag) (err error) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s, err := openSession(ctx, cfg, opener, pcfg, flag, m)
	defer func() { err = errors.Join(err, s.close()) }()
	if err != nil {
		return err
	}

	checker := health.New(reg)
	checker.WatchPlatform(s.platform)
	for i, e := range s.engines {
		checker.WatchEngine(s.handles[i].NotifyID(), e)
	}
	addr := healthAddr
	if addr == "" {
		addr = cfg.HealthAddr
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()
	var results []echo.Result
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/live", checker.Handler())
		mux.Handle("/ready", checker.Handler())
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := checker.Server(addr)
		srv.Handler = mux
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			sctx, done := context.WithTimeout(context.Background(), time.Second)
			defer done()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		defer cancel()
		var err error
		results, err = echo.RunChannels(runCtx, s.engines...)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return report(out, results)
}

func report(out io.Writer, results []echo.Result) error {
	failed := 0
	for _, r := range results {
		verdict := "PASS"
		switch {
		case r.Cancelled:
			verdict = "CANCELLED"
		case !r.Passed():
			verdict = "FAIL"
			failed++
		}
		fmt.Fprintf(out, "channel %d: %s sent %d/%d received %d errors %d (%s) run %s\n",
			r.Channel, verdict, r.Sent, r.Planned, r.Received, r.Errors, r.Duration.Round(time.Millisecond), r.RunID)
		if r.Err != nil {
			fmt.Fprintf(out, "channel %d: %v\n", r.Channel, r.Err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d channels failed", failed, len(results))
	}
	return nil
}
