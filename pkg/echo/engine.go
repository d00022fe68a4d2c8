// Package echo drives the echo test over one rpmsg endpoint: it sends payloads of growing
// size, waits for each echo and counts integrity errors.
package echo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/plugin-rpmsg/internal/logger"
	"github.com/srediag/plugin-rpmsg/internal/metrics"
	"github.com/srediag/plugin-rpmsg/pkg/config"
	"github.com/srediag/plugin-rpmsg/pkg/rpmsg"
	"github.com/srediag/plugin-rpmsg/pkg/stop"
)

const instrumentation = "github.com/srediag/plugin-rpmsg/pkg/echo"

// State is the phase of a run.
type State int32

const (
	StateIdle State = iota
	StateAwaitingBind
	StateStreaming
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingBind:
		return "awaiting-bind"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	default:
		return "idle"
	}
}

// Result summarizes a run.
type Result struct {
	RunID    string
	Channel  uint32
	Planned  int
	Sent     int
	Received uint64
	Errors   int
	// Err is the transport failure that ended streaming early.
	Err       error
	Cancelled bool
	Duration  time.Duration
}

// Passed reports whether every payload came back intact.
func (r Result) Passed() bool {
	return r.Err == nil && !r.Cancelled && r.Errors == 0 && r.Sent == r.Planned
}

// Options carries the optional collaborators of an Engine.
type Options struct {
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Meter   metric.Meter
	Tracer  trace.Tracer
}

// Engine runs the echo test on one device.
type Engine struct {
	dev  *rpmsg.Device
	cfg  config.Echo
	flag *stop.Flag
	log  *logger.Logger

	metrics    *metrics.Metrics
	tracer     trace.Tracer
	iterations metric.Int64Counter
	failures   metric.Int64Counter
	channel    string

	state    atomic.Int32
	errs     atomic.Int64
	received atomic.Uint64
	ep       atomic.Pointer[rpmsg.Endpoint]
}

// NewEngine returns an idle engine.
func NewEngine(dev *rpmsg.Device, cfg config.Echo, opts Options) *Engine {
	ch := dev.Handle().NotifyID()
	e := &Engine{
		dev:     dev,
		cfg:     cfg,
		flag:    dev.Handle().Platform().Flag(),
		log:     opts.Logger,
		metrics: metrics.OrDiscard(opts.Metrics),
		tracer:  opts.Tracer,
		channel: strconv.FormatUint(uint64(ch), 10),
	}
	if e.log == nil {
		e.log = logger.New(fmt.Sprintf("echo[ch%d]", ch), nil)
	}
	if e.tracer == nil {
		e.tracer = tracenoop.NewTracerProvider().Tracer(instrumentation)
	}
	meter := opts.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentation)
	}
	var err error
	if e.iterations, err = meter.Int64Counter("rpmsg.echo.iterations"); err != nil {
		e.iterations, _ = metricnoop.NewMeterProvider().Meter(instrumentation).Int64Counter("rpmsg.echo.iterations")
	}
	if e.failures, err = meter.Int64Counter("rpmsg.echo.errors"); err != nil {
		e.failures, _ = metricnoop.NewMeterProvider().Meter(instrumentation).Int64Counter("rpmsg.echo.errors")
	}
	return e
}

// State returns the current phase.
func (e *Engine) State() State { return State(e.state.Load()) }

// Errors returns the integrity errors counted so far.
func (e *Engine) Errors() int { return int(e.errs.Load()) }

// Received returns the next sequence number expected back.
func (e *Engine) Received() uint64 { return e.received.Load() }

// Endpoint returns the endpoint of the current run.
func (e *Engine) Endpoint() *rpmsg.Endpoint { return e.ep.Load() }

// Plan returns the body size bounds and the number of iterations for the device's buffers.
func (e *Engine) Plan() (minBody, maxBody, iterations int) {
	minBody = int(e.cfg.MinBody)
	if minBody == 0 {
		minBody = 1
	}
	maxBody = int(e.dev.BufferSize()) - Overhead
	if maxBody < minBody {
		return minBody, maxBody, 0
	}
	return minBody, maxBody, maxBody / minBody
}

// Receive is the endpoint receive callback: it validates an echoed payload and records the next
// expected sequence number, or counts one error and rejects it.
func (e *Engine) Receive(_ *rpmsg.Endpoint, data []byte, _ uint32) int {
	p, err := DecodePayload(data)
	if err != nil {
		e.countError(fmt.Errorf("received %d bytes: %w", len(data), err))
		return -1
	}
	e.log.Tracef("received payload %d of %d bytes", p.Seq, len(data))
	e.received.Store(p.Seq + 1)
	return 0
}

func (e *Engine) countError(err error) {
	e.errs.Add(1)
	e.metrics.IntegrityErrors.WithLabelValues(e.channel).Inc()
	e.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("channel", e.channel)))
	e.log.Errorf("%v", err)
}

func (e *Engine) bind(d *rpmsg.Device, name string, dest uint32) {
	if name != e.cfg.Service {
		e.log.Errorf("unexpected name service %q", name)
		return
	}
	if ep := e.ep.Load(); ep != nil && ep.Dest() == rpmsg.AddrAny {
		ep.Bind(dest)
	}
}

func (e *Engine) unbind(ep *rpmsg.Endpoint) {
	if err := ep.Destroy(); err != nil {
		e.log.Warnf("destroy endpoint: %v", err)
	}
}

// Run performs one echo test. Setup failures are returned as errors; transport failures and
// cancellation during the run end streaming early and are reported in the Result.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateAwaitingBind)) {
		return Result{}, fmt.Errorf("engine is %s", e.State())
	}
	defer e.state.Store(int32(StateIdle))

	_, _, planned := e.Plan()
	res := Result{RunID: uuid.NewString(), Channel: e.dev.Handle().NotifyID(), Planned: planned}
	ctx, span := e.tracer.Start(ctx, "echo.run", trace.WithAttributes(
		attribute.String("run.id", res.RunID),
		attribute.String("channel", e.channel),
		attribute.Int("iterations.planned", planned),
	))
	defer span.End()
	start := time.Now()

	e.errs.Store(0)
	e.received.Store(0)
	e.dev.SetNSBind(e.bind)
	ep, err := e.dev.CreateEndpointContext(ctx, e.cfg.Service, e.cfg.LocalAddr, rpmsg.AddrAny, e.Receive, e.unbind)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create endpoint")
		return res, fmt.Errorf("create endpoint %q: %w", e.cfg.Service, err)
	}
	e.ep.Store(ep)
	defer func() {
		if err := ep.DestroyContext(ctx); err != nil {
			e.log.Debugf("destroy endpoint: %v", err)
		}
		e.ep.Store(nil)
	}()
	e.log.Infof("endpoint %q created at 0x%x", e.cfg.Service, ep.Addr())

	if err := e.awaitBind(ctx, ep); err != nil {
		res.Cancelled = isCancel(err)
		if !res.Cancelled {
			res.Err = err
		}
	} else {
		e.state.Store(int32(StateStreaming))
		e.stream(ctx, ep, &res)
	}

	e.state.Store(int32(StateDraining))
	if _, err := ep.Send(ctx, Shutdown()); err != nil {
		e.log.Warnf("send shutdown message: %v", err)
	}
	// the peer gets the full settle period even on a cancelled run
	if e.cfg.Settle > 0 {
		time.Sleep(e.cfg.Settle)
	}
	e.state.Store(int32(StateDone))

	res.Received = e.received.Load()
	res.Errors = e.Errors()
	res.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("iterations.sent", res.Sent), attribute.Int("errors", res.Errors))
	if !res.Passed() {
		span.SetStatus(codes.Error, "echo test failed")
	}
	e.log.Infof("run %s: sent %d/%d, error count %d", res.RunID, res.Sent, res.Planned, res.Errors)
	return res, nil
}

func (e *Engine) awaitBind(ctx context.Context, ep *rpmsg.Endpoint) error {
	h := e.dev.Handle()
	for !ep.Ready() {
		if err := h.Poll(ctx); err != nil {
			return err
		}
	}
	e.log.Debugf("bound to 0x%x", ep.Dest())
	return nil
}

func (e *Engine) stream(ctx context.Context, ep *rpmsg.Endpoint, res *Result) {
	minBody, _, planned := e.Plan()
	h := e.dev.Handle()
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	size := minBody
	for i := 0; i < planned; i, size = i+1, size+1 {
		buf.Reset()
		AppendPayload(buf, uint64(i), size)
		receivedBefore, errsBefore := e.received.Load(), e.errs.Load()
		if _, err := ep.Send(ctx, buf.B); err != nil {
			if isCancel(err) {
				res.Cancelled = true
			} else {
				res.Err = err
				e.log.Errorf("send payload %d: %v", i, err)
			}
			return
		}
		res.Sent++
		e.metrics.EchoIterations.WithLabelValues(e.channel).Inc()
		e.iterations.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", e.channel)))

		expect := uint64(i) + 1
		for e.received.Load() < expect && e.errs.Load() == errsBefore {
			if err := h.Poll(ctx); err != nil {
				if isCancel(err) {
					res.Cancelled = true
				} else {
					res.Err = err
				}
				return
			}
		}
		if got := e.received.Load(); got > expect && got != receivedBefore && e.errs.Load() == errsBefore {
			e.countError(fmt.Errorf("expected payload %d, got %d: %w", i, got-1, ErrSequenceGap))
		}
		if !e.sleep(ctx, e.cfg.Interval) {
			res.Cancelled = true
			return
		}
	}
}

// sleep waits d, returning false if the run was cancelled first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil && !e.flag.Requested()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-e.flag.Done():
		return false
	}
}

func isCancel(err error) bool {
	return errors.Is(err, stop.ErrStopped) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
