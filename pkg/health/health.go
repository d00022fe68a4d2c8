// Package health exposes liveness and readiness of the messaging stack over HTTP.
//
// Liveness fails once a stop was requested or when a channel is initialized while its mailbox
// interrupt is not armed. Readiness fails while any watched endpoint has no remote address.
package health

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/plugin-rpmsg/pkg/echo"
	"github.com/srediag/plugin-rpmsg/pkg/remoteproc"
	"github.com/srediag/plugin-rpmsg/pkg/rpmsg"
)

const namespace = "rpmsg"

var (
	ErrStopping        = errors.New("stop requested")
	ErrMailboxDisarmed = errors.New("mailbox interrupt not armed")
	ErrNoEndpoint      = errors.New("endpoint not created")
	ErrUnbound         = errors.New("endpoint has no remote address")
)

// Checker collects the checks of one process.
type Checker struct {
	handler healthcheck.Handler
}

// New returns a Checker. With a non-nil reg the check results are also exported as gauges.
func New(reg prometheus.Registerer) *Checker {
	if reg != nil {
		return &Checker{handler: healthcheck.NewMetricsHandler(reg, namespace)}
	}
	return &Checker{handler: healthcheck.NewHandler()}
}

// WatchPlatform adds the liveness checks of p.
func (c *Checker) WatchPlatform(p *remoteproc.Platform) {
	c.handler.AddLivenessCheck("stop", func() error {
		if p.Flag().Requested() {
			return ErrStopping
		}
		return nil
	})
	c.handler.AddLivenessCheck("mailbox", MailboxCheck(p))
}

// MailboxCheck fails while handles exist without an armed interrupt task.
func MailboxCheck(p *remoteproc.Platform) healthcheck.Check {
	return func() error {
		if p.Handles() == 0 {
			return nil
		}
		if b := p.Bridge(); b == nil || !b.Armed() {
			return ErrMailboxDisarmed
		}
		return nil
	}
}

// WatchEndpoint adds a readiness check on the endpoint returned by ep.
func (c *Checker) WatchEndpoint(name string, ep func() *rpmsg.Endpoint) {
	c.handler.AddReadinessCheck(name, EndpointCheck(ep))
}

// EndpointCheck fails until ep returns a bound endpoint.
func EndpointCheck(ep func() *rpmsg.Endpoint) healthcheck.Check {
	return func() error {
		e := ep()
		if e == nil {
			return ErrNoEndpoint
		}
		if !e.Ready() {
			return fmt.Errorf("%s: %w", e.Name(), ErrUnbound)
		}
		return nil
	}
}

// WatchEngine is WatchEndpoint on the endpoint of an echo engine.
func (c *Checker) WatchEngine(channel uint32, e *echo.Engine) {
	c.WatchEndpoint(fmt.Sprintf("channel-%d", channel), e.Endpoint)
}

// WatchGoroutines fails liveness above n goroutines.
func (c *Checker) WatchGoroutines(n int) {
	c.handler.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(n))
}

// Handler serves /live and /ready.
func (c *Checker) Handler() http.Handler {
	return c.handler
}

// Server returns an http.Server for addr serving Handler.
func (c *Checker) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           c.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
