// Package lifecycle starts and stops the remote cores through the Linux remoteproc sysfs class
// and probes the clock/reset controller to tell which cores are out of reset.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/srediag/plugin-rpmsg/internal/logger"
	"github.com/srediag/plugin-rpmsg/pkg/config"
	"github.com/srediag/plugin-rpmsg/pkg/ipcerr"
	"github.com/srediag/plugin-rpmsg/pkg/shm"
)

// sysfs states written and read back through the state attribute.
const (
	StateRunning = "running"
	StateOffline = "offline"

	cmdStart = "start"
	cmdStop  = "stop"
)

var (
	ErrNoCPG        = ipcerr.New(ipcerr.Configuration, "no reset controller configured")
	ErrNoRemoteproc = ipcerr.New(ipcerr.Configuration, "remoteproc not configured")
)

// Core is one remote core exposed as /sys/class/remoteproc/remoteprocN.
type Core struct {
	Index    int
	Path     string
	Firmware string
}

// State reads the state attribute.
func (c Core) State() (string, error) {
	b, err := os.ReadFile(filepath.Join(c.Path, "state"))
	if err != nil {
		return "", fmt.Errorf("remoteproc%d: %w", c.Index, err)
	}
	return strings.TrimSpace(string(b)), nil
}

func (c Core) write(attr, value string) error {
	// sysfs attributes exist already, never create them
	f, err := os.OpenFile(filepath.Join(c.Path, attr), os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("remoteproc%d: %w", c.Index, err)
	}
	_, err = f.WriteString(value + "\n")
	return errors.Join(err, f.Close())
}

// Manager drives the cores of one platform.
type Manager struct {
	cfg   config.Platform
	reg   *shm.Registry
	cores []Core
	log   *logger.Logger
}

// NewManager returns a manager for the remoteprocs of cfg. The reset controller, if any, is
// opened through reg on demand.
func NewManager(cfg config.Platform, reg *shm.Registry, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.New("lifecycle", nil)
	}
	m := &Manager{cfg: cfg, reg: reg, log: log}
	for i, rp := range cfg.Remoteprocs {
		m.cores = append(m.cores, Core{Index: i, Path: rp.Path, Firmware: rp.Firmware})
	}
	return m
}

// Cores returns the configured cores.
func (m *Manager) Cores() []Core {
	return m.cores
}

// Core returns core i.
func (m *Manager) Core(i int) (Core, error) {
	if i < 0 || i >= len(m.cores) {
		return Core{}, fmt.Errorf("remoteproc%d: %w", i, ErrNoRemoteproc)
	}
	return m.cores[i], nil
}

// ResetStatus reads the reset-status register of the clock/reset controller.
func (m *Manager) ResetStatus(ctx context.Context) (uint32, error) {
	cpg := m.cfg.CPG
	if cpg == nil {
		return 0, ErrNoCPG
	}
	r, err := m.reg.Acquire(ctx, cpg.Device, m.cfg.Bus)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	io, err := r.Map(shm.Window{Name: "cpg", Start: cpg.Window.Start, End: cpg.Window.End})
	if err != nil {
		return 0, err
	}
	return io.Read32(cpg.ResetStatus)
}

// OutOfReset reports, per core, whether its reset-status bits are set. Without a reset
// controller the sysfs state is used instead.
func (m *Manager) OutOfReset(ctx context.Context) ([]bool, error) {
	out := make([]bool, len(m.cores))
	if m.cfg.CPG == nil {
		for i, c := range m.cores {
			st, err := c.State()
			if err != nil {
				return nil, err
			}
			out[i] = st == StateRunning
		}
		return out, nil
	}
	v, err := m.ResetStatus(ctx)
	if err != nil {
		return nil, err
	}
	masks := m.cfg.CPG.CoreMasks
	for i := range out {
		if i < len(masks) {
			out[i] = v&masks[i] != 0
		}
	}
	return out, nil
}

// Stop stops every core that is out of reset.
func (m *Manager) Stop(ctx context.Context) error {
	up, err := m.OutOfReset(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for i, c := range m.cores {
		if !up[i] {
			continue
		}
		m.log.Infof("stopping remoteproc%d", c.Index)
		if err := c.write("state", cmdStop); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start stops the running cores, loads their firmware and starts them, last core first.
func (m *Manager) Start(ctx context.Context) error {
	if len(m.cores) == 0 {
		return ErrNoRemoteproc
	}
	if err := m.Stop(ctx); err != nil {
		return err
	}
	for i := len(m.cores) - 1; i >= 0; i-- {
		c := m.cores[i]
		if c.Firmware == "" {
			continue
		}
		if err := c.write("firmware", c.Firmware); err != nil {
			return err
		}
	}
	for i := len(m.cores) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := m.cores[i]
		m.log.Infof("starting remoteproc%d (%s)", c.Index, c.Firmware)
		if err := c.write("state", cmdStart); err != nil {
			return err
		}
	}
	return nil
}
