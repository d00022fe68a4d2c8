package lifecycle_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/plugin-rpmsg/pkg/config"
	"github.com/srediag/plugin-rpmsg/pkg/lifecycle"
	"github.com/srediag/plugin-rpmsg/pkg/shm"
)

type LifecycleTestSuite struct {
	suite.Suite
	cfg config.Platform
	bus *shm.MemoryBus
	reg *shm.Registry
	m   *lifecycle.Manager
	ctx context.Context
}

func (s *LifecycleTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.cfg = config.DefaultRZG3S().Platform
	root := s.T().TempDir()
	for i := range s.cfg.Remoteprocs {
		dir := filepath.Join(root, fmt.Sprintf("remoteproc%d", i))
		s.Require().NoError(os.MkdirAll(dir, 0o755))
		s.Require().NoError(os.WriteFile(filepath.Join(dir, "state"), []byte("offline\n"), 0o644))
		s.Require().NoError(os.WriteFile(filepath.Join(dir, "firmware"), []byte("\n"), 0o644))
		s.cfg.Remoteprocs[i].Path = dir
	}
	s.bus = shm.NewMemoryBus(s.cfg.Bus)
	s.Require().NoError(s.bus.AddRAM(s.cfg.CPG.Device, 0x11010000, 0x1000))
	s.reg = shm.NewRegistry(s.bus)
	s.m = lifecycle.NewManager(s.cfg, s.reg, nil)
}

func (s *LifecycleTestSuite) setResetStatus(v uint32) {
	r, err := s.reg.Acquire(s.ctx, s.cfg.CPG.Device, s.cfg.Bus)
	s.Require().NoError(err)
	defer r.Close()
	io, err := r.Map()
	s.Require().NoError(err)
	s.Require().NoError(io.Write32(s.cfg.CPG.ResetStatus, v))
}

func (s *LifecycleTestSuite) attr(i int, name string) string {
	b, err := os.ReadFile(filepath.Join(s.cfg.Remoteprocs[i].Path, name))
	s.Require().NoError(err)
	return string(b)
}

func (s *LifecycleTestSuite) TestOutOfReset() {
	s.setResetStatus(0x100)
	up, err := s.m.OutOfReset(s.ctx)
	s.Require().NoError(err)
	s.Equal([]bool{false, true}, up)
	s.Zero(s.reg.Refs(s.cfg.CPG.Device, s.cfg.Bus))

	s.setResetStatus(0x003)
	up, err = s.m.OutOfReset(s.ctx)
	s.Require().NoError(err)
	s.Equal([]bool{true, false}, up)
}

func (s *LifecycleTestSuite) TestStopOnlyRunningCores() {
	s.setResetStatus(0x700)
	s.Require().NoError(s.m.Stop(s.ctx))
	s.Equal("offline\n", s.attr(0, "state"))
	s.Equal("stop\n", s.attr(1, "state"))
}

func (s *LifecycleTestSuite) TestStartLoadsFirmware() {
	s.Require().NoError(s.m.Start(s.ctx))
	for i, rp := range s.cfg.Remoteprocs {
		s.Equal(rp.Firmware+"\n", s.attr(i, "firmware"))
		s.Equal("start\n", s.attr(i, "state"))
	}
	st, err := s.m.Cores()[0].State()
	s.Require().NoError(err)
	s.Equal("start", st)
}

func (s *LifecycleTestSuite) TestResetStatusOutsideWindow() {
	cfg := s.cfg
	cpg := *cfg.CPG
	cpg.ResetStatus = 0x1000
	cfg.CPG = &cpg
	_, err := lifecycle.NewManager(cfg, s.reg, nil).ResetStatus(s.ctx)
	s.ErrorIs(err, shm.ErrOutOfWindow)
}

func (s *LifecycleTestSuite) TestMissingAttribute() {
	s.Require().NoError(os.Remove(filepath.Join(s.cfg.Remoteprocs[1].Path, "state")))
	s.setResetStatus(0x707)
	err := s.m.Stop(s.ctx)
	s.Require().Error(err)
	s.ErrorIs(err, os.ErrNotExist)
	s.Equal("stop\n", s.attr(0, "state"))
}

func TestLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(LifecycleTestSuite))
}

func TestWithoutCPG(t *testing.T) {
	cfg := config.DefaultRZG2L().Platform
	m := lifecycle.NewManager(cfg, shm.NewRegistry(shm.NewMemoryBus(cfg.Bus)), nil)
	_, err := m.ResetStatus(context.Background())
	assert.ErrorIs(t, err, lifecycle.ErrNoCPG)
	assert.ErrorIs(t, m.Start(context.Background()), lifecycle.ErrNoRemoteproc)
	_, err = m.Core(0)
	assert.ErrorIs(t, err, lifecycle.ErrNoRemoteproc)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state"), []byte("running\n"), 0o644))
	cfg.Remoteprocs = []config.Remoteproc{{Path: dir}}
	m = lifecycle.NewManager(cfg, nil, nil)
	up, err := m.OutOfReset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, up)
	require.NoError(t, m.Stop(context.Background()))
	st, err := m.Cores()[0].State()
	require.NoError(t, err)
	assert.Equal(t, "stop", st)
}
