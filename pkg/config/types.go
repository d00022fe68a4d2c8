// Package config holds the platform layout and echo run parameters.
package config

import "time"

const (
	RoleInitiator = "initiator"
	RoleResponder = "responder"
)

// Window is an [Start, End) register window inside a device mapping.
type Window struct {
	Start uint32 `yaml:"start"`
	End   uint32 `yaml:"end" validate:"gtfield=Start"`
}

// Mailbox describes the MHU device.
type Mailbox struct {
	Device      string `yaml:"device" validate:"required"`
	Channel     uint32 `yaml:"channel" validate:"lt=6"`
	MessageMask uint32 `yaml:"message_mask"`
	Window      Window `yaml:"window"`
}

// VringGroup names the control and buffer regions of one channel.
type VringGroup struct {
	Control string `yaml:"control" validate:"required"`
	Buffers string `yaml:"buffers" validate:"required"`
}

// CPG describes the clock/reset controller window used to probe the remote cores.
type CPG struct {
	Device      string `yaml:"device" validate:"required"`
	Window      Window `yaml:"window"`
	ResetStatus uint32 `yaml:"reset_status"`
	// CoreMasks[i] are the reset-status bits of remoteproc i.
	CoreMasks []uint32 `yaml:"core_masks"`
}

// Remoteproc describes one remote core managed through sysfs.
type Remoteproc struct {
	Path     string `yaml:"path" validate:"required"`
	Firmware string `yaml:"firmware"`
}

// Platform is the board layout.
type Platform struct {
	Name          string       `yaml:"name"`
	Bus           string       `yaml:"bus" validate:"required"`
	Role          string       `yaml:"role" validate:"oneof=initiator responder"`
	LocalUser     uint32       `yaml:"local_user" validate:"lte=1"`
	Mailbox       Mailbox      `yaml:"mailbox"`
	Doorbell      string       `yaml:"doorbell" validate:"required"`
	ResourceTable string       `yaml:"resource_table" validate:"required"`
	Channels      []VringGroup `yaml:"channels" validate:"min=1,max=6,dive"`
	BufferSize    uint32       `yaml:"buffer_size" validate:"gte=64"`
	CPG           *CPG         `yaml:"cpg,omitempty"`
	Remoteprocs   []Remoteproc `yaml:"remoteprocs,omitempty" validate:"omitempty,dive"`
}

// Echo parameterizes one echo run.
type Echo struct {
	Service   string        `yaml:"service" validate:"required,max=31"`
	LocalAddr uint32        `yaml:"local_addr"`
	MinBody   uint32        `yaml:"min_body" validate:"gte=1"`
	Interval  time.Duration `yaml:"interval"`
	Settle    time.Duration `yaml:"settle"`
}

// Config is the file layout.
type Config struct {
	Platform   Platform `yaml:"platform"`
	Echo       Echo     `yaml:"echo"`
	LogLevel   string   `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error none"`
	HealthAddr string   `yaml:"health_addr"`
}
