package config

import "time"

// DefaultRZG2L is the RZ/G2L layout: one CM33 reached over MHU channel 0 with two rpmsg
// channels sharing one resource table.
func DefaultRZG2L() Config {
	return Config{
		Platform: Platform{
			Name:      "rzg2l",
			Bus:       "platform",
			Role:      RoleInitiator,
			LocalUser: 1,
			Mailbox: Mailbox{
				Device:      "10400000.mbox-uio",
				Channel:     0,
				MessageMask: 0x3,
				Window:      Window{Start: 0x000, End: 0x800},
			},
			Doorbell:      "42f01000.mhu-shm",
			ResourceTable: "42f00000.rsctbl",
			Channels: []VringGroup{
				{Control: "43000000.vring-ctl0", Buffers: "43200000.vring-shm0"},
				{Control: "43100000.vring-ctl1", Buffers: "43500000.vring-shm1"},
			},
			BufferSize: 512,
		},
		Echo: Echo{
			Service:   "rpmsg-service-0",
			LocalAddr: 0,
			MinBody:   1,
			Interval:  10 * time.Millisecond,
			Settle:    time.Second,
		},
		LogLevel: "warn",
	}
}

// DefaultRZG3S adds the CPG probe and the two CM33 cores (CM33 and CM33-FPU) of RZ/G3S.
func DefaultRZG3S() Config {
	c := DefaultRZG2L()
	c.Platform.Name = "rzg3s"
	c.Platform.CPG = &CPG{
		Device:      "11010000.cpg-uio",
		Window:      Window{Start: 0x000, End: 0x1000},
		ResetStatus: 0x804,
		CoreMasks:   []uint32{0x007, 0x700},
	}
	c.Platform.Remoteprocs = []Remoteproc{
		{Path: "/sys/class/remoteproc/remoteproc0", Firmware: "rzg3s_cm33_rpmsg_rtos-rtos_demo.elf"},
		{Path: "/sys/class/remoteproc/remoteproc1", Firmware: "rzg3s_cm33-fpu_rpmsg_rtos-rtos_demo.elf"},
	}
	return c
}

// Default returns the RZ/G2L layout.
func Default() Config {
	return DefaultRZG2L()
}
