package shm

import "github.com/srediag/plugin-rpmsg/pkg/ipcerr"

var (
	// ErrNotFound is returned when no device carries the requested name on the bus.
	ErrNotFound = ipcerr.New(ipcerr.Configuration, "shared region not found")
	// ErrAlreadyOpen is returned by an exclusive Open of a region that is already held.
	ErrAlreadyOpen = ipcerr.New(ipcerr.Configuration, "shared region already open")
	// ErrMapFailed is returned when a region cannot be mapped.
	ErrMapFailed = ipcerr.New(ipcerr.Configuration, "shared region map failed")
	// ErrClosed is returned by operations on a released lease.
	ErrClosed = ipcerr.New(ipcerr.Configuration, "shared region closed")
	// ErrOutOfWindow is returned for accesses outside the declared windows.
	ErrOutOfWindow = ipcerr.New(ipcerr.Configuration, "offset outside register window")
	// ErrNotByteAddressable is returned when a register-only mapping is accessed bytewise.
	ErrNotByteAddressable = ipcerr.New(ipcerr.Configuration, "mapping is not byte addressable")
	// ErrNoInterrupt is returned when a device has no interrupt line.
	ErrNoInterrupt = ipcerr.New(ipcerr.Configuration, "device has no interrupt")
	// ErrNoBuffer is returned when the buffer pool is exhausted.
	ErrNoBuffer = ipcerr.New(ipcerr.Transport, "no free shared buffer")
)
