package rpmsg

import "github.com/srediag/plugin-rpmsg/pkg/ipcerr"

var (
	ErrNoFreeSlot        = ipcerr.New(ipcerr.Configuration, "no free endpoint address")
	ErrNameTooLong       = ipcerr.New(ipcerr.Configuration, "endpoint name too long")
	ErrNoBufferAvailable = ipcerr.New(ipcerr.Transport, "no tx buffer available")
	ErrLenExceedsMax     = ipcerr.New(ipcerr.Transport, "message exceeds buffer size")
	ErrNotBound          = ipcerr.New(ipcerr.Transport, "endpoint has no destination")
	ErrDestroyed         = ipcerr.New(ipcerr.Transport, "endpoint destroyed")
	ErrBadVring          = ipcerr.New(ipcerr.Configuration, "vring does not fit its region")
	ErrBadDescriptor     = ipcerr.New(ipcerr.Transport, "ring entry out of range")
)
