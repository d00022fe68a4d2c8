package remoteproc

import "github.com/srediag/plugin-rpmsg/pkg/ipcerr"

var (
	ErrInvalidChannel       = ipcerr.New(ipcerr.Configuration, "invalid channel id")
	ErrDeviceOpenFailed     = ipcerr.New(ipcerr.Configuration, "device open failed")
	ErrResourceTableInvalid = ipcerr.New(ipcerr.Configuration, "resource table not recognized")
	ErrNotMapped            = ipcerr.New(ipcerr.Configuration, "physical address not mapped")
	ErrNotActive            = ipcerr.New(ipcerr.Configuration, "remote processor handle not active")
)
