package mailbox

import "github.com/srediag/plugin-rpmsg/pkg/ipcerr"

var (
	// ErrSpurious marks a doorbell whose sender id is out of range.
	ErrSpurious = ipcerr.New(ipcerr.Interrupt, "doorbell sender id out of range")
	// ErrInvalidChannel is returned when polling a channel id the bridge does not serve.
	ErrInvalidChannel = ipcerr.New(ipcerr.Configuration, "invalid channel id")
	// ErrNotArmed is returned by Poll when no handle is registered.
	ErrNotArmed = ipcerr.New(ipcerr.Configuration, "mailbox interrupt not armed")
	// ErrNotRegistered is returned by Unregister without a matching Register.
	ErrNotRegistered = ipcerr.New(ipcerr.Configuration, "mailbox has no registration")
)
