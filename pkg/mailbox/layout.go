// Package mailbox is the notification bridge between the MHU doorbell interrupt and the
// threads polling a remote-processor channel.
package mailbox

import "github.com/srediag/plugin-rpmsg/pkg/shm"

const (
	// UserRemote is the coprocessor side of the MHU.
	UserRemote uint32 = 0
	// UserLocal is the Linux side of the MHU.
	UserLocal uint32 = 1

	// DefaultMessageMask marks MHU channels 0 and 1 as message channels.
	DefaultMessageMask uint32 = 0x3
	// MaxMHUChannels is the number of MHU channels on RZ/G2L and RZ/G3S.
	MaxMHUChannels = 6

	blockStride   = 0x20
	blockHalf     = 0x10
	setOffset     = 0x4
	clearOffset   = 0x8
	slotStride    = 0x08
	slotUserShift = 0x04

	// RegisterWindowEnd bounds the mailbox register window.
	RegisterWindowEnd = 0x800
)

// RegisterWindow is the only part of the mailbox mapping that may be touched.
var RegisterWindow = shm.Window{Name: "mailbox", Start: 0, End: RegisterWindowEnd}

// Layout computes register and doorbell slot offsets for one MHU channel seen from one user.
type Layout struct {
	Channel     uint32
	User        uint32
	MessageMask uint32
}

// Peer returns the layout seen from the other side of the mailbox.
func (l Layout) Peer() Layout {
	return Layout{Channel: l.Channel, User: l.peerUser(), MessageMask: l.MessageMask}
}

func (l Layout) peerUser() uint32 {
	if l.User == UserLocal {
		return UserRemote
	}
	return UserLocal
}

// sendBlock is the status register of the block user raises interrupts through.
func (l Layout) sendBlock(user uint32) uint32 {
	base := l.Channel * blockStride
	if l.MessageMask&(1<<l.Channel) != 0 {
		if user == UserRemote {
			base += blockHalf
		}
	} else if user == UserLocal {
		base += blockHalf
	}
	return base
}

// LocalStatus is the pending bit of the interrupt this side raised.
func (l Layout) LocalStatus() uint32 { return l.sendBlock(l.User) }

// LocalSet raises the peer's interrupt.
func (l Layout) LocalSet() uint32 { return l.LocalStatus() + setOffset }

// RemoteStatus is the pending bit of the interrupt raised by the peer.
func (l Layout) RemoteStatus() uint32 { return l.sendBlock(l.peerUser()) }

// RemoteClear acknowledges the peer's interrupt.
func (l Layout) RemoteClear() uint32 { return l.RemoteStatus() + clearOffset }

// slot is the doorbell word user writes its channel id to. Response channels swap the halves.
func (l Layout) slot(user uint32) uint32 {
	if l.MessageMask&(1<<l.Channel) == 0 {
		user ^= 1
	}
	return slotStride*l.Channel + slotUserShift*user
}

// LocalSlot is the doorbell word this side writes its channel id to.
func (l Layout) LocalSlot() uint32 { return l.slot(l.User) }

// RemoteSlot is the doorbell word the peer writes its channel id to.
func (l Layout) RemoteSlot() uint32 { return l.slot(l.peerUser()) }
