// Package shm is the shared-region registry of the inter-core messaging stack.
//
// A Device is a named physical window (register block or shared RAM) obtained from an Opener.
// The Registry opens each (name, bus) pair exactly once and reference-counts the leases handed
// to the logical roles that share it. Mapping a region yields an IO handle whose 32-bit
// accessors refuse any offset outside the windows declared for that sub-device.
//
// Example usage:
//
//	reg := shm.NewRegistry(shm.NewUIOOpener("platform"))
//	mbx, err := reg.Acquire(ctx, "10400000.mbox-uio", "platform")
//	// ...
//	io, err := mbx.Map(shm.Window{Name: "mailbox", Start: 0x000, End: 0x800})
//	sts, err := io.Read32(0x10)
package shm
