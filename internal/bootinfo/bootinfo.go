// Package bootinfo records the constants the bootloader hand-off
// contract defines (spec §6.1): where the kernel's stack starts and
// where the bootloader leaves its VGA-mode status byte. No VGA driver
// is implemented here — the framebuffer is out of scope (Non-goals) —
// these are the narrow constants a future driver would need.
// Grounded on original_source/src/vga.rs and src/main.rs's boot stub.
package bootinfo

const (
	// InitialRSP is the stack pointer the bootloader hands off with,
	// identity-mapped low memory already in place.
	InitialRSP uintptr = 0x90000

	// VGAStatusAddr is the address the bootloader writes its VGA-mode
	// byte to before jumping to the kernel entry point.
	VGAStatusAddr uintptr = 0x501

	// VGAMode13H is the byte VGAStatusAddr holds when the bootloader put
	// the display into 320x200x256 linear framebuffer mode.
	VGAMode13H uint8 = 0x13

	// VGANone is the byte VGAStatusAddr holds when no VGA mode was set.
	VGANone uint8 = 0x00
)

// VGAWidth and VGAHeight are mode 13h's fixed dimensions, for any future
// consumer of the (unimplemented) framebuffer.
const (
	VGAWidth  = 320
	VGAHeight = 200
)
