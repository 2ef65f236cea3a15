// Package hello is the example guest program of spec §6.3: something
// that exercises every call in the kernel API ABI. In a real
// freestanding build it would be a separate ELF64 binary built against
// the api.h-equivalent struct and packed into the exec table by
// cmd/mkexec; this hosted build has no x86_64 execution engine (spec's
// Non-goals carry no per-process address spaces or a CPU interpreter),
// so here the same call sequence is expressed directly as a task entry
// bound to internal/kapi's vtable — the only form of "running a loaded
// program" this simulation can actually drive end to end.
// Grounded on original_source/programs/hello/src/main.rs's _start.
package hello

import "github.com/schani/ralph-os/internal/kapi"

// Run performs the original program's exact call sequence: greet,
// report the API version, yield once, sleep 500ms, report completion,
// then exit without returning — matching _start's contract that it
// never falls off the end.
func Run(api *kapi.API) {
	api.Print([]byte("Hello from a dynamically loaded program!\n"))
	api.Print([]byte("API version: "))
	api.Print([]byte(versionDigits(api.Version)))
	api.Print([]byte("\n"))

	api.Print([]byte("Yielding to other tasks...\n"))
	api.YieldNow()

	api.Print([]byte("Sleeping for 500ms...\n"))
	api.SleepMs(500)

	api.Print([]byte("Hello program finished!\n"))
	api.Exit()
}

// versionDigits mirrors the original's deliberately minimal decimal
// conversion: single digit for version < 10, "??" otherwise (the
// original never needed anything larger).
func versionDigits(version uint32) string {
	if version < 10 {
		return string(rune('0' + version))
	}
	return "??"
}
