package hello

import (
	"testing"

	"github.com/schani/ralph-os/internal/kapi"
	"github.com/schani/ralph-os/internal/task"
)

type fakePrinter struct{ got []string }

func (f *fakePrinter) Print(p []byte) { f.got = append(f.got, string(p)) }

type fakeSched struct {
	yields, sleeps int
	lastSleepMs    uint64
	exited         bool
}

func (f *fakeSched) YieldNow(*task.Task)        { f.yields++ }
func (f *fakeSched) SleepMs(_ *task.Task, n uint64) { f.sleeps++; f.lastSleepMs = n }
func (f *fakeSched) ExitTask(*task.Task)        { f.exited = true }

func TestRunPerformsTheFullCallSequence(t *testing.T) {
	p := &fakePrinter{}
	s := &fakeSched{}
	bnd := &kapi.Bindings{Printer: p, Sched: s}
	tk := task.New(1, "hello", make([]byte, task.StackSize), 0x500000, func(*task.Task) {})
	api := bnd.For(tk, 1)

	Run(api)

	want := []string{
		"Hello from a dynamically loaded program!\n",
		"API version: ",
		"4",
		"\n",
		"Yielding to other tasks...\n",
		"Sleeping for 500ms...\n",
		"Hello program finished!\n",
	}
	if len(p.got) != len(want) {
		t.Fatalf("got %d prints, want %d: %v", len(p.got), len(want), p.got)
	}
	for i := range want {
		if p.got[i] != want[i] {
			t.Fatalf("print[%d] = %q, want %q", i, p.got[i], want[i])
		}
	}
	if s.yields != 1 {
		t.Fatalf("yields = %d, want 1", s.yields)
	}
	if s.sleeps != 1 || s.lastSleepMs != 500 {
		t.Fatalf("sleeps = %d (%dms), want 1 (500ms)", s.sleeps, s.lastSleepMs)
	}
	if !s.exited {
		t.Fatal("expected ExitTask to be called")
	}
}

func TestVersionDigitsMatchesOriginalsMinimalConversion(t *testing.T) {
	cases := []struct {
		version uint32
		want    string
	}{
		{0, "0"},
		{4, "4"},
		{9, "9"},
		{10, "??"},
		{42, "??"},
	}
	for _, c := range cases {
		if got := versionDigits(c.version); got != c.want {
			t.Errorf("versionDigits(%d) = %q, want %q", c.version, got, c.want)
		}
	}
}
