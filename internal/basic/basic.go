// Package basic defines the narrow interface the kernel needs to drive
// a guest REPL task over any byte-oriented front-end (serial, telnet),
// plus a stub implementation sufficient to exercise that machinery
// end-to-end. No BASIC lexer/parser/interpreter is implemented — spec.md
// treats the guest language as out of scope and this package carries
// that stance forward. Grounded on original_source/src/basic/terminal.rs.
package basic

// ReadStatus is the result of polling a Terminal for one input byte.
type ReadStatus int

const (
	NoData ReadStatus = iota
	HasByte
	Eof
)

// Terminal is a line-oriented front-end for the REPL: non-blocking
// input plus formatted output. Implementations translate their wire
// framing (telnet NVT escapes, raw serial bytes) into a plain byte
// stream before handing bytes to RunREPL.
type Terminal interface {
	WriteString(s string) error
	PollByte() (b byte, status ReadStatus)
}

// Interpreter evaluates one REPL input line and returns the text to
// print back plus whether the session should end (e.g. a BYE/QUIT
// command). It never blocks and never touches the terminal directly.
type Interpreter interface {
	Eval(line string) (output string, quit bool)
}

// maxLine bounds how much a single unterminated line can grow: once it
// holds maxLine bytes, RunREPL discards them and starts the line over,
// so a client that never sends a newline cannot grow the line buffer
// without limit.
const maxLine = 512

// RunREPL drives one interactive session: poll a byte, accumulate it
// into a line (input is not echoed back), and on '\n' hand the line to interp and write back
// its output. yield is called whenever no input is available yet, so
// the calling task cooperatively gives up the CPU instead of busy-waiting
// (spec §5: suspension points are only yield_now/sleep_ms and blocking
// reads that poll+yield). RunREPL returns when the terminal reports Eof
// or the interpreter asks to quit.
func RunREPL(term Terminal, interp Interpreter, yield func()) {
	var line []byte
	for {
		b, status := term.PollByte()
		switch status {
		case Eof:
			return
		case NoData:
			yield()
			continue
		}

		if b == '\n' {
			output, quit := interp.Eval(string(line))
			line = line[:0]
			if output != "" {
				if term.WriteString(output + "\n") != nil {
					return
				}
			}
			if quit {
				return
			}
			continue
		}

		if b == '\r' {
			continue
		}

		if len(line) >= maxLine {
			line = line[:0]
		}
		line = append(line, b)
	}
}
