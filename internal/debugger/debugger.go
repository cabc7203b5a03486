// Package debugger implements spec.md §6's optional debugger
// collaborator: an interp.DebugSink that records breakpoint/step state
// and an interactive REPL for inspecting a paused thread. Grounded on
// the teacher's pkg/vm/debugger.go (breakpoint map, step mode,
// ShouldPause/InteractivePrompt), with the line-input loop replaced by
// github.com/chzyer/readline for history/editing and
// github.com/mattn/go-isatty to decide whether the prompt should use
// ANSI highlighting at all.
package debugger

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"

	"github.com/coldvm/coldvm/internal/interp"
)

// Debugger is interp.VM's DebugSink: it records breakpoints and step
// mode, and pauses the embedding program's event loop by blocking in an
// interactive prompt whenever a watched event fires.
type Debugger struct {
	enabled  bool
	stepMode bool

	out io.Writer
	rl  *readline.Instance

	// lastThread/lastPC record the thread/pc the most recent event
	// named. Nothing reads them; the "instruction"/"i" command uses the
	// thread and pc passed to the prompt.
	lastThread *interp.Thread
	lastPC     int
}

// New builds a Debugger writing prompts to stdout. If stdout is not a
// TTY (e.g. the debugger is driven by a non-interactive harness), ANSI
// prompt decoration is skipped in favor of a plain "debug> " prompt —
// readline itself still works over a pipe, but the color codes would
// just be noise in a captured log.
func New() (*Debugger, error) {
	prompt := "debug> "
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		prompt = "\x1b[36mdebug>\x1b[0m "
	}
	rl, err := readline.New(prompt)
	if err != nil {
		return nil, fmt.Errorf("debugger: %w", err)
	}
	return &Debugger{out: os.Stdout, rl: rl}, nil
}

// Close releases the underlying readline terminal state.
func (d *Debugger) Close() error { return d.rl.Close() }

// Enable/Disable gate whether any DebugSink event pauses execution at
// all (spec.md §6: the debugger hook is always present but inert unless
// explicitly armed).
func (d *Debugger) Enable()  { d.enabled = true }
func (d *Debugger) Disable() { d.enabled = false }

// SetStepMode toggles single-step pausing.
func (d *Debugger) SetStepMode(on bool) { d.stepMode = on }

// --- interp.DebugSink ---

func (d *Debugger) ClassPrepare(name string) {
	if d.enabled {
		fmt.Fprintf(d.out, "[class-prepare] %s\n", name)
	}
}

func (d *Debugger) ThreadStart(t *interp.Thread) {
	if d.enabled {
		fmt.Fprintf(d.out, "[thread-start] %s (%s)\n", t.Name, t.ID)
	}
}

func (d *Debugger) ThreadEnd(t *interp.Thread) {
	if d.enabled {
		fmt.Fprintf(d.out, "[thread-end] %s (%s)\n", t.Name, t.ID)
	}
}

func (d *Debugger) Breakpoint(t *interp.Thread, pc int) {
	d.lastThread, d.lastPC = t, pc
	if d.enabled {
		fmt.Fprintf(d.out, "\n=== Breakpoint: %s @ pc=%d ===\n", t.Name, pc)
		d.Prompt(t, pc)
	}
}

func (d *Debugger) SingleStep(t *interp.Thread, pc int) {
	d.lastThread, d.lastPC = t, pc
	if d.enabled && d.stepMode {
		d.Prompt(t, pc)
	}
}

func (d *Debugger) ExceptionThrown(t *interp.Thread, class string) {
	if d.enabled {
		fmt.Fprintf(d.out, "[exception] %s thrown on %s\n", class, t.Name)
	}
}

func (d *Debugger) VMDeath() {
	if d.enabled {
		fmt.Fprintln(d.out, "[vm-death]")
	}
}

// --- interactive REPL ---

// Prompt blocks reading commands until one resumes execution ("c"/"s"/
// "n"/EOF), mirroring the teacher's InteractivePrompt loop shape.
func (d *Debugger) Prompt(t *interp.Thread, pc int) {
	d.showInstruction(t, pc)
	for {
		line, err := d.rl.Readline()
		if err != nil { // EOF or Ctrl-D: behave like "continue"
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "help", "h", "?":
			d.printHelp()
		case "continue", "c":
			d.stepMode = false
			return
		case "step", "s", "next", "n":
			d.stepMode = true
			return
		case "stack", "st":
			d.showStack(t)
		case "locals", "l":
			d.showLocals(t)
		case "callstack", "cs":
			d.showCallStack(t)
		case "instruction", "i":
			d.showInstruction(t, pc)
		case "break", "b":
			fmt.Fprintln(d.out, "usage: set breakpoints via VM.SetBreakpoint before running")
		case "quit", "q":
			os.Exit(0)
		default:
			if n, err := strconv.Atoi(fields[0]); err == nil {
				fmt.Fprintf(d.out, "pc %d\n", n)
				continue
			}
			fmt.Fprintf(d.out, "unknown command %q (try 'help')\n", fields[0])
		}
	}
}

func (d *Debugger) showInstruction(t *interp.Thread, pc int) {
	f := t.Stack.Top()
	if f == nil || f.Method == nil {
		fmt.Fprintln(d.out, "no current instruction")
		return
	}
	if pc < len(f.Method.Code) {
		fmt.Fprintf(d.out, "  %4d: opcode 0x%02x\n", pc, f.Method.Code[pc])
	}
}

func (d *Debugger) showStack(t *interp.Thread) {
	f := t.Stack.Top()
	if f == nil {
		fmt.Fprintln(d.out, "(no frame)")
		return
	}
	fmt.Fprintln(d.out, "operand stack (top to bottom):")
	if f.SP == 0 {
		fmt.Fprintln(d.out, "  (empty)")
		return
	}
	for i := f.SP - 1; i >= 0; i-- {
		fmt.Fprintf(d.out, "  [%d] %+v\n", i, f.Stack[i])
	}
}

func (d *Debugger) showLocals(t *interp.Thread) {
	f := t.Stack.Top()
	if f == nil || len(f.Locals) == 0 {
		fmt.Fprintln(d.out, "(no locals)")
		return
	}
	fmt.Fprintln(d.out, "locals:")
	for i, v := range f.Locals {
		fmt.Fprintf(d.out, "  [%d] %+v\n", i, v)
	}
}

func (d *Debugger) showCallStack(t *interp.Thread) {
	fmt.Fprintln(d.out, "call stack (top to bottom):")
	depth := 0
	for f := t.Stack.Top(); f != nil; f = f.Prev {
		name := "<custom-code>"
		if f.Method != nil {
			name = fmt.Sprintf("method@%p", f.Method)
		}
		fmt.Fprintf(d.out, "  #%d %s ip=%d\n", depth, name, f.IP)
		depth++
	}
	if depth == 0 {
		fmt.Fprintln(d.out, "  (empty)")
	}
}

func (d *Debugger) printHelp() {
	fmt.Fprintln(d.out, `commands:
  continue, c        resume execution
  step, s, next, n   resume, pausing again after the next instruction
  stack, st          show the current frame's operand stack
  locals, l          show the current frame's locals
  callstack, cs      show the thread's frame chain
  instruction, i      show the current instruction
  quit, q            exit the process
  help, h, ?         show this message`)
}
