package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/e7canasta/streamctl"
)

// commander is the part of a Controller the REPL drives
type commander interface {
	ChangeResolution(ctx context.Context, width, height uint32) error
	ChangeFramerate(ctx context.Context, framerate uint32) error
	ChangeBitrate(ctx context.Context, kbps uint32) error
	Stats() streamctl.ReceiverStats
}

var (
	promptColor = color.New(color.FgCyan, color.Bold)
	okColor     = color.New(color.FgGreen)
	errColor    = color.New(color.FgRed)
	faintColor  = color.New(color.Faint)
)

const helpText = `commands:
r|res WIDTH HEIGHT      change resolution
f|framerate FRAMERATE   change framerate
b|bitrate BITRATE       change bitrate in kbit/sec
s|stats                 show receive statistics
q|quit|exit             exit`

// repl reads commands from in until quit, EOF, ctx cancellation or done
// being closed.
type repl struct {
	c    commander
	out  io.Writer
	done <-chan struct{}
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		promptColor.Fprint(r.out, "> ")

		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return nil
		case <-r.done:
			fmt.Fprintln(r.out)
			errColor.Fprintln(r.out, "producer connection closed")
			return nil
		case err := <-readErr:
			fmt.Fprintln(r.out)
			return err
		case line := <-lines:
			if quit := r.exec(ctx, line); quit {
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the REPL should exit
func (r *repl) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch fields[0] {
	case "r", "res":
		var w, h uint32
		if w, h, err = parseResolution(fields[1:]); err == nil {
			fmt.Fprintf(r.out, "changing to %dx%d\n", w, h)
			err = r.c.ChangeResolution(ctx, w, h)
		}
	case "f", "framerate":
		var n uint32
		if n, err = parseSingle(fields[1:]); err == nil {
			fmt.Fprintf(r.out, "changing to @%d\n", n)
			err = r.c.ChangeFramerate(ctx, n)
		}
	case "b", "bitrate":
		var n uint32
		if n, err = parseSingle(fields[1:]); err == nil {
			fmt.Fprintf(r.out, "changing to %dkbps\n", n)
			err = r.c.ChangeBitrate(ctx, n)
		}
	case "s", "stats":
		r.printStats()
		return false
	case "q", "quit", "exit":
		return true
	default:
		fmt.Fprintln(r.out, helpText)
		return false
	}

	if err != nil {
		errColor.Fprintf(r.out, "failed: %v\n", err)
		return false
	}
	okColor.Fprintln(r.out, "done")
	return false
}

func (r *repl) printStats() {
	st := r.c.Stats()
	fmt.Fprintf(r.out, "frames:     %d\n", st.Frames)
	fmt.Fprintf(r.out, "packets:    %d (%d bytes)\n", st.Packets, st.Bytes)
	if st.Width > 0 {
		fmt.Fprintf(r.out, "resolution: %dx%d\n", st.Width, st.Height)
	}
	if st.Window.FramesReceived > 1 {
		stable := okColor.Sprint("stable")
		if !st.Window.IsStable {
			stable = errColor.Sprint("unstable")
		}
		fmt.Fprintf(r.out, "fps:        %.2f (min %.2f, max %.2f) %s\n",
			st.Window.FPSMean, st.Window.FPSMin, st.Window.FPSMax, stable)
	} else {
		faintColor.Fprintln(r.out, "fps:        not enough frames yet")
	}
}

func parseResolution(args []string) (width, height uint32, err error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("usage: r|res WIDTH HEIGHT")
	}
	if width, err = parseUint32(args[0]); err != nil {
		return 0, 0, err
	}
	if height, err = parseUint32(args[1]); err != nil {
		return 0, 0, err
	}
	return width, height, nil
}

func parseSingle(args []string) (uint32, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one number")
	}
	return parseUint32(args[0])
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uint32(n), nil
}
