// Package runner executes the test command that consumes the
// provisioned connectivity. The command runs under a pseudo-terminal
// so interactive tools behave as on a real console; when stdin is a
// terminal it is switched to raw mode and window size changes are
// forwarded.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Run executes argv under a PTY and blocks until it exits. Returns the
// command's exit code. The context cancels the command, not the
// surrounding terminal plumbing.
func Run(ctx context.Context, argv []string) (int, error) {
	if len(argv) == 0 {
		return -1, errors.New("no command given")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return -1, fmt.Errorf("starting %q under pty: %w", argv[0], err)
	}
	defer ptmx.Close()

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return -1, fmt.Errorf("entering raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)

		winch := make(chan os.Signal, 1)
		signal.Notify(winch, unix.SIGWINCH)
		go func() {
			for range winch {
				_ = pty.InheritSize(os.Stdin, ptmx)
			}
		}()
		winch <- unix.SIGWINCH // prime the initial size
		defer func() {
			signal.Stop(winch)
			close(winch)
		}()
	}

	// Stdin copy runs for the life of the process; the PTY read side
	// ends with EIO when the command exits, which unblocks us.
	go func() { _, _ = io.Copy(ptmx, os.Stdin) }()
	_, _ = io.Copy(os.Stdout, ptmx)

	err = cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("waiting for %q: %w", argv[0], err)
	}
	return 0, nil
}
