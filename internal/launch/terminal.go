package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"github.com/google/shlex"
	"golang.org/x/term"
)

// SplitCommand splits a shell-style command string into argv.
func SplitCommand(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	return argv, nil
}

// Command builds the agent process for argv with its telemetry pointed at
// a listener on port. environ is the base environment, normally
// os.Environ().
func Command(argv []string, port int, environ []string) (*exec.Cmd, AgentType, error) {
	if len(argv) == 0 {
		return nil, nil, errors.New("empty command")
	}
	at := ResolveAgentType(argv[0])
	cfg := at.LaunchConfig(Endpoint(port))

	args := append(append([]string{}, cfg.PrependArgs...), argv[1:]...)
	cmd := exec.Command(argv[0], args...)
	cmd.Env = MergeEnv(environ, cfg.Env)
	return cmd, at, nil
}

// Run starts cmd in a PTY wired to stdin and stdout and waits for it. When
// stdin is a terminal it is put in raw mode for the duration and window
// size changes are forwarded. Cancelling ctx sends SIGTERM to the child.
// The child's exit code is returned; a non-zero exit is not an error.
func Run(ctx context.Context, cmd *exec.Cmd, stdin *os.File, stdout io.Writer) (int, error) {
	fd := int(stdin.Fd())
	interactive := term.IsTerminal(fd)

	size := &pty.Winsize{Rows: 24, Cols: 80}
	if interactive {
		if cols, rows, err := term.GetSize(fd); err == nil {
			size = &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}
		}
	}

	ptm, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return -1, fmt.Errorf("start command: %w", err)
	}
	defer ptm.Close()

	if interactive {
		restore, err := term.MakeRaw(fd)
		if err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return -1, fmt.Errorf("set raw mode: %w", err)
		}
		defer term.Restore(fd, restore)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGWINCH)
		defer func() {
			signal.Stop(sigCh)
			close(sigCh)
		}()
		go func() {
			for range sigCh {
				pty.InheritSize(stdin, ptm)
			}
		}()
	}

	go io.Copy(ptm, stdin)
	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		io.Copy(stdout, ptm)
	}()

	waitDone := make(chan struct{})
	defer close(waitDone)
	go func() {
		select {
		case <-ctx.Done():
			cmd.Process.Signal(syscall.SIGTERM)
		case <-waitDone:
		}
	}()

	err = cmd.Wait()
	<-outputDone
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("wait for command: %w", err)
	}
	return 0, nil
}
