// Package prompt reads secrets from the operator without echoing them.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Terminal reads from the controlling terminal, falling back to stdin.
type Terminal struct {
	// Out receives the prompt label. Defaults to os.Stderr.
	Out io.Writer
}

// ReadSecret prints label and reads one line with echo disabled. When no
// terminal is available the line is read from stdin as-is, which lets the
// secret be piped in.
func (t Terminal) ReadSecret(label string) (string, error) {
	out := t.Out
	if out == nil {
		out = os.Stderr
	}

	if tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0); err == nil {
		defer tty.Close()
		if term.IsTerminal(int(tty.Fd())) {
			return readHidden(int(tty.Fd()), tty, label)
		}
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		return readHidden(fd, out, label)
	}

	fmt.Fprint(out, label)
	return ReadLine(os.Stdin)
}

func readHidden(fd int, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// ReadLine reads a single line from r and trims surrounding whitespace.
// EOF with no input yields an empty string and no error.
func ReadLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
