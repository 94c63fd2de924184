// Package prompt implements the interactive yes/no decision contract used by
// the installer: case-insensitive token matching with a default answer taken
// on empty input.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Prompter asks the operator yes/no questions on the attached console.
type Prompter struct {
	in  io.Reader
	out io.Writer
}

var errInputClosed = errors.New("input closed before an answer was given")

// New returns a Prompter attached to stdin/stdout.
func New() *Prompter {
	return &Prompter{in: os.Stdin, out: os.Stdout}
}

// NewWithStreams returns a Prompter reading and writing the provided streams.
func NewWithStreams(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: in, out: out}
}

// Confirm asks a yes/no question and returns the operator's decision.
// Empty input yields defaultYes. Unrecognized tokens re-ask the question.
func (p *Prompter) Confirm(question string, defaultYes bool) (bool, error) {
	hint := "(Yes/No) [No]"
	if defaultYes {
		hint = "(Yes/No) [Yes]"
	}

	scanner := bufio.NewScanner(p.in)

	for {
		fmt.Fprintf(p.out, "%s %s: ", question, hint)

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return false, fmt.Errorf("read answer: %w", err)
			}

			return false, errInputClosed
		}

		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "":
			return defaultYes, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
}
