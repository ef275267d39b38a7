package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// prompter asks for missing settings on the terminal.
type prompter struct {
	in     io.Reader
	reader *bufio.Reader
	out    io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: in, reader: bufio.NewReader(in), out: out}
}

// ask repeats the prompt until a non-empty answer is given.
func (p *prompter) ask(ctx context.Context, label, example string) (string, error) {
	prompt := label
	if example != "" {
		prompt += fmt.Sprintf(" (example %s)", example)
	}
	prompt += ": "

	for {
		fmt.Fprint(p.out, prompt)
		answer, err := p.readLine(ctx, p.reader.ReadString)
		if err != nil {
			return "", err
		}
		if answer = strings.TrimSpace(answer); answer != "" {
			return answer, nil
		}
	}
}

// password reads a password without echo when stdin is a terminal.
func (p *prompter) password(ctx context.Context, label string) (string, error) {
	f, ok := p.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return p.ask(ctx, label, "")
	}

	for {
		fmt.Fprintf(p.out, "%s: ", label)
		answer, err := p.readLine(ctx, func(byte) (string, error) {
			b, err := term.ReadPassword(int(f.Fd()))
			return string(b), err
		})
		fmt.Fprintln(p.out)
		if err != nil {
			return "", err
		}
		if answer != "" {
			return answer, nil
		}
	}
}

// readLine runs a blocking read, giving up when ctx is done. The read
// itself keeps waiting in the background; the process is about to exit.
func (p *prompter) readLine(ctx context.Context, read func(delim byte) (string, error)) (string, error) {
	type result struct {
		line string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := read('\n')
		done <- result{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, io.EOF) && r.line != "" {
				return r.line, nil
			}
			return "", fmt.Errorf("read input: %w", r.err)
		}
		return r.line, nil
	}
}
