package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/remiblancher/qsign/pkg/credential"
)

// TerminalPrompter reads a token PIN from the controlling terminal without
// echo.
type TerminalPrompter struct {
	In  *os.File
	Out io.Writer
}

var _ credential.Prompter = (*TerminalPrompter)(nil)

// PromptPIN asks for the PIN of token. An empty answer counts as a
// cancellation. When ctx ends first the read is abandoned and
// credential.ErrCancelled is returned; the terminal read finishes in the
// background on the next newline.
func (p *TerminalPrompter) PromptPIN(ctx context.Context, token string) (string, error) {
	return p.read(ctx, fmt.Sprintf("Enter PIN for token %q: ", token))
}

// PromptNewPIN asks twice for a new PIN of token and fails when the answers
// differ.
func (p *TerminalPrompter) PromptNewPIN(ctx context.Context, token string) (string, error) {
	pin, err := p.read(ctx, fmt.Sprintf("Enter new PIN for token %q: ", token))
	if err != nil {
		return "", err
	}
	again, err := p.read(ctx, "Repeat new PIN: ")
	if err != nil {
		return "", err
	}
	if pin != again {
		return "", errors.New("the new PINs do not match")
	}
	return pin, nil
}

func (p *TerminalPrompter) read(ctx context.Context, prompt string) (string, error) {
	in := p.In
	if in == nil {
		in = os.Stdin
	}
	out := p.Out
	if out == nil {
		out = os.Stderr
	}
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("PIN entry needs a terminal (set pin_env in the configuration)")
	}
	fmt.Fprint(out, prompt)

	type answer struct {
		pin string
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		b, err := term.ReadPassword(fd)
		ch <- answer{strings.TrimSpace(string(b)), err}
	}()

	select {
	case a := <-ch:
		fmt.Fprintln(out)
		if a.err != nil {
			return "", fmt.Errorf("failed to read PIN: %w", a.err)
		}
		if a.pin == "" {
			return "", credential.ErrCancelled
		}
		return a.pin, nil
	case <-ctx.Done():
		fmt.Fprintln(out)
		return "", credential.ErrCancelled
	}
}
