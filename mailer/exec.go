package mailer

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"braces.dev/errtrace"
)

// execTransport pipes the message into a local MTA binary. Recipients
// are taken from the message headers by the binary itself.
type execTransport struct {
	path string
	args func(from string) []string
}

func sendmailArgs(from string) []string {
	return []string{"-oi", "-f" + from, "-t"}
}

func qmailArgs(from string) []string {
	if from == "" {
		return nil
	}
	return []string{"-f" + from}
}

func (t *execTransport) send(ctx context.Context, env envelope, data []byte) error {
	cmd := exec.CommandContext(ctx, t.path, t.args(env.from)...)
	cmd.Stdin = bytes.NewReader(data)

	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return errtrace.Wrap(ctx.Err())
		}
		return errtrace.Errorf("%s: %w | output: %s", t.path, err, strings.TrimSpace(string(out)))
	}
	return nil
}
