// Package browser opens authorization URLs in the user's browser. It is the
// delivery strategy of the CLI login verb; the agent server delivers through
// HTTP responses instead.
package browser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	slogctx "github.com/veqryn/slog-context"
)

// Opener launches the platform browser. When no launcher is available the
// URL is printed so the user can open it by hand.
type Opener struct {
	// Stdout receives the fallback prompt, os.Stdout when nil.
	Stdout *os.File
}

func (o *Opener) Deliver(ctx context.Context, authorizationURL string) error {
	cmd := openCommand(ctx, authorizationURL)
	if cmd != nil {
		if err := cmd.Start(); err == nil {
			go func() { _ = cmd.Wait() }()

			return nil
		}
		slogctx.Warn(ctx, "Failed to launch a browser, printing the URL instead")
	}

	out := o.Stdout
	if out == nil {
		out = os.Stdout
	}
	_, err := fmt.Fprintf(out, "Open the following URL in your browser to sign in:\n\n  %s\n\n", authorizationURL)

	return err
}

func openCommand(ctx context.Context, url string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.CommandContext(ctx, "open", url)
	case "windows":
		return exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		if _, err := exec.LookPath("xdg-open"); err != nil {
			return nil
		}

		return exec.CommandContext(ctx, "xdg-open", url)
	}
}
