package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"time"
)

// FlowLauncher drives a redirect-based authorization flow: given an
// authorization URL it returns the redirect URL containing the
// authorization code, or an error distinguishing user cancellation
// (ErrFlowCanceled) from flow failure.
type FlowLauncher interface {
	Launch(ctx context.Context, authURL string) (redirectURL string, err error)
}

const loopbackShutdownGrace = 2 * time.Second

// LoopbackLauncher opens the system browser and captures the authorization
// redirect on a local listener.
type LoopbackLauncher struct {
	log *slog.Logger

	// addr is the listen address the provider's RedirectURL points at,
	// e.g. "127.0.0.1:8917".
	addr string

	// openURL opens the browser. Injectable for tests.
	openURL func(url string) error
}

// NewLoopbackLauncher constructs a LoopbackLauncher listening on addr.
func NewLoopbackLauncher(log *slog.Logger, addr string) *LoopbackLauncher {
	return &LoopbackLauncher{log: log, addr: addr, openURL: openBrowser}
}

// Launch starts the listener, opens authURL, and waits for the redirect or
// context cancellation (reported as ErrFlowCanceled).
func (l *LoopbackLauncher) Launch(ctx context.Context, authURL string) (string, error) {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return "", fmt.Errorf("authorization listener: %w", err)
	}

	got := make(chan string, 1)
	srv := &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case got <- "http://" + l.addr + r.URL.String():
			default:
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("Signed in. You can close this window.\n"))
		}),
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), loopbackShutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := l.openURL(authURL); err != nil {
		return "", fmt.Errorf("open browser: %w", err)
	}

	l.log.Info("auth.flow.waiting", "addr", l.addr)

	select {
	case <-ctx.Done():
		return "", ErrFlowCanceled
	case err := <-serveErr:
		return "", fmt.Errorf("authorization listener: %w", err)
	case redirect := <-got:
		return redirect, nil
	}
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
