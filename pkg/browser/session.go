package browser

import (
	"context"
	"errors"
)

// ErrLauncherClosed is returned by NewSession once Close has been called
var ErrLauncherClosed = errors.New("browser launcher closed")

// Launcher hands out isolated sessions over a shared engine process
type Launcher interface {
	// NewSession opens an isolated browsing context. The engine is started
	// on first use and kept alive while any session is open.
	NewSession(ctx context.Context) (Session, error)
	// Close stops handing out sessions and tears the engine down once the
	// last open session closes, or when ctx is done.
	Close(ctx context.Context) error
}

// Session is one job's browsing context. Every method must return once ctx
// is done.
type Session interface {
	// Navigate loads url and fails on network errors or HTTP error status
	Navigate(ctx context.Context, url string) error
	// Evaluate runs script in the page and returns its JSON encoded result
	Evaluate(ctx context.Context, script string) (string, error)
	// HTML returns the rendered document markup
	HTML(ctx context.Context) (string, error)
	// Screenshot captures the full page as PNG
	Screenshot(ctx context.Context) ([]byte, error)
	// Close disposes of the context; safe to call more than once
	Close(ctx context.Context) error
}
