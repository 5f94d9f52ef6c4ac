package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"assemble-chat-client/internal/api"
)

// Connector guards channel establishment so that repeated Connect calls for
// the same view reuse one live channel instead of piling up connections.
type Connector struct {
	logger *zap.SugaredLogger
	url    string
	creds  api.TokenSource

	mu sync.Mutex
	ch *Channel
}

// NewConnector builds a Connector for the given socket endpoint.
// creds may be nil for unauthenticated backends.
func NewConnector(logger *zap.SugaredLogger, url string, creds api.TokenSource) *Connector {
	return &Connector{logger: logger, url: url, creds: creds}
}

// Connect returns the live channel, dialing only when none exists or the
// previous one has shut down. There is no retry or backoff: a failed dial is
// reported to the caller, which degrades to the HTTP fallback.
func (c *Connector) Connect(ctx context.Context) (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil && !c.ch.Closed() {
		return c.ch, nil
	}

	token := ""
	if c.creds != nil {
		token = c.creds.Token()
	}

	ch, err := Dial(ctx, c.logger, c.url, token)
	if err != nil {
		return nil, err
	}

	c.ch = ch
	return ch, nil
}

// Close shuts the managed channel down, if any.
func (c *Connector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil {
		c.ch.Close()
	}
}
