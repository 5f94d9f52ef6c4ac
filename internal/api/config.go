package api

import (
	"net/http"
	"time"
)

// Option alters the default configuration of a Client under construction.
type Option interface {
	apply(*Client)
}

type optionFunc func(c *Client)

func (f optionFunc) apply(c *Client) { f(c) }

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return optionFunc(func(c *Client) {
		c.http = hc
	})
}

// RequestTimeout sets the per-request timeout on the underlying http.Client.
func RequestTimeout(d time.Duration) Option {
	return optionFunc(func(c *Client) {
		c.http.Timeout = d
	})
}
