// Package driver defines the capability surface the verification core needs
// from a browser-automation backend. The rod-backed implementation lives in
// internal/browser; tests use drivertest.Fake.
package driver

import (
	"context"
	"time"
)

// ElementRef identifies an element inside the most recent structural snapshot.
// A ref stays bound to the same node across snapshots of one document.
type ElementRef string

// Element is one visible interactive node of a structural snapshot.
type Element struct {
	Ref      ElementRef `json:"ref"`
	Role     string     `json:"role"`
	Name     string     `json:"name"`
	ID       string     `json:"id,omitempty"`
	Tag      string     `json:"tag,omitempty"`
	Checked  bool       `json:"checked,omitempty"`
	Disabled bool       `json:"disabled,omitempty"`
}

// Snapshot is a queryable view of the visible interactive elements.
type Snapshot struct {
	URL      string    `json:"url"`
	Elements []Element `json:"elements"`
}

// Driver is the minimum capability object injected into the core.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Snapshot(ctx context.Context) (*Snapshot, error)
	Click(ctx context.Context, ref ElementRef) error
	// Evaluate runs a JS function expression (e.g. "() => 1") in the page.
	Evaluate(ctx context.Context, script string) (interface{}, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// NetworkRequest is one completed request observed by the driver.
type NetworkRequest struct {
	URL    string `json:"url"`
	Status int    `json:"status"`
}

// NetworkLister is implemented by drivers that keep a log of responses.
type NetworkLister interface {
	ListNetworkRequests(ctx context.Context) ([]NetworkRequest, error)
}

// ConsoleMessage is a console API call observed in the page.
type ConsoleMessage struct {
	Level string    `json:"level"` // error, warning, log, info, debug
	Text  string    `json:"text"`
	URL   string    `json:"url,omitempty"`
	Time  time.Time `json:"time"`
}

// PageError is an uncaught exception raised by page scripts.
type PageError struct {
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
	Time    time.Time `json:"time"`
}

// NetworkResponse is a response received by the page.
type NetworkResponse struct {
	URL        string    `json:"url"`
	Status     int       `json:"status"`
	StatusText string    `json:"status_text,omitempty"`
	Time       time.Time `json:"time"`
}

// EventSource lets passive listeners subscribe to page events.
type EventSource interface {
	OnConsoleMessage(func(ConsoleMessage))
	OnPageError(func(PageError))
	OnNetworkResponse(func(NetworkResponse))
}
