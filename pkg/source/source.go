// Package source defines the pluggable per-provider scraping contract and
// the REGTECH browser-automation implementation that drives it. Every
// source implementation is authenticate → fetch → parse; the Scheduler
// routes collection jobs to an implementation by service name.
package source

import (
	"context"
	"time"
)

// Row is one raw, unvalidated record read out of a source artifact. It is
// handed to pkg/normalize for IP/date/country validation and default fill.
type Row struct {
	IP            string
	Reason        string
	Category      string
	Confidence    string
	Country       string
	DetectionDate string
	RemovalDate   string
}

// Credential carries the decrypted portal credential and its per-service
// config map into a source implementation. Password is plaintext here —
// the Collector obtains it from the Vault immediately before this call and
// never persists or logs it.
type Credential struct {
	Username string
	Password string
	Config   map[string]string
}

// DateWindow bounds the advisory query a Fetch call performs.
type DateWindow struct {
	From time.Time
	To   time.Time
}

// DefaultDateWindow returns the last-3-months window used when a caller has
// no explicit override.
func DefaultDateWindow(now time.Time) DateWindow {
	return DateWindow{From: now.AddDate(0, -3, 0), To: now}
}

// Session is an opaque, source-defined handle returned by Authenticate and
// consumed by Fetch. Release must be called exactly once, on every exit
// path, to guarantee the underlying browser context is torn down.
type Session interface {
	Release()
}

// AuthErrorReason classifies why Authenticate failed.
type AuthErrorReason string

const (
	AuthReasonInvalid AuthErrorReason = "invalid"
	AuthReasonLocked  AuthErrorReason = "locked"
	AuthReasonNetwork AuthErrorReason = "network"
	AuthReasonTimeout AuthErrorReason = "timeout"
)

// AuthError reports an authentication failure against the upstream portal.
type AuthError struct {
	Reason AuthErrorReason
	Detail string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Detail != "" {
		return "source: auth " + string(e.Reason) + ": " + e.Detail
	}
	return "source: auth " + string(e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// FetchError reports a failure while navigating the portal or downloading
// the advisory artifact.
type FetchError struct {
	Stage string // "navigate" | "download" | "select-tab"
	Err   error
}

func (e *FetchError) Error() string { return "source: fetch " + e.Stage + ": " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// Source is the per-provider scraping contract. One implementation exists
// per upstream service; the Scheduler/Collector select an implementation by
// service name and never branch on it otherwise.
type Source interface {
	// Name is the service identifier this implementation serves, e.g. "REGTECH".
	Name() string

	// Authenticate logs into the upstream portal and returns a Session the
	// caller must Release.
	Authenticate(ctx context.Context, cred Credential) (Session, error)

	// Fetch downloads the advisory artifact for window and returns its raw
	// bytes (an Excel workbook for REGTECH).
	Fetch(ctx context.Context, sess Session, window DateWindow) ([]byte, error)

	// Parse reads artifact bytes into raw rows. A malformed individual row
	// is skipped by the caller (pkg/normalize), never aborting the batch.
	Parse(ctx context.Context, artifact []byte) ([]Row, error)
}

// Registry maps service name to Source implementation.
type Registry map[string]Source

// Get looks up a Source by service name.
func (r Registry) Get(service string) (Source, bool) {
	s, ok := r[service]
	return s, ok
}
