// Package errs defines the tagged error variants the dispatcher surfaces,
// per the propagation policy: per-frame errors stay local, per-session
// errors close only that session, config errors during reload never touch
// running sessions.
package errs

import "fmt"

// ConfigInvalid reports a configuration validation failure. Fatal at initial
// load; at reload the old snapshot is retained and this is merely reported.
type ConfigInvalid struct {
	Path   string
	Reason string
}

func (e *ConfigInvalid) Error() string {
	return fmt.Sprintf("config invalid (%s): %s", e.Path, e.Reason)
}

// ConnectionUnavailable is recoverable: the dispatcher synthesizes a Reply
// when a forward cannot proceed because the target connection is down.
type ConnectionUnavailable struct {
	ConnID string
}

func (e *ConnectionUnavailable) Error() string {
	return fmt.Sprintf("connection unavailable: %s", e.ConnID)
}

// UpstreamProtocol reports a malformed frame received from an upstream
// connection. The frame is dropped and the session continues.
type UpstreamProtocol struct {
	ConnID string
	Reason string
	Cause  error
}

func (e *UpstreamProtocol) Error() string {
	return fmt.Sprintf("upstream protocol error on %s: %s", e.ConnID, e.Reason)
}

func (e *UpstreamProtocol) Unwrap() error { return e.Cause }

// FrontendProtocol reports a malformed frame received from a frontend
// session. The frame is dropped and the session continues.
type FrontendProtocol struct {
	Session string
	Reason  string
	Cause   error
}

func (e *FrontendProtocol) Error() string {
	return fmt.Sprintf("frontend protocol error on %s: %s", e.Session, e.Reason)
}

func (e *FrontendProtocol) Unwrap() error { return e.Cause }

// RepositoryUnavailable signals the repository could not be reached. Reads
// degrade open (the router proceeds with a transient empty user record);
// writes fail loudly to the caller.
type RepositoryUnavailable struct {
	Cause error
}

func (e *RepositoryUnavailable) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("repository unavailable: %v", e.Cause)
	}
	return "repository unavailable"
}

func (e *RepositoryUnavailable) Unwrap() error { return e.Cause }

// Internal reports an unexpected condition. The owning session is closed
// and, where applicable, the supervisor restarts it.
type Internal struct {
	Reason string
	Cause  error
}

func (e *Internal) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("internal: %s", e.Reason)
}

func (e *Internal) Unwrap() error { return e.Cause }
