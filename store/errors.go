// Package store implements the object-store multipart-upload primitive the
// flush pipeline depends on (§6: the object store client). This file
// classifies storage failures so callers can use errors.Is/As instead of
// string matching.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for storage failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrAborted indicates the upload was cancelled by the caller (via
	// destroy), never a storage-side failure.
	ErrAborted = errors.New("upload aborted")

	// ErrNotFound indicates the destination bucket/key path does not exist
	// (404, NoSuchBucket).
	ErrNotFound = errors.New("object store path not found")

	// ErrTimeout indicates the upload itself timed out, as distinct from
	// the flush pipeline's hard deadline (§4.C), which does not cancel the
	// upload.
	ErrTimeout = errors.New("object store operation timed out")

	// ErrThrottled indicates rate limiting (429, SlowDown) from the
	// object store.
	ErrThrottled = errors.New("object store rate limited")

	// ErrNetwork indicates a network-level failure talking to the object
	// store (connection refused, DNS, reset).
	ErrNetwork = errors.New("object store network error")
)

// UploadError wraps an underlying error with storage classification,
// preserving the original error in the chain for errors.As inspection.
type UploadError struct {
	Kind error
	Key  string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v: %v", e.Key, e.Kind, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Is reports whether the error matches the target sentinel.
func (e *UploadError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// classifierTable pairs message substrings with a sentinel error. Entries
// are checked in order; the first match wins.
var classifierTable = []struct {
	patterns []string
	kind     error
}{
	{[]string{"no such bucket", "nosuchkey", "nosuchbucket", "404", "not found"}, ErrNotFound},
	{[]string{"slowdown", "rate exceeded", "throttl", "429", "toomanyrequests"}, ErrThrottled},
	{[]string{"timeout", "timed out", "deadline exceeded"}, ErrTimeout},
	{[]string{"connection refused", "no route to host", "network unreachable",
		"dns", "dial tcp", "i/o timeout"}, ErrNetwork},
}

// classifyError determines the sentinel for a raw upload error. Typed
// timeout errors are checked first via errors.As, then the message is
// walked against classifierTable.
func classifyError(err error) error {
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ErrTimeout
	}

	lower := strings.ToLower(err.Error())
	for _, entry := range classifierTable {
		for _, p := range entry.patterns {
			if strings.Contains(lower, p) {
				return entry.kind
			}
		}
	}
	return errors.New("object store error")
}

// wrapUploadError classifies err and wraps it as an *UploadError for the
// given key. A context.Canceled error (the shape an aborted upload takes,
// per Upload.Abort's doc comment) passes through unclassified so
// IsAbortError's errors.Is check still sees it directly. Returns nil if
// err is nil.
func wrapUploadError(err error, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &UploadError{Kind: classifyError(err), Key: key, Err: err}
}

// IsAbortError reports whether err resulted from context cancellation —
// the expected shape of an upload aborted by SessionManager.destroy(), not
// a genuine storage failure. Callers must not increment the
// write-error counter for this case (§7).
func IsAbortError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrAborted)
}
