package store

import (
	"context"
	"errors"
	"testing"
)

func TestWrapUploadError_ClassifiesByMessage(t *testing.T) {
	tests := []struct {
		name     string
		errMsg   string
		wantKind error
	}{
		{name: "NoSuchKey S3", errMsg: "NoSuchKey: The specified key does not exist", wantKind: ErrNotFound},
		{name: "HTTP 404", errMsg: "received status 404", wantKind: ErrNotFound},
		{name: "SlowDown S3", errMsg: "SlowDown: please reduce request rate", wantKind: ErrThrottled},
		{name: "TooManyRequests", errMsg: "TooManyRequests: rate limit exceeded", wantKind: ErrThrottled},
		{name: "HTTP 429", errMsg: "received status 429", wantKind: ErrThrottled},
		{name: "timed out", errMsg: "request timed out", wantKind: ErrTimeout},
		{name: "connection refused", errMsg: "dial tcp 127.0.0.1:9000: connection refused", wantKind: ErrNetwork},
		{name: "DNS resolution failure", errMsg: "DNS lookup failed for bucket.s3.amazonaws.com", wantKind: ErrNetwork},
		{name: "unknown falls back to generic", errMsg: "something broke", wantKind: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := wrapUploadError(errors.New(tt.errMsg), "some/key")

			var uploadErr *UploadError
			if !errors.As(wrapped, &uploadErr) {
				t.Fatalf("wrapUploadError did not return an *UploadError, got %T", wrapped)
			}
			if uploadErr.Key != "some/key" {
				t.Errorf("Key = %q, want %q", uploadErr.Key, "some/key")
			}
			if tt.wantKind != nil && !errors.Is(wrapped, tt.wantKind) {
				t.Errorf("errors.Is(wrapped, %v) = false, want true", tt.wantKind)
			}
		})
	}
}

func TestWrapUploadError_Nil(t *testing.T) {
	if wrapUploadError(nil, "some/key") != nil {
		t.Error("expected nil for a nil error")
	}
}

func TestWrapUploadError_CanceledPassesThroughUnclassified(t *testing.T) {
	wrapped := wrapUploadError(context.Canceled, "some/key")

	var uploadErr *UploadError
	if errors.As(wrapped, &uploadErr) {
		t.Fatal("a context.Canceled error must not be wrapped in *UploadError")
	}
	if !IsAbortError(wrapped) {
		t.Error("expected IsAbortError to recognize a passed-through context.Canceled error")
	}
}
