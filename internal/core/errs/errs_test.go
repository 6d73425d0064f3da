package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		kind      Kind
		retryable bool
	}{
		{400, KindAPI, false},
		{401, KindAuth, false},
		{403, KindAuth, false},
		{404, KindInvalidStop, false},
		{418, KindAPI, false},
		{429, KindRateLimit, true},
		{500, KindServiceUnavailable, true},
		{502, KindServiceUnavailable, true},
		{503, KindServiceUnavailable, true},
		{504, KindServiceUnavailable, true},
		{505, KindAPI, false},
	}

	for _, tt := range tests {
		e := ClassifyStatus(tt.status, "13543")
		if e.Kind != tt.kind {
			t.Errorf("ClassifyStatus(%d) kind = %v, want %v", tt.status, e.Kind, tt.kind)
		}
		if e.Retryable() != tt.retryable {
			t.Errorf("ClassifyStatus(%d) retryable = %v, want %v", tt.status, e.Retryable(), tt.retryable)
		}
		if e.Status != tt.status {
			t.Errorf("ClassifyStatus(%d) status = %d", tt.status, e.Status)
		}
	}
}

func TestClassifyTransport(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
	}{
		{context.DeadlineExceeded, KindTimeout},
		{fmt.Errorf("do: %w", context.DeadlineExceeded), KindTimeout},
		{errors.New("i/o timeout"), KindTimeout},
		{errors.New("connection refused"), KindConnection},
		{errors.New("network is unreachable"), KindConnection},
		{errors.New("x509: certificate signed by unknown authority"), KindConnection},
		{errors.New("something odd"), KindAPI},
		{New(KindAuth, "bad key"), KindAuth},
	}

	for _, tt := range tests {
		if got := ClassifyTransport(tt.err).Kind; got != tt.kind {
			t.Errorf("ClassifyTransport(%q) = %v, want %v", tt.err, got, tt.kind)
		}
	}
}

func TestHelpersWalkChain(t *testing.T) {
	err := fmt.Errorf("stop 13543: %w", ClassifyStatus(503, "13543"))

	if !Is(err, KindServiceUnavailable) {
		t.Error("Is should find the wrapped kind")
	}
	if !IsRetryable(err) {
		t.Error("503 should be retryable")
	}
	if !IsAPIError(err) {
		t.Error("503 should be an API error")
	}

	if IsAPIError(New(KindCache, "disk full")) {
		t.Error("cache errors are not API errors")
	}
	if IsAPIError(New(KindConfig, "bad stop")) {
		t.Error("configuration errors are not API errors")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("untyped errors are not retryable")
	}
}

func TestErrorMessage(t *testing.T) {
	e := ClassifyStatus(404, "99")
	want := `stop code "99" not found (HTTP 404)`
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}

	w := Wrap(KindCache, "save cache", errors.New("disk full"))
	if w.Error() != "save cache: disk full" {
		t.Errorf("Error() = %q", w.Error())
	}
	if !errors.Is(w, w.Err) {
		t.Error("Unwrap should expose the cause")
	}
}
