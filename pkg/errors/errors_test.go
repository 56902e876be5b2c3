package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsCodeFindsWrappedError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("send request: %w", Wrap(CodeTransportFailure, "transport failure", cause))

	if !IsCode(err, CodeTransportFailure) {
		t.Fatal("expected transport failure code")
	}
	if IsCode(err, CodeAuthInvalid) {
		t.Fatal("did not expect auth invalid code")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to remain reachable through Unwrap")
	}
	if CodeOf(err) != CodeTransportFailure {
		t.Fatalf("expected CodeOf to return %q, got %q", CodeTransportFailure, CodeOf(err))
	}
}

func TestIsAuthInvalid(t *testing.T) {
	if !IsAuthInvalid(Wrap(CodeAuthInvalid, "session ended", ErrSessionEnded)) {
		t.Fatal("expected auth invalid error to be recognised")
	}
	if !IsAuthInvalid(fmt.Errorf("call: %w", ErrSessionEnded)) {
		t.Fatal("expected bare ErrSessionEnded to be recognised")
	}
	if IsAuthInvalid(Response(500, "")) {
		t.Fatal("did not expect response error to be auth invalid")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Response(404, "")
	if err.Error() != "unexpected response status 404" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if err.Status != 404 {
		t.Fatalf("expected status 404, got %d", err.Status)
	}

	wrapped := Wrap(CodeStorageUnavailable, "persist session", errors.New("disk full"))
	if wrapped.Error() != "persist session: disk full" {
		t.Fatalf("unexpected message %q", wrapped.Error())
	}
	if !IsInternalCode(wrapped) {
		t.Fatal("expected storage unavailable to be an internal code")
	}

	var nilErr *Error
	if nilErr.Error() != "" {
		t.Fatal("expected nil error to render empty")
	}
}
