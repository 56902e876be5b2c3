package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"

	oerrors "github.com/porthorian/planauth/pkg/errors"
	"github.com/porthorian/planauth/pkg/session"
)

type echoed struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	Auth        string `json:"auth"`
	Body        string `json:"body"`
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set(HeaderContentType, ContentTypeJSON)
		_ = json.NewEncoder(w).Encode(echoed{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			ContentType: r.Header.Get(HeaderContentType),
			Auth:        r.Header.Get(HeaderAuthorization),
			Body:        string(body),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPTransportDefaults(t *testing.T) {
	srv := echoServer(t)
	transport, err := NewHTTPTransport(HTTPTransportConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	resp, err := transport.Do(context.Background(), Request{Path: "/api/tasks?done=false"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !resp.Successful() {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	var got echoed
	if err := resp.DecodeJSON(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Method != http.MethodGet {
		t.Fatalf("expected GET by default, got %s", got.Method)
	}
	if got.Path != "/api/tasks?done=false" {
		t.Fatalf("unexpected path %q", got.Path)
	}
	if got.ContentType != ContentTypeJSON {
		t.Fatalf("expected default JSON content type, got %q", got.ContentType)
	}
}

func TestHTTPTransportResolvesAgainstBasePath(t *testing.T) {
	srv := echoServer(t)
	transport, err := NewHTTPTransport(HTTPTransportConfig{BaseURL: srv.URL + "/v2"})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	req, err := JSONRequest(http.MethodPost, "/api/subjects", map[string]string{"name": "Algorithms"})
	if err != nil {
		t.Fatalf("json request: %v", err)
	}
	resp, err := transport.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}

	var got echoed
	if err := resp.DecodeJSON(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Path != "/v2/api/subjects" {
		t.Fatalf("expected path under base, got %q", got.Path)
	}
	if got.Body != `{"name":"Algorithms"}` {
		t.Fatalf("unexpected body %q", got.Body)
	}
}

func TestHTTPTransportRequestHeaderOverridesDefault(t *testing.T) {
	srv := echoServer(t)
	transport, err := NewHTTPTransport(HTTPTransportConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	req := Request{Method: http.MethodPost, Path: "/upload", Header: http.Header{}, Body: []byte("raw")}
	req.Header.Set(HeaderContentType, "text/plain")
	resp, err := transport.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	var got echoed
	if err := resp.DecodeJSON(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ContentType != "text/plain" {
		t.Fatalf("expected request content type to win, got %q", got.ContentType)
	}
}

func TestHTTPTransportRejectsRelativeBase(t *testing.T) {
	if _, err := NewHTTPTransport(HTTPTransportConfig{BaseURL: "api.example.com"}); !errors.Is(err, ErrInvalidBaseURL) {
		t.Fatalf("expected ErrInvalidBaseURL, got %v", err)
	}
}

func TestHTTPTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	transport, err := NewHTTPTransport(HTTPTransportConfig{BaseURL: base})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	_, err = transport.Do(context.Background(), Request{Path: "/api/tasks"})
	if !oerrors.IsCode(err, oerrors.CodeTransportFailure) {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestHTTPTransportTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	transport, err := NewHTTPTransport(HTTPTransportConfig{BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	_, err = transport.Do(context.Background(), Request{Path: "/slow", Timeout: 20 * time.Millisecond})
	if !oerrors.IsCode(err, oerrors.CodeTransportFailure) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded in chain, got %v", err)
	}
}

func TestResponseErr(t *testing.T) {
	resp := &Response{StatusCode: http.StatusConflict, Body: []byte(`{"error":"email already registered"}`)}
	err := resp.Err()

	var typed *oerrors.Error
	if !errors.As(err, &typed) {
		t.Fatalf("expected *errors.Error, got %T", err)
	}
	if typed.Code != oerrors.CodeResponse || typed.Status != http.StatusConflict || typed.Message != "email already registered" {
		t.Fatalf("unexpected error %+v", typed)
	}

	if (&Response{StatusCode: http.StatusNoContent}).Err() != nil {
		t.Fatal("2xx responses must not produce an error")
	}
}

func TestDispatcherAttachesAccessCredential(t *testing.T) {
	store := session.NewStore(nil, logr.Discard())
	err := store.Replace(context.Background(), session.Session{
		AccessCredential:  "access-1",
		RefreshCredential: "refresh-1",
		User:              session.UserSnapshot{},
		IssuedAt:          time.Now(),
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}

	var seen Request
	transport := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		seen = req
		return &Response{StatusCode: http.StatusOK}, nil
	})
	dispatcher := NewDispatcher(store, transport, logr.Discard())

	original := Request{Method: http.MethodGet, Path: "/api/tasks", Header: http.Header{}}
	if _, err := dispatcher.Send(context.Background(), original); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := seen.Header.Get(HeaderAuthorization); got != "Bearer access-1" {
		t.Fatalf("unexpected authorization header %q", got)
	}
	if original.Header.Get(HeaderAuthorization) != "" {
		t.Fatal("dispatcher must not mutate the caller's request")
	}
}

func TestDispatcherWithoutSession(t *testing.T) {
	called := false
	transport := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		called = true
		return nil, nil
	})
	dispatcher := NewDispatcher(session.NewStore(nil, logr.Discard()), transport, logr.Discard())

	_, err := dispatcher.Send(context.Background(), Request{Path: "/api/tasks"})
	if !oerrors.IsCode(err, oerrors.CodeUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if called {
		t.Fatal("transport must not be called without a session")
	}
}
