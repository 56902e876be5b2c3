package httptransport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type staticValidator map[string]string

func (v staticValidator) Validate(ctx context.Context, token string) (any, error) {
	subject, ok := v[token]
	if !ok {
		return nil, errors.New("token expired")
	}
	return subject, nil
}

func TestBearerToken(t *testing.T) {
	cases := map[string]struct {
		value string
		token string
		ok    bool
	}{
		"standard":     {value: "Bearer abc", token: "abc", ok: true},
		"lower case":   {value: "bearer abc", token: "abc", ok: true},
		"empty token":  {value: "Bearer   ", ok: false},
		"other scheme": {value: "Basic abc", ok: false},
		"missing":      {value: "", ok: false},
	}
	for name, tc := range cases {
		token, ok := BearerToken(tc.value)
		if ok != tc.ok || token != tc.token {
			t.Fatalf("%s: got (%q, %v)", name, token, ok)
		}
	}
}

func TestMiddleware(t *testing.T) {
	handler := Middleware(staticValidator{"good": "user-1"}, MiddlewareConfig{FailureStatusCode: 419})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := PrincipalFromContext(r.Context())
			_, _ = w.Write([]byte(principal.(string)))
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set(HeaderAuthorization, "Bearer good")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "user-1" {
		t.Fatalf("expected principal to reach handler, got %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set(HeaderAuthorization, "Bearer stale")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	resp := &Response{StatusCode: rec.Code, Body: rec.Body.Bytes()}
	if resp.StatusCode != 419 || resp.ErrorMessage() != "token expired" {
		t.Fatalf("expected 419 with message, got %d %q", resp.StatusCode, resp.ErrorMessage())
	}
}
