// Package httptransport carries authenticated calls to the planning API.
//
// A call flows Interceptor -> Dispatcher -> Transport. The Dispatcher
// attaches the access credential of the current session, the Transport
// performs the exchange, and the Interceptor decides whether the response
// means the credential expired and the call must be replayed after a
// renewal.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	oerrors "github.com/porthorian/planauth/pkg/errors"
)

const (
	DefaultBaseURL = "http://localhost:5001"
	DefaultTimeout = 10 * time.Second

	HeaderAuthorization = "Authorization"
	HeaderContentType   = "Content-Type"
	HeaderRequestID     = "X-Request-ID"

	ContentTypeJSON = "application/json"
)

var ErrInvalidBaseURL = errors.New("httptransport: base URL must be absolute")

// Request is a transport-neutral description of one API call. Path is
// resolved against the transport's base URL.
type Request struct {
	Method  string
	Path    string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// JSONRequest builds a request whose body is payload encoded as JSON. A nil
// payload produces a request without a body.
func JSONRequest(method, path string, payload any) (Request, error) {
	req := Request{Method: method, Path: path, Header: http.Header{}}
	if payload == nil {
		return req, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Request{}, fmt.Errorf("httptransport: encode request body: %w", err)
	}
	req.Body = body
	req.Header.Set(HeaderContentType, ContentTypeJSON)
	return req, nil
}

func (r Request) clone() Request {
	r.Header = r.Header.Clone()
	if r.Header == nil {
		r.Header = http.Header{}
	}
	if r.Body != nil {
		r.Body = bytes.Clone(r.Body)
	}
	return r
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) Successful() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	if len(r.Body) == 0 {
		return oerrors.New(oerrors.CodeResponse, "empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return oerrors.Wrap(oerrors.CodeResponse, "decode response body", err)
	}
	return nil
}

// ErrorMessage returns the "error" field of a JSON error body, if any.
func (r *Response) ErrorMessage() string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return ""
	}
	return body.Error
}

// Err converts a non-2xx response into a response_error.
func (r *Response) Err() error {
	if r.Successful() {
		return nil
	}
	return oerrors.Response(r.StatusCode, r.ErrorMessage())
}

// Transport performs a single exchange. It never retries. A nil error means
// a response was received, whatever its status.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

type TransportFunc func(ctx context.Context, req Request) (*Response, error)

func (f TransportFunc) Do(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

type HTTPTransportConfig struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
	// Header is sent with every request unless the request sets the same key.
	Header http.Header
}

type HTTPTransport struct {
	base    *url.URL
	client  *http.Client
	timeout time.Duration
	header  http.Header
}

var _ Transport = (*HTTPTransport)(nil)

func NewHTTPTransport(config HTTPTransportConfig) (*HTTPTransport, error) {
	rawBase := strings.TrimSpace(config.BaseURL)
	if rawBase == "" {
		rawBase = DefaultBaseURL
	}
	base, err := url.Parse(rawBase)
	if err != nil {
		return nil, fmt.Errorf("httptransport: parse base URL: %w", err)
	}
	if !base.IsAbs() {
		return nil, ErrInvalidBaseURL
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	client := config.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	header := config.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if header.Get(HeaderContentType) == "" {
		header.Set(HeaderContentType, ContentTypeJSON)
	}

	return &HTTPTransport{
		base:    base,
		client:  client,
		timeout: timeout,
		header:  header,
	}, nil
}

func (t *HTTPTransport) BaseURL() string {
	return t.base.String()
}

func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	target, err := t.resolve(req.Path)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("httptransport: build request: %w", err)
	}

	header := maps.Clone(t.header)
	maps.Copy(header, req.Header)
	httpReq.Header = header

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, oerrors.Wrap(oerrors.CodeTransportFailure, method+" "+req.Path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, oerrors.Wrap(oerrors.CodeTransportFailure, "read response body", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

func (t *HTTPTransport) resolve(path string) (string, error) {
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return "", fmt.Errorf("httptransport: parse path %q: %w", path, err)
	}
	return t.base.ResolveReference(ref).String(), nil
}
