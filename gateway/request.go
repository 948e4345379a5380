package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Request describes one platform API call. Path is relative to the API base
// (for example "/users/me"). At most one of JSON and Form may be set.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	JSON   any
	Form   url.Values
	Header http.Header
}

// encoded is a Request with its body serialized once so it can be replayed.
type encoded struct {
	*Request
	body        []byte
	contentType string
}

func (r *Request) encode() (*encoded, error) {
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	if !strings.HasPrefix(r.Path, "/") {
		return nil, fmt.Errorf("request path %q must start with /", r.Path)
	}
	e := &encoded{Request: r}
	switch {
	case r.JSON != nil && r.Form != nil:
		return nil, fmt.Errorf("request %s %s: both JSON and form body set", r.Method, r.Path)
	case r.JSON != nil:
		data, err := json.Marshal(r.JSON)
		if err != nil {
			return nil, fmt.Errorf("encoding %s %s body: %w", r.Method, r.Path, err)
		}
		e.body = data
		e.contentType = "application/json"
	case r.Form != nil:
		e.body = []byte(r.Form.Encode())
		e.contentType = "application/x-www-form-urlencoded"
	}
	return e, nil
}

func (e *encoded) bodyReader() io.Reader {
	if e.body == nil {
		return nil
	}
	return bytes.NewReader(e.body)
}

// route is the path and query as the caller sees it, used for exempt
// matching and error messages.
func (e *encoded) route() string {
	if len(e.Query) == 0 {
		return e.Path
	}
	return e.Path + "?" + e.Query.Encode()
}
