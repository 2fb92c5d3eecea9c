// Package gateway sends HTTP requests to the components of a Camunda
// installation. Clients only depend on the Gateway interface; the transport
// is either a Kubernetes port-forward or a plain HTTP connection.
package gateway

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/juju/errors"
)

// Component addresses one subsystem of the installation.
type Component struct {
	Name     string // logical name, e.g. "zeebe-gateway"
	Selector string // label selector of the pods serving the component
	Port     int
}

func (c Component) String() string {
	return c.Name
}

// Gateway sends a single request to a component and returns its response.
// The request URL only carries path and query; the gateway decides where
// the component lives. Callers must close the response body.
type Gateway interface {
	Do(ctx context.Context, c Component, req *http.Request) (*http.Response, error)
}

// StatusError is returned when a component answers with a non-2xx status.
type StatusError struct {
	Component  string
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s %s: unexpected status %d: %s",
		e.Component, e.Method, e.Path, e.StatusCode, strings.TrimSpace(e.Body))
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return stderrors.As(err, &se) && se.StatusCode == code
}

const maxErrorBody = 4 << 10

// Call sends method+path to c through gw. A non-nil in is encoded as the
// JSON request body, a non-nil out receives the decoded response body.
func Call(ctx context.Context, gw Gateway, c Component, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Annotatef(err, "encoding request for %s %s", method, path)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, path, body)
	if err != nil {
		return errors.Annotatef(err, "building request %s %s", method, path)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := gw.Do(ctx, c, req)
	if err != nil {
		return errors.Annotatef(err, "%s %s %s", c.Name, method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Component:  c.Name,
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Annotatef(err, "decoding response of %s %s %s", c.Name, method, path)
	}
	return nil
}
