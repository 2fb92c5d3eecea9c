package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/juju/errors"
)

// Direct reaches components over plain HTTP at fixed base URLs. It is used
// when the tool runs inside the cluster and in tests.
type Direct struct {
	client    *http.Client
	endpoints map[string]*url.URL
}

// NewDirect creates a gateway from a component name to base URL mapping.
// A nil client uses http.DefaultClient.
func NewDirect(endpoints map[string]string, client *http.Client) (*Direct, error) {
	if client == nil {
		client = http.DefaultClient
	}
	d := &Direct{client: client, endpoints: make(map[string]*url.URL, len(endpoints))}
	for name, raw := range endpoints {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, errors.Annotatef(err, "endpoint of %s", name)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, errors.NotValidf("endpoint %q of %s", raw, name)
		}
		d.endpoints[name] = u
	}
	return d, nil
}

func (d *Direct) Do(ctx context.Context, c Component, req *http.Request) (*http.Response, error) {
	base, ok := d.endpoints[c.Name]
	if !ok {
		return nil, errors.NotFoundf("endpoint for component %q", c.Name)
	}
	target, err := url.Parse(strings.TrimRight(base.String(), "/") + req.URL.RequestURI())
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := req.Clone(ctx)
	out.URL = target
	out.Host = ""
	return d.client.Do(out)
}
