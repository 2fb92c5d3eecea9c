// Package elasticsearch manages indices and snapshots of the search engine
// shared by Operate and the Zeebe exporter.
package elasticsearch

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/gateway"
)

// RepositoryTypes are the snapshot repository types backed by cloud storage.
var RepositoryTypes = []string{"s3", "gcs", "azure"}

type snapshotRequest struct {
	Indices       string   `json:"indices"`
	FeatureStates []string `json:"feature_states"`
}

type repositorySettings struct {
	Type string `json:"type"`
}

// Client is the snapshot client of the search engine.
type Client struct {
	gw        gateway.Gateway
	component gateway.Component
	logger    logrus.FieldLogger

	mu   sync.Mutex
	repo string
}

func New(gw gateway.Gateway, component gateway.Component, logger logrus.FieldLogger) *Client {
	return &Client{
		gw:        gw,
		component: component,
		logger:    logger.WithField("component", component.Name),
	}
}

// ListIndices returns the names of all indices, sorted.
func (c *Client) ListIndices(ctx context.Context) ([]string, error) {
	var indices map[string]json.RawMessage
	if err := gateway.Call(ctx, c.gw, c.component, http.MethodGet, "/*", nil, &indices); err != nil {
		return nil, errors.Annotate(err, "listing indices")
	}
	names := make([]string, 0, len(indices))
	for name := range indices {
		names = append(names, name)
	}
	sort.Strings(names)
	c.logger.Debugf("Found %d index(es)", len(names))
	return names, nil
}

// DeleteIndex deletes a single index.
func (c *Client) DeleteIndex(ctx context.Context, name string) error {
	segment, err := pathSegment("index", name)
	if err != nil {
		return err
	}
	if err := gateway.Call(ctx, c.gw, c.component, http.MethodDelete, "/"+segment, nil, nil); err != nil {
		return errors.Annotatef(err, "deleting index %s", name)
	}
	c.logger.WithField("index", name).Info("Deleted index")
	return nil
}

// FindSnapshotRepository returns the first configured repository, by name,
// whose type is one of RepositoryTypes. The result is cached.
func (c *Client) FindSnapshotRepository(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.repo != "" {
		return c.repo, nil
	}

	var repos map[string]repositorySettings
	if err := gateway.Call(ctx, c.gw, c.component, http.MethodGet, "/_snapshot/_all", nil, &repos); err != nil {
		return "", errors.Annotate(err, "listing snapshot repositories")
	}
	names := make([]string, 0, len(repos))
	for name := range repos {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		typ := repos[name].Type
		c.logger.Debugf("Found snapshot repository %s of type %s", name, typ)
		if isRepositoryType(typ) {
			c.logger.WithField("repository", name).Debug("Using snapshot repository")
			c.repo = name
			return name, nil
		}
	}
	return "", errors.NotFoundf("snapshot repository of type %s", strings.Join(RepositoryTypes, "/"))
}

// TakeSnapshot snapshots the indices matching pattern into a snapshot called
// name and blocks until the snapshot is finished.
func (c *Client) TakeSnapshot(ctx context.Context, indices []string, featureStates []string, name string) error {
	repo, snapshot, err := c.snapshotPath(ctx, name)
	if err != nil {
		return err
	}
	req := snapshotRequest{
		Indices:       strings.Join(indices, ","),
		FeatureStates: featureStates,
	}
	path := "/_snapshot/" + repo + "/" + snapshot + "?wait_for_completion=true"

	log := c.logger.WithField("snapshot", name)
	log.Info("Taking snapshot")
	if err := gateway.Call(ctx, c.gw, c.component, http.MethodPost, path, req, nil); err != nil {
		return errors.Annotatef(err, "taking snapshot %s", name)
	}
	log.Info("Took snapshot")
	return nil
}

// RestoreSnapshot restores all indices of a snapshot and blocks until the
// restore is finished.
func (c *Client) RestoreSnapshot(ctx context.Context, name string) error {
	repo, snapshot, err := c.snapshotPath(ctx, name)
	if err != nil {
		return err
	}
	path := "/_snapshot/" + repo + "/" + snapshot + "/_restore?wait_for_completion=true"
	if err := gateway.Call(ctx, c.gw, c.component, http.MethodPost, path, nil, nil); err != nil {
		return errors.Annotatef(err, "restoring snapshot %s", name)
	}
	c.logger.WithField("snapshot", name).Info("Restored snapshot")
	return nil
}

func (c *Client) snapshotPath(ctx context.Context, name string) (string, string, error) {
	snapshot, err := pathSegment("snapshot", name)
	if err != nil {
		return "", "", err
	}
	repo, err := c.FindSnapshotRepository(ctx)
	if err != nil {
		return "", "", err
	}
	return url.PathEscape(repo), snapshot, nil
}

func pathSegment(kind, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return "", errors.NotValidf("%s name %q", kind, name)
	}
	return url.PathEscape(name), nil
}

func isRepositoryType(typ string) bool {
	for _, t := range RepositoryTypes {
		if t == typ {
			return true
		}
	}
	return false
}
