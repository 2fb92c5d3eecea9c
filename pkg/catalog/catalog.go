// Package catalog keeps a manifest of every created backup in an
// S3-compatible bucket, so backups can be inspected without the cluster.
package catalog

import (
	"bytes"
	"context"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/juju/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/types"
)

// Credentials holds the bucket location and authentication details.
type Credentials struct {
	Endpoint        string `json:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `json:"access_key_id" mapstructure:"access-key-id"`
	SecretAccessKey string `json:"secret_access_key" mapstructure:"secret-access-key"`
	Bucket          string `json:"bucket" mapstructure:"bucket"`
	Prefix          string `json:"prefix" mapstructure:"prefix"`
	Insecure        bool   `json:"insecure" mapstructure:"insecure"`
}

// Manifest describes one backup across all subsystems.
type Manifest struct {
	BackupID     types.BackupID    `json:"backupId"`
	CreatedAt    time.Time         `json:"createdAt"`
	Snapshots    []string          `json:"snapshots"`
	ZeebeState   types.BackupState `json:"zeebeState"`
	OperateState types.BackupState `json:"operateState"`
}

// Catalog stores manifests in a bucket.
type Catalog struct {
	mc     *minio.Client
	bucket string
	prefix string
	logger logrus.FieldLogger
}

// LoadCredentials reads and validates credentials from a JSON file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading credentials file")
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, errors.Annotate(err, "parsing credentials JSON")
	}

	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (c *Credentials) Validate() error {
	if c.Endpoint == "" {
		return errors.NotValidf("catalog credentials without endpoint")
	}
	if c.AccessKeyID == "" {
		return errors.NotValidf("catalog credentials without access_key_id")
	}
	if c.SecretAccessKey == "" {
		return errors.NotValidf("catalog credentials without secret_access_key")
	}
	if c.Bucket == "" {
		return errors.NotValidf("catalog credentials without bucket")
	}
	return nil
}

func New(creds *Credentials, logger logrus.FieldLogger) (*Catalog, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	mc, err := minio.New(creds.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, ""),
		Secure: !creds.Insecure,
	})
	if err != nil {
		return nil, errors.Annotate(err, "creating catalog client")
	}
	return &Catalog{
		mc:     mc,
		bucket: creds.Bucket,
		prefix: creds.Prefix,
		logger: logger.WithField("component", "catalog"),
	}, nil
}

// Key returns the object key of the manifest of a backup.
func Key(prefix string, id types.BackupID) string {
	return prefix + id.String() + ".json"
}

// ParseKey extracts the backup id from a manifest key.
func ParseKey(prefix, key string) (types.BackupID, bool) {
	name := strings.TrimPrefix(key, prefix)
	if name == key && prefix != "" {
		return 0, false
	}
	name, ok := strings.CutSuffix(path.Base(name), ".json")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return types.BackupID(id), true
}

// Put stores the manifest of a backup, replacing an existing one.
func (c *Catalog) Put(ctx context.Context, m Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Trace(err)
	}
	key := Key(c.prefix, m.BackupID)
	c.logger.Debugf("Uploading s3://%s/%s", c.bucket, key)

	_, err = c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return errors.Annotatef(err, "uploading %s", key)
	}
	c.logger.WithField("backup_id", m.BackupID).Info("Recorded backup in catalog")
	return nil
}

// Get fetches the manifest of a backup.
func (c *Catalog) Get(ctx context.Context, id types.BackupID) (*Manifest, error) {
	key := Key(c.prefix, id)
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Annotatef(err, "downloading %s", key)
	}
	defer obj.Close()

	var m Manifest
	if err := json.NewDecoder(obj).Decode(&m); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, errors.NotFoundf("catalog entry for backup %s", id)
		}
		return nil, errors.Annotatef(err, "decoding %s", key)
	}
	return &m, nil
}

// List returns the ids of all recorded backups, newest first.
func (c *Catalog) List(ctx context.Context) ([]types.BackupID, error) {
	c.logger.Debugf("Listing objects with prefix %q in bucket %s", c.prefix, c.bucket)

	var ids []types.BackupID
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    c.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, errors.Annotate(obj.Err, "listing catalog")
		}
		if id, ok := ParseKey(c.prefix, obj.Key); ok {
			ids = append(ids, id)
		}
	}
	SortNewestFirst(ids)
	return ids, nil
}

func SortNewestFirst(ids []types.BackupID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
}
