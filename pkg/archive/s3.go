// Package archive copies store snapshots to S3-compatible object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/testledger/pkg/config"
	"github.com/ethpandaops/testledger/pkg/ledger"
)

// timestampLayout names archived snapshots; it sorts chronologically.
const timestampLayout = "20060102T150405Z"

// ErrNoSnapshot is returned when a project has no archived snapshot.
var ErrNoSnapshot = errors.New("no archived snapshot")

// Archiver stores and retrieves store snapshots.
type Archiver interface {
	// Preflight verifies that the bucket is reachable and writable.
	Preflight(ctx context.Context) error
	// Archive uploads a snapshot file of project and returns its key.
	Archive(ctx context.Context, project, snapshotPath string) (string, error)
	// List returns the snapshot keys of project, oldest first.
	List(ctx context.Context, project string) ([]string, error)
	// Restore downloads the snapshot at key into dest, which must not exist.
	Restore(ctx context.Context, key, dest string) error
}

// s3Archiver implements Archiver for S3-compatible storage.
type s3Archiver struct {
	log    logrus.FieldLogger
	cfg    *config.S3Config
	client *s3.Client
	now    func() time.Time
}

// Ensure interface compliance.
var _ Archiver = (*s3Archiver)(nil)

// NewS3Archiver creates an archiver from the given configuration.
func NewS3Archiver(log logrus.FieldLogger, cfg *config.S3Config) Archiver {
	return &s3Archiver{
		log:    log.WithField("component", "s3-archiver"),
		cfg:    cfg,
		client: newS3Client(cfg),
		now:    time.Now,
	}
}

func newS3Client(cfg *config.S3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = config.DefaultS3Region
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
				// S3-compatible stores often reject the default checksums.
				o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
				o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}

// Preflight verifies S3 connectivity by writing a small test object.
func (a *s3Archiver) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("testledger write test: %s", a.now().UTC().Format(time.RFC3339))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(a.projectPrefix("") + ".write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", a.cfg.Bucket, err)
	}

	return nil
}

// Archive uploads a snapshot under prefix/project/timestamp/ledger.db.
func (a *s3Archiver) Archive(ctx context.Context, project, snapshotPath string) (string, error) {
	f, err := os.Open(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("opening snapshot: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("reading snapshot size: %w", err)
	}

	key := a.snapshotKey(project, a.now())

	input := &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/vnd.sqlite3"),
	}

	if a.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(a.cfg.StorageClass)
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("PutObject %s: %w", key, err)
	}

	a.log.WithFields(logrus.Fields{
		"bucket": a.cfg.Bucket,
		"key":    key,
		"size":   units.BytesSize(float64(info.Size())),
	}).Info("Snapshot archived")

	return key, nil
}

// List returns the snapshot keys of project, oldest first.
func (a *s3Archiver) List(ctx context.Context, project string) ([]string, error) {
	prefix := a.projectPrefix(project)

	var keys []string

	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.cfg.Bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing snapshots under %q: %w", prefix, err)
		}

		for _, obj := range page.Contents {
			if obj.Key != nil && path.Base(*obj.Key) == ledger.DatabaseFile {
				keys = append(keys, *obj.Key)
			}
		}
	}

	sort.Strings(keys)

	return keys, nil
}

// Restore downloads the snapshot at key into dest.
func (a *s3Archiver) Restore(ctx context.Context, key, dest string) error {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return fmt.Errorf("%w: %s", ErrNoSnapshot, key)
		}

		return fmt.Errorf("getting object %q: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}

	if _, err := io.Copy(f, out.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)

		return fmt.Errorf("reading object %q: %w", key, err)
	}

	return f.Close()
}

// projectPrefix is the key prefix holding the snapshots of project.
func (a *s3Archiver) projectPrefix(project string) string {
	prefix := strings.Trim(a.cfg.Prefix, "/")
	if prefix == "" {
		prefix = config.DefaultS3Prefix
	}

	if project == "" {
		return prefix + "/"
	}

	return prefix + "/" + url.PathEscape(project) + "/"
}

func (a *s3Archiver) snapshotKey(project string, at time.Time) string {
	return a.projectPrefix(project) + at.UTC().Format(timestampLayout) + "/" + ledger.DatabaseFile
}

// isS3NotFound returns true if the error indicates the object does not exist.
func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	// Some S3-compatible implementations return a generic error with
	// "NoSuchKey" in the message rather than the typed error.
	return strings.Contains(err.Error(), "NoSuchKey")
}
