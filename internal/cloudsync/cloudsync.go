// Package cloudsync mirrors snapshots to an S3-compatible object store.
// It is strictly best-effort on the write path: upload failures are reported
// to the caller for logging but never block local durability.
package cloudsync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/recallbox/memoryd/internal/apperr"
	"github.com/recallbox/memoryd/internal/config"
	"github.com/recallbox/memoryd/internal/snapshot"
)

// s3API is the subset of the S3 client the syncer uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Syncer uploads and downloads snapshot directories. Remote layout is
// <prefix><snapshotName>/<file>.
type Syncer struct {
	client s3API
	bucket string
	prefix string
}

var _ snapshot.Mirror = (*Syncer)(nil)

// New builds a syncer from the cloud section of the service config.
// Returns nil when cloud sync is disabled.
func New(ctx context.Context, cc config.CloudConfig) (*Syncer, error) {
	if !cc.Enabled {
		return nil, nil
	}
	if cc.Bucket == "" {
		return nil, fmt.Errorf("cloud sync enabled but bucket is empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cc.Region),
	}
	if cc.AccessKey != "" && cc.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cc.AccessKey, cc.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cc.Endpoint != "" {
			o.BaseEndpoint = aws.String(cc.Endpoint)
			// S3-compatible stores (MinIO, R2) want path-style addressing.
			o.UsePathStyle = true
		}
	})
	return newWithClient(client, cc.Bucket, cc.Prefix), nil
}

func newWithClient(client s3API, bucket, prefix string) *Syncer {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Syncer{client: client, bucket: bucket, prefix: prefix}
}

// UploadSnapshot pushes every file of a local snapshot directory.
func (s *Syncer) UploadSnapshot(ctx context.Context, dir, name string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read snapshot dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("open %s: %w", e.Name(), err)
		}
		key := s.prefix + name + "/" + e.Name()
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   f,
		})
		f.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
	}
	return nil
}

// ListRemoteSnapshots returns remote snapshot names, newest first.
// Snapshot directories appear as common prefixes one level under the
// configured prefix.
func (s *Syncer) ListRemoteSnapshots(ctx context.Context) ([]string, error) {
	var names []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, apperr.Unavailable("list remote snapshots", err)
		}
		for _, cp := range out.CommonPrefixes {
			if cp.Prefix == nil {
				continue
			}
			name := strings.TrimSuffix(strings.TrimPrefix(*cp.Prefix, s.prefix), "/")
			if name != "" {
				names = append(names, name)
			}
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// LatestSnapshot returns the newest remote snapshot name, empty when none
// exist.
func (s *Syncer) LatestSnapshot(ctx context.Context) (string, error) {
	names, err := s.ListRemoteSnapshots(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", nil
	}
	return names[0], nil
}

// DownloadBackup fetches a remote snapshot into destDir/<name>. The name is
// validated against path traversal before any filesystem work.
func (s *Syncer) DownloadBackup(ctx context.Context, name, destDir string) error {
	if err := snapshot.ValidateName(name); err != nil {
		return err
	}
	remotePrefix := s.prefix + name + "/"
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(remotePrefix),
	})
	if err != nil {
		return apperr.Unavailable("list remote snapshot files", err)
	}
	if len(out.Contents) == 0 {
		return apperr.NotFound(fmt.Sprintf("remote snapshot %s not found", name), nil)
	}

	local := filepath.Join(destDir, name)
	if err := os.MkdirAll(local, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	for _, obj := range out.Contents {
		if obj.Key == nil {
			continue
		}
		base := filepath.Base(strings.TrimPrefix(*obj.Key, remotePrefix))
		if base == "." || base == "/" {
			continue
		}
		if err := s.downloadObject(ctx, *obj.Key, filepath.Join(local, base)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) downloadObject(ctx context.Context, key, dest string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperr.Unavailable(fmt.Sprintf("download %s", key), err)
	}
	defer out.Body.Close()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return f.Close()
}
