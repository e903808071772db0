package cloudsync

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallbox/memoryd/internal/apperr"
)

// memS3 is an in-memory object store implementing the client subset.
type memS3 struct {
	objects map[string][]byte
}

func newMemS3() *memS3 {
	return &memS3{objects: make(map[string][]byte)}
}

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	if delim == "" {
		for _, k := range keys {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
		}
		return out, nil
	}
	seen := map[string]bool{}
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if i := strings.Index(rest, delim); i >= 0 {
			cp := prefix + rest[:i+1]
			if !seen[cp] {
				seen[cp] = true
				out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
			}
		} else {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
		}
	}
	return out, nil
}

func TestUploadSnapshotPushesAllFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte("[]"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644))

	store := newMemS3()
	sync := newWithClient(store, "bucket", "memories")

	require.NoError(t, sync.UploadSnapshot(context.Background(), dir, "pre_add_20240101_000000"))
	assert.Equal(t, []byte("[]"), store.objects["memories/pre_add_20240101_000000/metadata.json"])
	assert.Equal(t, []byte("{}"), store.objects["memories/pre_add_20240101_000000/config.json"])
}

func TestListRemoteSnapshotsNewestFirst(t *testing.T) {
	store := newMemS3()
	for _, key := range []string{
		"memories/auto_20240101_000000/metadata.json",
		"memories/auto_20240301_000000/metadata.json",
		"memories/auto_20240201_000000/metadata.json",
	} {
		store.objects[key] = []byte("[]")
	}
	sync := newWithClient(store, "bucket", "memories/")

	names, err := sync.ListRemoteSnapshots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"auto_20240301_000000",
		"auto_20240201_000000",
		"auto_20240101_000000",
	}, names)

	latest, err := sync.LatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "auto_20240301_000000", latest)
}

func TestLatestSnapshotEmptyBucket(t *testing.T) {
	sync := newWithClient(newMemS3(), "bucket", "memories/")
	latest, err := sync.LatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, latest)
}

func TestDownloadBackup(t *testing.T) {
	store := newMemS3()
	store.objects["memories/pre_add_20240101_000000/metadata.json"] = []byte(`[{"id":0}]`)
	store.objects["memories/pre_add_20240101_000000/config.json"] = []byte(`{"model":"m"}`)
	sync := newWithClient(store, "bucket", "memories/")

	dest := t.TempDir()
	require.NoError(t, sync.DownloadBackup(context.Background(), "pre_add_20240101_000000", dest))

	data, err := os.ReadFile(filepath.Join(dest, "pre_add_20240101_000000", "metadata.json"))
	require.NoError(t, err)
	assert.Equal(t, `[{"id":0}]`, string(data))
}

func TestDownloadBackupRejectsTraversal(t *testing.T) {
	sync := newWithClient(newMemS3(), "bucket", "memories/")
	for _, bad := range []string{"../escape", "a/b", `a\b`, ".."} {
		err := sync.DownloadBackup(context.Background(), bad, t.TempDir())
		require.Error(t, err, bad)
	}
}

func TestDownloadBackupMissing(t *testing.T) {
	sync := newWithClient(newMemS3(), "bucket", "memories/")
	err := sync.DownloadBackup(context.Background(), "nope_20240101_000000", t.TempDir())
	assert.True(t, apperr.IsNotFound(err))
}
