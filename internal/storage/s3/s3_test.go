package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/provsync/internal/remote"
)

type fakeObject struct {
	data []byte
	mod  time.Time
}

// fakeBucket is a single-bucket in-memory S3 API.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	now     time.Time
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string]fakeObject), now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeBucket) put(k string, data []byte) {
	f.now = f.now.Add(time.Second)
	f.objects[k] = fakeObject{data: data, mod: f.now}
}

func (f *fakeBucket) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(o.data))), LastModified: aws.Time(o.mod)}, nil
}

func (f *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(o.data))}, nil
}

func (f *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(aws.ToString(in.Key), data)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeBucket) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.Delete.Objects {
		delete(f.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeBucket) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := strings.TrimPrefix(aws.ToString(in.CopySource), aws.ToString(in.Bucket)+"/")
	o, ok := f.objects[src]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	f.put(aws.ToString(in.Key), o.data)
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeBucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix, delim := aws.ToString(in.Prefix), aws.ToString(in.Delimiter)

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	seen := map[string]bool{}
	for _, k := range keys {
		if in.MaxKeys != nil && int32(len(out.Contents)) >= *in.MaxKeys {
			break
		}
		rest := strings.TrimPrefix(k, prefix)
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+1]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		o := f.objects[k]
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(o.data))), LastModified: aws.Time(o.mod)})
	}
	return out, nil
}

func newTestStore() (*Store, *fakeBucket) {
	fb := newFakeBucket()
	return newWithClient(fb, "provider"), fb
}

func TestWriteListRead(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "/vault/alice/a.txt", strings.NewReader("aaa")))
	require.NoError(t, s.Write(ctx, "/vault/alice/sub/b.txt", strings.NewReader("b")))

	entries, err := s.List(ctx, "/vault/alice")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, int64(3), entries[0].Size)
	assert.Equal(t, "sub", entries[1].Name)
	assert.True(t, entries[1].IsDir)

	rc, err := s.Read(ctx, "/vault/alice/a.txt")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "aaa", string(data))
}

func TestMissingPathsAreNotFound(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.List(ctx, "/vault/alice")
	assert.True(t, remote.IsNotFound(err))
	_, err = s.Read(ctx, "/x")
	assert.True(t, remote.IsNotFound(err))
	_, err = s.Stat(ctx, "/x")
	assert.True(t, remote.IsNotFound(err))

	root, err := s.List(ctx, "/")
	require.NoError(t, err)
	assert.Empty(t, root)
}

func TestMkdirMarkers(t *testing.T) {
	s, fb := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.Mkdir(ctx, "/vault"))
	assert.Contains(t, fb.objects, "vault/")
	assert.True(t, remote.IsExists(s.Mkdir(ctx, "/vault")))
	assert.True(t, remote.IsNotFound(s.Mkdir(ctx, "/missing/child")))

	e, err := s.Stat(ctx, "/vault")
	require.NoError(t, err)
	assert.True(t, e.IsDir)

	entries, err := s.List(ctx, "/vault")
	require.NoError(t, err, "an empty directory marker lists as empty, not missing")
	assert.Empty(t, entries)
}

func TestVaultProvisionOnS3(t *testing.T) {
	s, fb := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.Mkdir(ctx, "/vault"))

	entries, err := remote.NewVault(s, "/vault").Browse(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Contains(t, fb.objects, "vault/alice/")
}

func TestDeleteAndRenameTree(t *testing.T) {
	s, fb := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "/c/a.txt", strings.NewReader("a")))
	require.NoError(t, s.Write(ctx, "/c/sub/b.txt", strings.NewReader("b")))
	require.NoError(t, s.Write(ctx, "/c.txt", strings.NewReader("sibling")))

	require.NoError(t, s.Rename(ctx, "/c", "/d"))
	assert.Contains(t, fb.objects, "d/a.txt")
	assert.Contains(t, fb.objects, "d/sub/b.txt")
	assert.NotContains(t, fb.objects, "c/a.txt")
	assert.Contains(t, fb.objects, "c.txt")

	require.NoError(t, s.Delete(ctx, "/d"))
	assert.Len(t, fb.objects, 1)
	assert.True(t, remote.IsNotFound(s.Delete(ctx, "/d")))
}

func TestClassifyAPIErrors(t *testing.T) {
	denied := &smithy.GenericAPIError{Code: "AccessDenied", Message: "nope"}
	assert.True(t, remote.IsPermissionDenied(classify("read", "/x", denied)))

	nsk := &smithy.GenericAPIError{Code: "NoSuchKey"}
	assert.True(t, remote.IsNotFound(classify("read", "/x", nsk)))

	other := classify("read", "/x", &smithy.GenericAPIError{Code: "SlowDown"})
	var pe *remote.ProtocolError
	require.True(t, errors.As(other, &pe))
	assert.Equal(t, remote.ReasonOther, pe.Reason)
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
