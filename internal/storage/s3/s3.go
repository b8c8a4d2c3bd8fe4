// Package s3 provides a remote.Store on an S3-compatible bucket.
// Directories are represented by zero-byte "dir/" marker objects and by
// the common prefixes of the objects below them.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/provsync/internal/logging"
	"github.com/fruitsalade/provsync/internal/remote"
)

// deleteBatch is the DeleteObjects limit.
const deleteBatch = 1000

// Config is the JSON backend config of an s3 provider.
type Config struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
}

// api is the subset of *s3.Client the store uses.
type api interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store implements remote.Store on an S3 bucket.
type Store struct {
	client api
	bucket string
}

// New creates an S3 store from cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		logging.Warn("bucket check failed", zap.String("bucket", cfg.Bucket), zap.Error(err))
	}

	return newWithClient(client, cfg.Bucket), nil
}

// NewFromJSON creates a Store from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Store, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return New(ctx, cfg)
}

func newWithClient(c api, bucket string) *Store {
	return &Store{client: c, bucket: bucket}
}

func objectKey(p string) string {
	return strings.TrimPrefix(remote.Clean(p), "/")
}

func dirPrefix(p string) string {
	k := objectKey(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func classify(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return &remote.ProtocolError{Op: op, Path: p, Reason: remote.ReasonNotFound, Err: err}
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "AccessDenied", "Forbidden":
			return &remote.ProtocolError{Op: op, Path: p, Reason: remote.ReasonPermissionDenied, Err: err}
		}
		return &remote.ProtocolError{Op: op, Path: p, Reason: remote.ReasonOther, Err: err}
	}
	return remote.Classify(op, p, err)
}

func (s *Store) List(ctx context.Context, dir string) ([]remote.Entry, error) {
	dir = remote.Clean(dir)
	prefix := dirPrefix(dir)
	pg := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	found := prefix == ""
	var out []remote.Entry
	for pg.HasMorePages() {
		page, err := pg.NextPage(ctx)
		if err != nil {
			return nil, classify("list", dir, err)
		}
		for _, cp := range page.CommonPrefixes {
			found = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			out = append(out, remote.Entry{Name: name, Path: path.Join(dir, name), IsDir: true})
		}
		for _, obj := range page.Contents {
			found = true
			k := aws.ToString(obj.Key)
			if k == prefix {
				continue
			}
			name := strings.TrimPrefix(k, prefix)
			out = append(out, remote.Entry{
				Name:    name,
				Path:    path.Join(dir, name),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	if !found {
		return nil, remote.NotFound("list", dir)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) Stat(ctx context.Context, p string) (remote.Entry, error) {
	p = remote.Clean(p)
	if p == "/" {
		return remote.Entry{Name: "/", Path: "/", IsDir: true}, nil
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(p)),
	})
	if err == nil {
		return remote.Entry{
			Name:    path.Base(p),
			Path:    p,
			Size:    aws.ToInt64(head.ContentLength),
			ModTime: aws.ToTime(head.LastModified),
		}, nil
	}
	if !isNotFound(err) {
		return remote.Entry{}, classify("stat", p, err)
	}

	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(dirPrefix(p)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return remote.Entry{}, classify("stat", p, err)
	}
	if len(out.Contents) == 0 {
		return remote.Entry{}, remote.NotFound("stat", p)
	}
	e := remote.Entry{Name: path.Base(p), Path: p, IsDir: true}
	if aws.ToString(out.Contents[0].Key) == dirPrefix(p) {
		e.ModTime = aws.ToTime(out.Contents[0].LastModified)
	}
	return e, nil
}

func (s *Store) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	p = remote.Clean(p)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(p)),
	})
	if err != nil {
		return nil, classify("read", p, err)
	}
	return out.Body, nil
}

// Write spools body to a temp file so the upload has a known length
// and a seekable body for request signing. PutObject is atomic.
func (s *Store) Write(ctx context.Context, p string, body io.Reader) error {
	p = remote.Clean(p)
	tmp, err := os.CreateTemp("", "provsync-s3-*")
	if err != nil {
		return fmt.Errorf("write %s: spool: %w", p, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, body)
	if err != nil {
		return classify("write", p, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("write %s: rewind spool: %w", p, err)
	}

	start := time.Now()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey(p)),
		Body:          tmp,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return classify("write", p, err)
	}
	logging.Debug("S3 put object", zap.String("key", objectKey(p)), zap.Int64("size", size), zap.Duration("took", time.Since(start)))
	return nil
}

func (s *Store) Mkdir(ctx context.Context, p string) error {
	p = remote.Clean(p)
	if _, err := s.Stat(ctx, p); err == nil {
		return &remote.ProtocolError{Op: "mkdir", Path: p, Reason: remote.ReasonExists, Err: os.ErrExist}
	} else if !remote.IsNotFound(err) {
		return err
	}
	if parent := path.Dir(p); parent != "/" {
		if _, err := s.Stat(ctx, parent); err != nil {
			return classify("mkdir", parent, err)
		}
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(dirPrefix(p)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	return classify("mkdir", p, err)
}

// keysUnder returns every object key below p, plus p itself when it is
// an object.
func (s *Store) keysUnder(ctx context.Context, p string) ([]string, error) {
	var keys []string
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(p)),
	}); err == nil {
		keys = append(keys, objectKey(p))
	} else if !isNotFound(err) {
		return nil, err
	}

	pg := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(dirPrefix(p)),
	})
	for pg.HasMorePages() {
		page, err := pg.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *Store) Delete(ctx context.Context, p string) error {
	p = remote.Clean(p)
	if p == "/" {
		return &remote.ProtocolError{Op: "delete", Path: p, Reason: remote.ReasonPermissionDenied}
	}
	keys, err := s.keysUnder(ctx, p)
	if err != nil {
		return classify("delete", p, err)
	}
	if len(keys) == 0 {
		return remote.NotFound("delete", p)
	}

	for len(keys) > 0 {
		n := min(len(keys), deleteBatch)
		ids := make([]types.ObjectIdentifier, n)
		for i, k := range keys[:n] {
			ids[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return classify("delete", p, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return &remote.ProtocolError{Op: "delete", Path: "/" + aws.ToString(e.Key), Reason: remote.ReasonOther,
				Err: fmt.Errorf("%s: %s", aws.ToString(e.Code), aws.ToString(e.Message))}
		}
		keys = keys[n:]
	}
	return nil
}

// Rename copies every object to its new key and then deletes the
// originals. It is not atomic for directory trees.
func (s *Store) Rename(ctx context.Context, oldPath, newPath string) error {
	oldPath, newPath = remote.Clean(oldPath), remote.Clean(newPath)
	keys, err := s.keysUnder(ctx, oldPath)
	if err != nil {
		return classify("rename", oldPath, err)
	}
	if len(keys) == 0 {
		return remote.NotFound("rename", oldPath)
	}

	oldKey, newKey := objectKey(oldPath), objectKey(newPath)
	for _, k := range keys {
		dst := newKey + strings.TrimPrefix(k, oldKey)
		if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(dst),
			CopySource: aws.String(s.bucket + "/" + k),
		}); err != nil {
			return classify("rename", oldPath, err)
		}
	}
	for _, k := range keys {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(k),
		}); err != nil {
			return classify("rename", oldPath, err)
		}
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.Stat(ctx, p)
	if err == nil {
		return true, nil
	}
	if remote.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// Kind returns "s3".
func (s *Store) Kind() string { return "s3" }

// Close is a no-op for S3 stores.
func (s *Store) Close() error { return nil }
