package persist

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
)

// S3Factory roots Backends in an S3 (or S3-compatible, e.g. MinIO) bucket.
// Grounded on the teacher's storage/persistence-s3.go: S3 has no append, so
// every Handle buffers its full contents in memory and round-trips a whole
// object on Sync/Close.
type S3Factory struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string
	Bucket          string
	Prefix          string
	ForcePathStyle  bool

	mu     sync.Mutex
	client *s3.Client
}

func (f *S3Factory) ensureClient(ctx context.Context) (*s3.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client, nil
	}

	var opts []func(*config.LoadOptions) error
	if f.Region != "" {
		opts = append(opts, config.WithRegion(f.Region))
	}
	if f.AccessKeyID != "" && f.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(f.AccessKeyID, f.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS config")
	}

	var s3Opts []func(*s3.Options)
	if f.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(f.Endpoint) })
	}
	if f.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	f.client = s3.NewFromConfig(cfg, s3Opts...)
	return f.client, nil
}

func (f *S3Factory) Open(path string) (Backend, error) {
	client, err := f.ensureClient(context.Background())
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(f.Prefix, "/")
	if prefix != "" {
		prefix = prefix + "/" + path
	} else {
		prefix = path
	}
	return &S3Backend{factory: f, client: client, prefix: prefix}, nil
}

type S3Backend struct {
	factory *S3Factory
	client  *s3.Client
	prefix  string
}

func (b *S3Backend) key(name string) string { return b.prefix + "/" + name }

func (b *S3Backend) ReadParameter(name string) ([]byte, error) {
	resp, err := b.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(b.factory.Bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", name)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (b *S3Backend) WriteParameter(name string, data []byte) error {
	_, err := b.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(b.factory.Bucket),
		Key:    aws.String(b.key(name)),
		Body:   bytes.NewReader(data),
	})
	return errors.Wrapf(err, "writing %s", name)
}

func (b *S3Backend) OpenFile(name string) (Handle, error) {
	key := b.key(name)
	var initial []byte
	resp, err := b.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(b.factory.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		initial, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
	}
	return &s3Handle{client: b.client, bucket: b.factory.Bucket, key: key, buf: append([]byte(nil), initial...)}, nil
}

func (b *S3Backend) ListFiles(prefix string) ([]string, error) {
	var out []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.factory.Bucket),
		Prefix: aws.String(b.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return nil, errors.Wrap(err, "listing objects")
		}
		for _, obj := range page.Contents {
			out = append(out, strings.TrimPrefix(*obj.Key, b.prefix+"/"))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *S3Backend) RemoveFile(name string) error {
	_, err := b.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(b.factory.Bucket),
		Key:    aws.String(b.key(name)),
	})
	return errors.Wrapf(err, "removing %s", name)
}

func (b *S3Backend) Remove() error {
	names, err := b.ListFiles("")
	if err != nil {
		return err
	}
	for _, n := range names {
		if err := b.RemoveFile(n); err != nil {
			return err
		}
	}
	return nil
}

type s3Handle struct {
	client *s3.Client
	bucket string
	key    string

	mu  sync.Mutex
	buf []byte
}

func (h *s3Handle) ReadAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if off >= int64(len(h.buf)) {
		return 0, io.EOF
	}
	n := copy(p, h.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *s3Handle) WriteAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(h.buf)) {
		grown := make([]byte, end)
		copy(grown, h.buf)
		h.buf = grown
	}
	copy(h.buf[off:end], p)
	return len(p), nil
}

func (h *s3Handle) Truncate(size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if size <= int64(len(h.buf)) {
		h.buf = h.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, h.buf)
	h.buf = grown
	return nil
}

func (h *s3Handle) Size() (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.buf)), nil
}

func (h *s3Handle) Sync() error {
	h.mu.Lock()
	body := append([]byte(nil), h.buf...)
	h.mu.Unlock()
	_, err := h.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(h.key),
		Body:   bytes.NewReader(body),
	})
	return errors.Wrap(err, "flushing object to S3")
}

func (h *s3Handle) Close() error {
	return h.Sync()
}
