package indexio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// errUploadAborted is what the background PutObject sees when a sink aborts.
var errUploadAborted = errors.New("upload aborted")

// MinioConfig configures a MinioStore.
type MinioConfig struct {
	Endpoint        string // host:port, no scheme
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	Secure          bool
}

// MinioStore keeps index objects in a MinIO or other S3-compatible bucket,
// streaming uploads through a pipe so the writer never buffers a whole index.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioStore dials cfg.Endpoint. It does not check the bucket exists.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return NewMinioStoreWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewMinioStoreWithClient wraps an existing client.
func NewMinioStoreWithClient(client *minio.Client, bucket, prefix string) *MinioStore {
	return &MinioStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *MinioStore) Name() string { return "minio" }

func (s *MinioStore) objectKey(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return path.Join(s.prefix, key), nil
}

func isMinioNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (s *MinioStore) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	k, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	sink := &minioSink{pw: pw, done: make(chan error, 1)}

	go func() {
		_, err := s.client.PutObject(ctx, s.bucket, k, pr, -1, minio.PutObjectOptions{
			ContentType: indexContentType,
		})
		_ = pr.CloseWithError(err)
		sink.done <- err
	}()
	return sink, nil
}

type minioSink struct {
	pw       *io.PipeWriter
	done     chan error
	finished atomic.Bool
}

func (w *minioSink) Write(p []byte) (int, error) { return w.pw.Write(p) }

func (w *minioSink) Close() error {
	if !w.finished.CompareAndSwap(false, true) {
		return nil
	}
	if err := w.pw.Close(); err != nil {
		return err
	}
	return <-w.done
}

func (w *minioSink) Abort(error) error {
	if !w.finished.CompareAndSwap(false, true) {
		return nil
	}
	_ = w.pw.CloseWithError(errUploadAborted)
	<-w.done
	return nil
}

func (s *MinioStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	k, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	if _, err := s.client.StatObject(ctx, s.bucket, k, minio.StatObjectOptions{}); err != nil {
		if isMinioNotFound(err) {
			return nil, &NotFoundError{Store: s.Name(), Key: key}
		}
		return nil, err
	}
	return s.client.GetObject(ctx, s.bucket, k, minio.GetObjectOptions{})
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	k, err := s.objectKey(key)
	if err != nil {
		return err
	}
	err = s.client.RemoveObject(ctx, s.bucket, k, minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return err
	}
	return nil
}

func (s *MinioStore) List(ctx context.Context) ([]string, error) {
	opts := minio.ListObjectsOptions{Recursive: true}
	if s.prefix != "" {
		opts.Prefix = s.prefix + "/"
	}
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := strings.TrimPrefix(strings.TrimPrefix(obj.Key, s.prefix), "/")
		if name != "" {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

var _ Store = (*MinioStore)(nil)
