package indexio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Connection pool defaults for the S3 store
const (
	DefaultMaxIdleConns        = 100
	DefaultMaxIdleConnsPerHost = 100
	DefaultIdleConnTimeout     = 90 * time.Second

	// S3 rejects multipart parts smaller than 5MB except the last one.
	s3PartSize = 5 * 1024 * 1024

	indexContentType = "application/octet-stream"
)

// s3API is the subset of *s3.Client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Config holds configuration for the S3 store
type S3Config struct {
	Endpoint        string // S3-compatible endpoint URL, empty for AWS
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	Region          string // default: us-east-1
	UsePathStyle    bool   // required for most S3-compatible servers

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// Validate checks the configuration for required fields
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return errors.New("S3 credentials are required")
	}
	return nil
}

// S3Store keeps index objects in an S3 bucket. Objects larger than one part
// are streamed with a multipart upload so the whole index never has to be
// buffered.
type S3Store struct {
	client    s3API
	bucket    string
	prefix    string
	transport *http.Transport
}

// NewS3Store builds a client from cfg.
func NewS3Store(ctx context.Context, cfg *S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid S3 config: %w", err)
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdleConns
	}
	maxIdlePerHost := cfg.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = DefaultMaxIdleConnsPerHost
	}
	idleTimeout := cfg.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleConnTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdlePerHost,
		IdleConnTimeout:     idleTimeout,
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
		config.WithHTTPClient(&http.Client{Transport: transport}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	s := newS3StoreWithClient(client, cfg.Bucket, cfg.Prefix)
	s.transport = transport
	return s, nil
}

func newS3StoreWithClient(client s3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Store) Name() string { return "s3" }

// Bucket returns the bucket name
func (s *S3Store) Bucket() string { return s.bucket }

// Transport returns the pooled HTTP transport, nil for injected clients.
func (s *S3Store) Transport() *http.Transport { return s.transport }

func (s *S3Store) objectKey(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if s.prefix == "" {
		return key, nil
	}
	return path.Join(s.prefix, key), nil
}

func (s *S3Store) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	k, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	return &s3Sink{ctx: ctx, store: s, key: k}, nil
}

// s3Sink buffers one part at a time. Small objects become a single
// PutObject on Close; anything larger switches to multipart.
type s3Sink struct {
	ctx      context.Context
	store    *S3Store
	key      string
	buf      bytes.Buffer
	uploadID *string
	parts    []types.CompletedPart
	err      error
	done     bool
}

func (w *s3Sink) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, _ := w.buf.Write(p)
	for w.buf.Len() >= s3PartSize {
		if err := w.uploadPart(w.buf.Next(s3PartSize)); err != nil {
			w.err = err
			return n, err
		}
	}
	return n, nil
}

func (w *s3Sink) uploadPart(data []byte) error {
	c := w.store.client
	if w.uploadID == nil {
		out, err := c.CreateMultipartUpload(w.ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(w.store.bucket),
			Key:         aws.String(w.key),
			ContentType: aws.String(indexContentType),
		})
		if err != nil {
			return fmt.Errorf("s3 create multipart %s: %w", w.key, err)
		}
		w.uploadID = out.UploadId
	}
	partNumber := int32(len(w.parts) + 1)
	out, err := c.UploadPart(w.ctx, &s3.UploadPartInput{
		Bucket:     aws.String(w.store.bucket),
		Key:        aws.String(w.key),
		UploadId:   w.uploadID,
		PartNumber: aws.Int32(partNumber),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 upload part %d of %s: %w", partNumber, w.key, err)
	}
	w.parts = append(w.parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNumber)})
	return nil
}

func (w *s3Sink) Close() error {
	if w.done {
		return nil
	}
	if w.err != nil {
		_ = w.Abort(w.err)
		return w.err
	}
	w.done = true
	c := w.store.client

	if w.uploadID == nil {
		_, err := c.PutObject(w.ctx, &s3.PutObjectInput{
			Bucket:      aws.String(w.store.bucket),
			Key:         aws.String(w.key),
			Body:        bytes.NewReader(w.buf.Bytes()),
			ContentType: aws.String(indexContentType),
		})
		if err != nil {
			return fmt.Errorf("s3 put %s: %w", w.key, err)
		}
		return nil
	}

	if w.buf.Len() > 0 {
		if err := w.uploadPart(w.buf.Bytes()); err != nil {
			w.done = false
			_ = w.Abort(err)
			return err
		}
	}
	_, err := c.CompleteMultipartUpload(w.ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(w.store.bucket),
		Key:             aws.String(w.key),
		UploadId:        w.uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: w.parts},
	})
	if err != nil {
		return fmt.Errorf("s3 complete multipart %s: %w", w.key, err)
	}
	return nil
}

// Abort discards any multipart upload in flight.
func (w *s3Sink) Abort(error) error {
	if w.done {
		return nil
	}
	w.done = true
	if w.uploadID != nil {
		// The caller's context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = w.store.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(w.store.bucket),
			Key:      aws.String(w.key),
			UploadId: w.uploadID,
		})
	}
	return nil
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	k, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, &NotFoundError{Store: s.Name(), Key: key}
		}
		// some S3-compatible services only say so in the message
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound") {
			return nil, &NotFoundError{Store: s.Name(), Key: key}
		}
		return nil, fmt.Errorf("s3 get %s: %w", k, err)
	}
	return out.Body, nil
}

// Delete removes key. S3 deletes are idempotent so a missing key is not an
// error here.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	k, err := s.objectKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", k, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context) ([]string, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix + "/")
	}
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", s.bucket, err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if s.prefix != "" {
				k = strings.TrimPrefix(k, s.prefix+"/")
			}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

var _ Store = (*S3Store)(nil)
