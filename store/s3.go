package store

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds object-store configuration (§6: OBJECT_STORAGE_BUCKET and
// the AWS connection details a deployment needs alongside it).
type Config struct {
	// Bucket is the destination bucket (OBJECT_STORAGE_BUCKET).
	Bucket string
	// Region is the AWS region; empty uses the default credential chain's
	// region resolution.
	Region string
	// Endpoint is a custom S3 endpoint for S3-compatible providers
	// (MinIO, R2); empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing, required by most
	// S3-compatible providers.
	UsePathStyle bool
}

// Client wraps an S3 multipart uploader. It is shared read-only across
// all SessionManagers in a process, per the concurrency model's "shared
// resources" section.
type Client struct {
	uploader *manager.Uploader
	bucket   string
}

// New builds a Client from the AWS SDK default credential chain (env
// vars, shared config, IAM role), matching the teacher's AWS wiring.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("store: bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("store: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	s3Client := s3.NewFromConfig(awsConfig, s3Opts...)

	return &Client{
		uploader: manager.NewUploader(s3Client),
		bucket:   cfg.Bucket,
	}, nil
}

// NewFromS3Client builds a Client around a caller-supplied *s3.Client,
// used by tests to point at a local S3-compatible stub.
func NewFromS3Client(s3Client *s3.Client, bucket string) *Client {
	return &Client{uploader: manager.NewUploader(s3Client), bucket: bucket}
}

// Upload represents a single in-progress multipart upload. SessionManager
// retains at most one Upload at a time as inProgressUpload (§3), so it can
// call Abort from destroy().
type Upload struct {
	key    string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Key returns the object key this upload targets.
func (u *Upload) Key() string { return u.key }

// Done returns a channel closed when the upload has finished, whether
// successfully, with an error, or aborted.
func (u *Upload) Done() <-chan struct{} { return u.done }

// Err returns the terminal error, if any, once Done() is closed. Safe to
// call before Done() closes; returns nil until the upload finishes.
func (u *Upload) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Abort cancels the upload's context. The AWS SDK surfaces this as a
// context.Canceled-wrapped error, which IsAbortError recognizes.
func (u *Upload) Abort() { u.cancel() }

// NewTestUpload builds an Upload whose lifecycle the caller drives instead
// of a real transfer. It exists so fakes implementing Uploader in other
// packages' tests (notably session) can produce a *Upload without a
// network dependency. abortedCh closes when Abort() is called; resolve
// must be invoked exactly once to finish the upload.
func NewTestUpload(parent context.Context, key string) (u *Upload, abortedCh <-chan struct{}, resolve func(error)) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	u = &Upload{key: key, cancel: cancel, done: make(chan struct{})}

	var once sync.Once
	resolve = func(err error) {
		once.Do(func() {
			u.mu.Lock()
			u.err = err
			u.mu.Unlock()
			close(u.done)
		})
	}

	return u, ctx.Done(), resolve
}

// StartUpload begins a multipart upload of body to key and returns
// immediately with a handle the caller awaits via Done(). parent's
// cancellation (e.g. the flush pipeline's hard timeout) does not cancel
// the upload itself — per §5, the hard timeout "does not cancel the
// in-flight upload"; only an explicit Abort() does. StartUpload therefore
// derives its own cancellation context detached from parent's
// cancellation (but not its values), so destroy() remains the only path
// that can abort a running upload.
func (c *Client) StartUpload(parent context.Context, key string, body io.Reader) *Upload {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	u := &Upload{key: key, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(u.done)
		_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
			Body:   body,
		})
		u.mu.Lock()
		u.err = wrapUploadError(err, key)
		u.mu.Unlock()
	}()

	return u
}
