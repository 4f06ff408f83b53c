package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sony/gobreaker"

	"github.com/burrowchat/burrow/internal/v1/metrics"
	"github.com/burrowchat/burrow/internal/v1/types"
)

// S3Config holds the settings for an S3-backed blob store.
type S3Config struct {
	Bucket string

	// Region is optional; the SDK default chain applies when empty.
	Region string

	// Endpoint overrides the S3 endpoint for S3-compatible services
	// (MinIO, localstack). Forces path-style addressing when set.
	Endpoint string

	// KeyPrefix is prepended to every blob key, e.g. "blobs/".
	KeyPrefix string
}

// S3Store stores blobs in a single S3 bucket. All calls run through a
// circuit breaker so a broken bucket degrades uploads instead of
// stalling every room goroutine behind SDK retries.
type S3Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	cb        *gobreaker.CircuitBreaker
}

// NewS3Store builds the SDK client from the default config chain plus
// the overrides in cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	st := gobreaker.Settings{
		Name:        "s3",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("s3").Set(stateVal)
			slog.Info("s3 circuit breaker state change", "from", from.String(), "to", to.String())
		},
	}

	slog.Info("s3 blob store initialized", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint)
	return &S3Store{
		client:    s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		cb:        gobreaker.NewCircuitBreaker(st),
	}, nil
}

func (s *S3Store) fullKey(key string) string {
	return s.keyPrefix + key
}

func (s *S3Store) execute(op string, fn func() (any, error)) (any, error) {
	out, err := s.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues("s3").Inc()
			metrics.BlobOperations.WithLabelValues(op, "breaker_open").Inc()
			return nil, fmt.Errorf("s3 unavailable: %w", err)
		}
		metrics.BlobOperations.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	metrics.BlobOperations.WithLabelValues(op, "ok").Inc()
	return out, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, contentType string) (int64, error) {
	if contentType == "" {
		contentType = defaultContentType
	}

	counted := &countingReader{r: body}
	_, err := s.execute("put", func() (any, error) {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.fullKey(key)),
			Body:        counted,
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return nil, fmt.Errorf("s3 put object: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return 0, err
	}
	return counted.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (s *S3Store) Get(ctx context.Context, key string) (Object, error) {
	out, err := s.execute("get", func() (any, error) {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(key)),
		})
		if err != nil {
			if isNotFound(err) {
				return nil, types.ErrNotFound
			}
			return nil, fmt.Errorf("s3 get object: %w", err)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return Object{}, types.ErrNotFound
		}
		return Object{}, err
	}

	resp := out.(*s3.GetObjectOutput)
	obj := Object{Body: resp.Body, ContentType: defaultContentType}
	if resp.ContentType != nil {
		obj.ContentType = *resp.ContentType
	}
	if resp.ContentLength != nil {
		obj.Size = *resp.ContentLength
	}
	return obj, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.execute("delete", func() (any, error) {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(key)),
		})
		if err != nil {
			return nil, fmt.Errorf("s3 delete object: %w", err)
		}
		return nil, nil
	})
	return err
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *s3types.NotFound
	return errors.As(err, &notFound)
}
