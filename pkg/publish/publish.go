package publish

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// Putter uploads a single object.
type Putter interface {
	PutObject(ctx context.Context, key string, f *os.File, size int64) error
}

// Result describes one uploaded file.
type Result struct {
	Path  string `json:"path"`
	Key   string `json:"key"`
	Bytes int64  `json:"bytes"`
}

// Publisher uploads sink files under a key prefix.
type Publisher struct {
	putter Putter
	bucket string
	prefix string
	logger *zap.Logger
}

// New builds a Publisher backed by an S3 client.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &UploadError{Op: "New", Bucket: cfg.Bucket, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	client := &s3Putter{client: s3.NewFromConfig(awsCfg, s3Opts...), bucket: cfg.Bucket}
	return NewWithPutter(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithPutter builds a Publisher around an arbitrary Putter.
func NewWithPutter(putter Putter, bucket, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{putter: putter, bucket: bucket, prefix: prefix, logger: logger}
}

// Key returns the object key for a local file.
func (p *Publisher) Key(localPath string) string {
	return ObjectKey(p.prefix, localPath)
}

// ObjectKey joins prefix and the base name of localPath.
func ObjectKey(prefix, localPath string) string {
	base := filepath.Base(localPath)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return base
	}
	return path.Join(prefix, base)
}

// Publish uploads each path in order and stops at the first failure.
// Missing files are skipped.
func (p *Publisher) Publish(ctx context.Context, paths []string) ([]Result, error) {
	results := make([]Result, 0, len(paths))
	for _, lp := range paths {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res, ok, err := p.publishOne(ctx, lp)
		if err != nil {
			return results, err
		}
		if !ok {
			p.logger.Warn("Publish skipped, file not found", zap.String("path", lp))
			continue
		}
		p.logger.Info("Published table",
			zap.String("path", lp),
			zap.String("bucket", p.bucket),
			zap.String("key", res.Key),
			zap.Int64("bytes", res.Bytes),
		)
		results = append(results, res)
	}
	return results, nil
}

func (p *Publisher) publishOne(ctx context.Context, localPath string) (Result, bool, error) {
	// #nosec G304 -- path comes from the job manifest
	f, err := os.Open(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, false, nil
		}
		return Result{}, false, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return Result{}, false, fmt.Errorf("stat %s: %w", localPath, err)
	}

	key := p.Key(localPath)
	if err := p.putter.PutObject(ctx, key, f, info.Size()); err != nil {
		return Result{}, false, err
	}
	return Result{Path: localPath, Key: key, Bytes: info.Size()}, true, nil
}

type s3Putter struct {
	client *s3.Client
	bucket string
}

func (s *s3Putter) PutObject(ctx context.Context, key string, f *os.File, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("text/csv"),
	})
	if err != nil {
		return wrapError("PutObject", s.bucket, key, err)
	}
	return nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// resolveRegion applies the us-east-1 fallback for AWS S3 only. S3-compatible
// endpoints get no default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
