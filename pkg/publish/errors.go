package publish

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Sentinel errors for upload failures.
var (
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("storage unavailable")
)

// UploadError wraps a failed upload with the object it targeted.
type UploadError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *UploadError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("s3 %s: %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("s3 %s: %s: %v", e.Op, e.Bucket, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// IsAccessDenied reports whether err is a permission failure.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrInvalidCredentials)
}

// IsBucketNotFound reports whether the destination bucket is missing.
func IsBucketNotFound(err error) bool {
	return errors.Is(err, ErrBucketNotFound)
}

// wrapError maps S3 API errors onto the package sentinels.
func wrapError(op, bucket, key string, err error) error {
	wrapped := &UploadError{Op: op, Bucket: bucket, Key: key, Err: err}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		wrapped.Err = fmt.Errorf("%w: %w", ErrBucketNotFound, err)
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if sentinel := sentinelFor(apiErr.ErrorCode()); sentinel != nil {
			wrapped.Err = fmt.Errorf("%w: %s", sentinel, apiErr.ErrorMessage())
		}
		return wrapped
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchBucket"):
		wrapped.Err = fmt.Errorf("%w: %w", ErrBucketNotFound, err)
	case strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "403"):
		wrapped.Err = fmt.Errorf("%w: %w", ErrAccessDenied, err)
	case strings.Contains(msg, "SlowDown") || strings.Contains(msg, "503"):
		wrapped.Err = fmt.Errorf("%w: %w", ErrThrottled, err)
	}
	return wrapped
}

func sentinelFor(code string) error {
	switch code {
	case "NoSuchBucket":
		return ErrBucketNotFound
	case "AccessDenied", "Forbidden":
		return ErrAccessDenied
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return ErrInvalidCredentials
	case "SlowDown", "Throttling", "RequestLimitExceeded":
		return ErrThrottled
	case "ServiceUnavailable", "InternalError":
		return ErrUnavailable
	}
	return nil
}
