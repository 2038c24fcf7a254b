package s3

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// DefaultBundleKey is used when a code storage location names only a bucket.
const DefaultBundleKey = "etl-runner.tar.zst"

// Location is a bucket/key pair in code storage.
type Location struct {
	Bucket string
	Key    string
}

// ParseLocation accepts "s3://bucket/key", "s3://bucket" or a bare bucket name.
func ParseLocation(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "s3://")
	if raw == "" {
		return Location{}, errors.New("empty storage location")
	}

	bucket, key, _ := strings.Cut(raw, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("storage location %q has no bucket", raw)
	}
	key = strings.Trim(key, "/")
	switch {
	case key == "":
		key = DefaultBundleKey
	case strings.HasSuffix(raw, "/"):
		key = path.Join(key, DefaultBundleKey)
	}
	return Location{Bucket: bucket, Key: key}, nil
}

// ParseObjectLocation is ParseLocation without defaults: the key must be named.
func ParseObjectLocation(raw string) (Location, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "s3://")
	_, key, _ := strings.Cut(trimmed, "/")
	if strings.Trim(key, "/") == "" || strings.HasSuffix(key, "/") {
		return Location{}, fmt.Errorf("storage location %q must name an object", raw)
	}
	return ParseLocation(raw)
}

// String renders the location as an s3:// URI.
func (l Location) String() string {
	return "s3://" + l.Bucket + "/" + l.Key
}

// Options tune the client for non-AWS endpoints such as SeaweedFS or MinIO.
type Options struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// API is the subset of the S3 client used here.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client is a thin wrapper around the AWS SDK v2 S3 client.
type Client struct {
	api     API
	presign presignFunc
}

type presignFunc func(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)

// NewClient builds a Client from an SDK config. Static credentials and an
// endpoint override are applied when set in opts.
func NewClient(cfg aws.Config, opts Options) *Client {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.ForcePathStyle
		if endpoint := strings.TrimSpace(opts.Endpoint); endpoint != "" {
			if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
				endpoint = "https://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		if opts.AccessKey != "" && opts.SecretKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")
		}
	})

	presigner := s3.NewPresignClient(client)
	return &Client{
		api: client,
		presign: func(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
			req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
			}, func(po *s3.PresignOptions) {
				po.Expires = ttl
			})
			if err != nil {
				return "", err
			}
			return req.URL, nil
		},
	}
}

// NewWithAPI wraps an existing API implementation. Presigning is unavailable.
func NewWithAPI(api API) *Client {
	return &Client{api: api}
}

// PutObject uploads data to loc with checksum metadata.
func (c *Client) PutObject(ctx context.Context, loc Location, r io.Reader, size int64, sha256 string) error {
	if c == nil || c.api == nil {
		return errors.New("nil client")
	}
	checksum, err := encodeSHA256(sha256)
	if err != nil {
		return err
	}

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(loc.Bucket),
		Key:               aws.String(loc.Key),
		Body:              r,
		ContentLength:     aws.Int64(size),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(checksum),
		Metadata: map[string]string{
			"sha256": sha256,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", loc, err)
	}
	return nil
}

// GetObject opens loc for reading. The caller closes the body.
func (c *Client) GetObject(ctx context.Context, loc Location) (io.ReadCloser, error) {
	if c == nil || c.api == nil {
		return nil, errors.New("nil client")
	}
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", loc, err)
	}
	return out.Body, nil
}

// PresignGet generates a presigned GET URL for loc valid for ttl.
func (c *Client) PresignGet(ctx context.Context, loc Location, ttl time.Duration) (string, error) {
	if c == nil || c.presign == nil {
		return "", errors.New("presigning not configured")
	}
	if ttl <= 0 {
		return "", errors.New("presign ttl must be positive")
	}
	return c.presign(ctx, loc.Bucket, loc.Key, ttl)
}

func encodeSHA256(hexDigest string) (string, error) {
	if hexDigest == "" {
		return "", errors.New("sha256 digest required")
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
