// Package objectstore stores and retrieves function package tarballs from
// an S3-compatible bucket. Objects are keyed by functions/{functionID}/{packageHash}.tgz
// so that two versions sharing identical content share storage and cache
// entries.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotFound is returned when an object key does not exist in the bucket.
var ErrNotFound = errors.New("objectstore: object not found")

// Object is a fetched package with its metadata.
type Object struct {
	Body        io.ReadCloser
	SizeBytes   int64
	FunctionID  string
	Version     string
	PackageHash string
	UploadedAt  time.Time
}

// Config configures the S3-compatible client.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// ObjectStore is the object store (C2) contract: the durable home for
// function package tarballs, addressed by package hash.
type ObjectStore interface {
	Put(ctx context.Context, functionID string, version int, packageHash string, data []byte) error
	Get(ctx context.Context, functionID, packageHash string) (*Object, error)
	Delete(ctx context.Context, functionID, packageHash string) error
	Exists(ctx context.Context, functionID, packageHash string) (bool, error)
}

// Store is the S3-backed ObjectStore implementation.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds a Store from Config. When AccessKeyID is empty the default AWS
// credential chain is used (IAM role, environment, shared config).
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Key derives the canonical object key for a function's package, addressed
// by content hash rather than version number so identical uploads across
// versions share storage.
func Key(functionID, packageHash string) string {
	return fmt.Sprintf("functions/%s/%s.tgz", functionID, packageHash)
}

// Put uploads a package tarball, tagging it with the metadata the cache and
// audit trail need to reconstruct provenance without a metadata-store round
// trip.
func (s *Store) Put(ctx context.Context, functionID string, version int, packageHash string, data []byte) error {
	key := Key(functionID, packageHash)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			"Function-ID":    functionID,
			"Package-Version": fmt.Sprintf("%d", version),
			"Package-Hash":    packageHash,
			"Upload-Time":     time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return nil
}

// Get fetches a package tarball by function ID and package hash. Callers
// must Close the returned Object.Body.
func (s *Store) Get(ctx context.Context, functionID, packageHash string) (*Object, error) {
	key := Key(functionID, packageHash)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("objectstore: get %s: %w", key, err)
	}

	obj := &Object{
		Body:        out.Body,
		FunctionID:  out.Metadata["Function-ID"],
		Version:     out.Metadata["Package-Version"],
		PackageHash: out.Metadata["Package-Hash"],
	}
	if out.ContentLength != nil {
		obj.SizeBytes = *out.ContentLength
	}
	if t, err := time.Parse(time.RFC3339, out.Metadata["Upload-Time"]); err == nil {
		obj.UploadedAt = t
	}
	return obj, nil
}

// Delete removes a package tarball. It is not an error to delete a key that
// does not exist.
func (s *Store) Delete(ctx context.Context, functionID, packageHash string) error {
	key := Key(functionID, packageHash)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("objectstore: delete %s: %w", key, err)
	}
	return nil
}

// Exists checks for object presence without downloading the body.
func (s *Store) Exists(ctx context.Context, functionID, packageHash string) (bool, error) {
	key := Key(functionID, packageHash)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("objectstore: head %s: %w", key, err)
	}
	return true, nil
}
