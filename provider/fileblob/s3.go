package fileblob

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rohanthewiz/serr"
)

// S3Store keeps the blob as an S3 (or S3-compatible) object. The generation
// is the object ETag.
//
// The precondition is checked with a stat before the upload, so two
// writers racing inside that gap can both succeed; the loser's data is
// still merged on its next pull because snapshots merge commutatively.
type S3Store struct {
	client *minio.Client
	bucket string
	object string
}

// S3Config locates the object. Empty keys fall back to the AWS_*
// environment variables.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Object    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewS3Store creates the minio client.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" || cfg.Endpoint == "" {
		return nil, serr.New("s3 store needs an endpoint and a bucket")
	}
	if cfg.Object == "" {
		cfg.Object = DefaultObject
	}
	creds := credentials.NewEnvAWS()
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Region: cfg.Region,
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, serr.Wrap(err, "failed to create s3 client")
	}
	return &S3Store{client: client, bucket: cfg.Bucket, object: cfg.Object}, nil
}

func (s *S3Store) Get(ctx context.Context) ([]byte, string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.object, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", s3Error(err, "failed to get object")
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		return nil, "", s3Error(err, "failed to stat object")
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", s3Error(err, "failed to read object")
	}
	return data, info.ETag, nil
}

func (s *S3Store) Put(ctx context.Context, data []byte, ifGen string) (string, error) {
	current := ""
	info, err := s.client.StatObject(ctx, s.bucket, s.object, minio.StatObjectOptions{})
	if err == nil {
		current = info.ETag
	} else if mapped := s3Error(err, "failed to stat object"); mapped != ErrNotExist {
		return "", mapped
	}
	if current != ifGen {
		return "", ErrPrecondition
	}

	up, err := s.client.PutObject(ctx, s.bucket, s.object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", s3Error(err, "failed to put object")
	}
	return up.ETag, nil
}

func (s *S3Store) Delete(ctx context.Context) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.object, minio.RemoveObjectOptions{})
	if err != nil {
		if mapped := s3Error(err, "failed to delete object"); mapped != ErrNotExist {
			return mapped
		}
	}
	return nil
}

func (s *S3Store) Close() error {
	return nil
}

// s3Error maps minio error responses onto the store sentinels.
func s3Error(err error, msg string) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound:
		return ErrNotExist
	case resp.StatusCode == http.StatusPreconditionFailed:
		return ErrPrecondition
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized,
		strings.HasPrefix(resp.Code, "InvalidAccessKey"), resp.Code == "SignatureDoesNotMatch":
		return ErrDenied
	}
	return serr.Wrap(err, msg)
}
