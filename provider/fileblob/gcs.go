package fileblob

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"cloud.google.com/go/storage"
	"github.com/rohanthewiz/serr"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSStore keeps the blob as a Google Cloud Storage object. Writes are
// guarded by object generation preconditions, so concurrent pushes from
// two devices cannot both succeed.
type GCSStore struct {
	client *storage.Client
	bucket string
	object string
}

// GCSConfig locates the object. ServiceAccount is a service account key
// in JSON form; when empty the client runs unauthenticated, which suits
// emulators behind Endpoint.
type GCSConfig struct {
	Bucket         string
	Object         string
	Endpoint       string
	ServiceAccount []byte
}

// NewGCSStore creates the storage client.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, serr.New("gcs store needs a bucket")
	}
	if cfg.Object == "" {
		cfg.Object = DefaultObject
	}
	options := []option.ClientOption{}
	if len(cfg.ServiceAccount) > 0 {
		options = append(options, option.WithCredentialsJSON(cfg.ServiceAccount))
	} else {
		options = append(options, option.WithoutAuthentication())
	}
	if cfg.Endpoint != "" {
		options = append(options, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := storage.NewClient(ctx, options...)
	if err != nil {
		return nil, serr.Wrap(err, "failed to create gcs client")
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, object: cfg.Object}, nil
}

func (g *GCSStore) handle() *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(g.object)
}

func (g *GCSStore) Get(ctx context.Context) ([]byte, string, error) {
	reader, err := g.handle().NewReader(ctx)
	if err != nil {
		return nil, "", gcsError(err, "failed to open object")
	}
	defer reader.Close()
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", gcsError(err, "failed to read object")
	}
	return content, strconv.FormatInt(reader.Attrs.Generation, 10), nil
}

func (g *GCSStore) Put(ctx context.Context, data []byte, ifGen string) (string, error) {
	cond := storage.Conditions{DoesNotExist: true}
	if ifGen != "" {
		gen, err := strconv.ParseInt(ifGen, 10, 64)
		if err != nil {
			return "", serr.Wrap(err, "invalid gcs generation "+ifGen)
		}
		cond = storage.Conditions{GenerationMatch: gen}
	}

	w := g.handle().If(cond).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", gcsError(err, "failed to write object")
	}
	if err := w.Close(); err != nil {
		return "", gcsError(err, "failed to commit object")
	}
	return strconv.FormatInt(w.Attrs().Generation, 10), nil
}

func (g *GCSStore) Delete(ctx context.Context) error {
	err := g.handle().Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return gcsError(err, "failed to delete object")
	}
	return nil
}

func (g *GCSStore) Close() error {
	return g.client.Close()
}

// gcsError maps storage and API errors onto the store sentinels.
func gcsError(err error, msg string) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return ErrNotExist
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusPreconditionFailed:
			return ErrPrecondition
		case http.StatusUnauthorized, http.StatusForbidden:
			return ErrDenied
		case http.StatusNotFound:
			return ErrNotExist
		}
	}
	return serr.Wrap(err, msg)
}
