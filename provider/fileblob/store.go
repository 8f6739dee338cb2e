// Package fileblob is the file-blob provider: the whole snapshot lives in
// one object of a blob store (a shared directory, a GCS bucket or an S3
// bucket), wrapped in a checksummed envelope.
package fileblob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/rohanthewiz/serr"
	"github.com/vmihailenco/msgpack/v5"

	"readsync/document"
)

// Errors a BlobStore maps its backend failures onto.
var (
	ErrNotExist     = errors.New("blob does not exist")
	ErrPrecondition = errors.New("blob generation moved")
	ErrDenied       = errors.New("blob store denied access")
)

// BlobStore holds one opaque blob with a generation that changes on
// every write. An empty generation means the blob does not exist.
type BlobStore interface {
	// Get returns the blob and its generation, or ErrNotExist.
	Get(ctx context.Context) ([]byte, string, error)

	// Put writes data only if the current generation equals ifGen and
	// returns the new generation. ErrPrecondition when it does not.
	Put(ctx context.Context, data []byte, ifGen string) (string, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context) error

	// Close releases clients and watchers.
	Close() error
}

// envelopeFormat tags the blob layout so a future layout can be told apart.
const envelopeFormat = "readsync.snapshot.v1"

type envelope struct {
	Format   string `msgpack:"format"`
	Checksum string `msgpack:"checksum"`
	Payload  []byte `msgpack:"payload"`
}

// seal encodes snap as JSON inside a checksummed msgpack envelope.
func seal(snap *document.Snapshot) ([]byte, error) {
	payload, err := document.EncodeJSON(snap)
	if err != nil {
		return nil, err
	}
	b, err := msgpack.Marshal(&envelope{Format: envelopeFormat, Checksum: digest(payload), Payload: payload})
	if err != nil {
		return nil, serr.Wrap(err, "failed to encode snapshot envelope")
	}
	return b, nil
}

// open verifies and decodes an envelope.
func open(b []byte) (*document.Snapshot, error) {
	var env envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return nil, serr.Wrap(err, "failed to decode snapshot envelope")
	}
	if env.Format != envelopeFormat {
		return nil, serr.New("unknown snapshot envelope format: " + env.Format)
	}
	if digest(env.Payload) != env.Checksum {
		return nil, serr.New("snapshot envelope checksum mismatch")
	}
	return document.DecodeJSON(env.Payload)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
