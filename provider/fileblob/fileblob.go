package fileblob

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"readsync/document"
	"readsync/provider"
)

const providerName = "fileblob"

// Credentials select and configure the blob store.
//
//	{"store": "dir", "dir": "/mnt/shared/readsync"}
//	{"store": "gcs", "bucket": "b", "serviceAccount": {...}}
//	{"store": "s3", "endpoint": "s3.amazonaws.com", "bucket": "b", "accessKey": "...", "secretKey": "..."}
type Credentials struct {
	Store          string          `json:"store"`
	Dir            string          `json:"dir"`
	Bucket         string          `json:"bucket"`
	Object         string          `json:"object"`
	Endpoint       string          `json:"endpoint"`
	Region         string          `json:"region"`
	AccessKey      string          `json:"accessKey"`
	SecretKey      string          `json:"secretKey"`
	UseSSL         bool            `json:"useSsl"`
	ServiceAccount json.RawMessage `json:"serviceAccount"`
}

// Provider stores the snapshot in a BlobStore.
type Provider struct {
	mu    sync.Mutex
	store BlobStore
	base  string // generation seen by the last pull
}

// New returns a provider whose store is chosen by Authenticate.
func New() *Provider {
	return &Provider{}
}

// NewWithStore returns a provider over an existing store. Authenticate
// then only probes it.
func NewWithStore(store BlobStore) *Provider {
	return &Provider{store: store}
}

func (p *Provider) Name() string { return providerName }

// OpenStore builds the store described by creds.
func OpenStore(ctx context.Context, creds Credentials) (BlobStore, error) {
	switch creds.Store {
	case "dir":
		return NewDirStore(creds.Dir, creds.Object)
	case "gcs":
		return NewGCSStore(ctx, GCSConfig{
			Bucket:         creds.Bucket,
			Object:         creds.Object,
			Endpoint:       creds.Endpoint,
			ServiceAccount: creds.ServiceAccount,
		})
	case "s3":
		return NewS3Store(S3Config{
			Endpoint:  creds.Endpoint,
			Bucket:    creds.Bucket,
			Object:    creds.Object,
			Region:    creds.Region,
			AccessKey: creds.AccessKey,
			SecretKey: creds.SecretKey,
			UseSSL:    creds.UseSSL,
		})
	}
	return nil, serr.New("unknown blob store: " + creds.Store)
}

// Authenticate opens the store named in credentials (unless one was
// injected) and checks it is reachable with a read.
func (p *Provider) Authenticate(ctx context.Context, credentials json.RawMessage) error {
	p.mu.Lock()
	store := p.store
	p.mu.Unlock()
	injected := store != nil

	if !injected {
		var creds Credentials
		if len(credentials) == 0 {
			return provider.NewError(provider.KindAuth, providerName, "auth", serr.New("missing credentials"))
		}
		if err := json.Unmarshal(credentials, &creds); err != nil {
			return provider.NewError(provider.KindAuth, providerName, "auth", serr.Wrap(err, "unreadable credentials"))
		}
		opened, err := OpenStore(ctx, creds)
		if err != nil {
			return provider.NewError(provider.KindAuth, providerName, "auth", err)
		}
		store = opened
	}

	if _, _, err := store.Get(ctx); err != nil && !errors.Is(err, ErrNotExist) {
		perr := classify(err, "auth")
		if provider.KindOf(perr) == provider.KindAuth {
			if !injected {
				store.Close()
			}
			return perr
		}
		// Unreachable for now; keep the store so later pulls retry it
		p.mu.Lock()
		p.store = store
		p.mu.Unlock()
		return perr
	}

	p.mu.Lock()
	p.store = store
	p.mu.Unlock()
	logger.Debug("Blob store ready", "provider", providerName)
	return nil
}

func (p *Provider) current() (BlobStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store == nil {
		return nil, provider.NewError(provider.KindAuth, providerName, "store", serr.New("not authenticated"))
	}
	return p.store, nil
}

func (p *Provider) Pull(ctx context.Context) (*document.Snapshot, error) {
	store, err := p.current()
	if err != nil {
		return nil, err
	}
	data, gen, err := store.Get(ctx)
	if errors.Is(err, ErrNotExist) {
		p.setBase("")
		return nil, provider.NewError(provider.KindNotFound, providerName, "pull", nil)
	}
	if err != nil {
		return nil, classify(err, "pull")
	}
	// Record the generation even if the blob is unreadable so a healing
	// push can replace it.
	p.setBase(gen)

	snap, err := open(data)
	if err != nil {
		return nil, provider.NewError(provider.KindCorrupt, providerName, "pull", err)
	}
	return snap, nil
}

func (p *Provider) Push(ctx context.Context, snap *document.Snapshot) error {
	store, err := p.current()
	if err != nil {
		return err
	}
	data, err := seal(snap)
	if err != nil {
		return provider.NewError(provider.KindUnknown, providerName, "push", err)
	}
	p.mu.Lock()
	base := p.base
	p.mu.Unlock()

	gen, err := store.Put(ctx, data, base)
	if err != nil {
		return classify(err, "push")
	}
	p.setBase(gen)
	return nil
}

func (p *Provider) Clear(ctx context.Context) error {
	store, err := p.current()
	if err != nil {
		return err
	}
	if err := store.Delete(ctx); err != nil {
		return classify(err, "clear")
	}
	p.setBase("")
	return nil
}

// Changes forwards the store's change signal when it has one. A nil
// channel never fires.
func (p *Provider) Changes() <-chan struct{} {
	store, err := p.current()
	if err != nil {
		return nil
	}
	if w, ok := store.(interface{ Changes() <-chan struct{} }); ok {
		return w.Changes()
	}
	return nil
}

func (p *Provider) Close() error {
	p.mu.Lock()
	store := p.store
	p.store = nil
	p.mu.Unlock()
	if store == nil {
		return nil
	}
	return store.Close()
}

func (p *Provider) setBase(gen string) {
	p.mu.Lock()
	p.base = gen
	p.mu.Unlock()
}

func classify(err error, op string) error {
	kind := provider.KindNetwork
	switch {
	case errors.Is(err, ErrPrecondition):
		kind = provider.KindConflict
	case errors.Is(err, ErrDenied):
		kind = provider.KindAuth
	case errors.Is(err, ErrNotExist):
		kind = provider.KindNotFound
	}
	return provider.NewError(kind, providerName, op, err)
}
