package engine

import (
	"github.com/rohanthewiz/serr"

	"readsync/config"
	"readsync/provider"
	"readsync/provider/fileblob"
	"readsync/provider/structured"
)

// NewProvider builds the provider named by cfg.Provider. Credentials are
// applied later by Authenticate.
func NewProvider(cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderStructured:
		return structured.New(), nil
	case config.ProviderFileBlob:
		return fileblob.New(), nil
	case config.ProviderNone, "":
		return provider.NewNoop(), nil
	}
	return nil, serr.New("unknown provider " + cfg.Provider)
}
