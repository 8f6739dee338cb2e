package hub

import (
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
)

// NewServer creates the rweb server for h. Address, Verbose and
// ReadyChan come from opts.
func NewServer(h *Hub, opts rweb.ServerOptions) *rweb.Server {
	s := rweb.NewServer(opts)

	s.Use(rweb.RequestInfo)
	s.Use(CorsMiddleware)
	s.Use(h.JWTAuthMiddleware)
	s.Use(LoggingMiddleware)

	setupRoutes(s, h)
	return s
}

// setupRoutes configures all hub routes
func setupRoutes(s *rweb.Server, h *Hub) {
	s.Get("/api/v1/health", h.Health)
	s.Post("/api/v1/auth/login", h.Login)

	// One snapshot per account and key
	s.Get("/api/v1/documents/:key", h.GetDocument)
	s.Put("/api/v1/documents/:key", h.PutDocument)
	s.Delete("/api/v1/documents/:key", h.DeleteDocument)
	s.Post("/api/v1/documents/:key/patch", h.PatchDocument)
}

// Run starts the server and blocks.
func Run(s *rweb.Server, address string) error {
	logger.Info("ReadSync hub starting on", "address", address)
	return s.Run()
}
