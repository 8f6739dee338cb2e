package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
	"github.com/rohanthewiz/serr"

	"readsync/document"
)

// APIResponse provides a consistent JSON response structure for all API endpoints.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// LoginInput is the body of POST /api/v1/auth/login.
type LoginInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// PutInput is the body of PUT /api/v1/documents/:key.
type PutInput struct {
	BaseRevision uint64          `json:"baseRevision"`
	Snapshot     json.RawMessage `json:"snapshot"`
}

// PatchInput is the body of POST /api/v1/documents/:key/patch. Patch is
// an RFC 6902 operation list against the snapshot at BaseRevision.
type PatchInput struct {
	BaseRevision uint64          `json:"baseRevision"`
	Patch        json.RawMessage `json:"patch"`
}

// RevisionOutput reports the revision after a write, or the current one
// on a conflict.
type RevisionOutput struct {
	Revision uint64 `json:"revision"`
}

func writeSuccess(ctx rweb.Context, status int, data interface{}) error {
	ctx.SetStatus(status)
	return ctx.WriteJSON(APIResponse{Success: true, Data: data})
}

func writeError(ctx rweb.Context, status int, message string) error {
	ctx.SetStatus(status)
	return ctx.WriteJSON(APIResponse{Success: false, Error: message})
}

// writeConflict is a 409 carrying the current revision.
func writeConflict(ctx rweb.Context, revision uint64) error {
	ctx.SetStatus(http.StatusConflict)
	return ctx.WriteJSON(APIResponse{Success: false, Error: "document revision moved", Data: RevisionOutput{Revision: revision}})
}

// Health handles GET /api/v1/health
func (h *Hub) Health(ctx rweb.Context) error {
	return writeSuccess(ctx, http.StatusOK, map[string]string{"status": "ok"})
}

// Login handles POST /api/v1/auth/login
//
// Success (200):
//
//	{ "success": true, "data": { "token": "..." } }
//
// Errors:
//   - 400: Missing username or password
//   - 401: Invalid credentials
func (h *Hub) Login(ctx rweb.Context) error {
	var input LoginInput
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if input.Username == "" || input.Password == "" {
		return writeError(ctx, http.StatusBadRequest, "username and password are required")
	}
	if !h.CheckPassword(input.Username, input.Password) {
		// Don't reveal whether the username exists
		return writeError(ctx, http.StatusUnauthorized, "invalid credentials")
	}

	token, err := h.GenerateToken(input.Username)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to generate token"), "username", input.Username)
		return writeError(ctx, http.StatusInternalServerError, "failed to generate token")
	}
	return writeSuccess(ctx, http.StatusOK, map[string]string{"token": token})
}

// GetDocument handles GET /api/v1/documents/:key
func (h *Hub) GetDocument(ctx rweb.Context) error {
	user := currentUser(ctx)
	if user == "" {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}
	key := ctx.Request().Param("key")

	doc := h.Get(user, key)
	if doc == nil {
		ctx.SetStatus(http.StatusNotFound)
		return ctx.WriteJSON(APIResponse{
			Success: false,
			Error:   "document not found",
			Data:    RevisionOutput{Revision: h.Revision(user, key)},
		})
	}
	return writeSuccess(ctx, http.StatusOK, doc)
}

// PutDocument handles PUT /api/v1/documents/:key
// Replaces the snapshot when the document is still at the base revision,
// given in the body or as an If-Match header.
//
// Errors:
//   - 400: Body or snapshot unreadable
//   - 409: Base revision is stale
//   - 413: Snapshot exceeds the size limit
func (h *Hub) PutDocument(ctx rweb.Context) error {
	user := currentUser(ctx)
	if user == "" {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}
	key := ctx.Request().Param("key")
	body := ctx.Request().Body()
	if h.maxBytes > 0 && len(body) > h.maxBytes {
		return writeError(ctx, http.StatusRequestEntityTooLarge, "document too large")
	}

	var input PutInput
	if err := json.Unmarshal(body, &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if base, ok := ifMatch(ctx); ok {
		input.BaseRevision = base
	}
	if _, err := document.DecodeJSON(input.Snapshot); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid snapshot: "+err.Error())
	}

	rev, err := h.Put(user, key, input.BaseRevision, func(json.RawMessage) (json.RawMessage, error) {
		return input.Snapshot, nil
	})
	if errors.Is(err, ErrRevisionMoved) {
		return writeConflict(ctx, rev)
	}
	if err != nil {
		logger.LogErr(err, "failed to store document", "user", user, "key", key)
		return writeError(ctx, http.StatusInternalServerError, "failed to store document")
	}

	logger.Info("Document stored", "user", user, "key", key, "revision", rev, "bytes", len(input.Snapshot))
	return writeSuccess(ctx, http.StatusOK, RevisionOutput{Revision: rev})
}

// errPatch marks a patch that cannot be applied to the stored snapshot.
var errPatch = errors.New("patch does not apply")

// errTooLarge marks a patched snapshot over the size limit.
var errTooLarge = errors.New("document too large")

// PatchDocument handles POST /api/v1/documents/:key/patch
// Applies a JSON patch to the snapshot at the base revision.
//
// Errors:
//   - 404: No snapshot to patch
//   - 409: Base revision is stale
//   - 413: Patched snapshot exceeds the size limit
//   - 422: Patch does not apply or yields an invalid snapshot
func (h *Hub) PatchDocument(ctx rweb.Context) error {
	user := currentUser(ctx)
	if user == "" {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}
	key := ctx.Request().Param("key")

	var input PatchInput
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if base, ok := ifMatch(ctx); ok {
		input.BaseRevision = base
	}
	patch, err := jsonpatch.DecodePatch(input.Patch)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid patch")
	}

	missing := false
	rev, err := h.Put(user, key, input.BaseRevision, func(current json.RawMessage) (json.RawMessage, error) {
		if current == nil {
			missing = true
			return nil, errPatch
		}
		next, err := patch.Apply(current)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errPatch, err)
		}
		if h.maxBytes > 0 && len(next) > h.maxBytes {
			return nil, errTooLarge
		}
		if _, err := document.DecodeJSON(next); err != nil {
			return nil, fmt.Errorf("%w: %v", errPatch, err)
		}
		return next, nil
	})
	switch {
	case errors.Is(err, ErrRevisionMoved):
		return writeConflict(ctx, rev)
	case missing:
		return writeError(ctx, http.StatusNotFound, "document not found")
	case errors.Is(err, errTooLarge):
		return writeError(ctx, http.StatusRequestEntityTooLarge, "document too large")
	case errors.Is(err, errPatch):
		return writeError(ctx, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		logger.LogErr(err, "failed to patch document", "user", user, "key", key)
		return writeError(ctx, http.StatusInternalServerError, "failed to patch document")
	}

	logger.Info("Document patched", "user", user, "key", key, "revision", rev)
	return writeSuccess(ctx, http.StatusOK, RevisionOutput{Revision: rev})
}

// DeleteDocument handles DELETE /api/v1/documents/:key
func (h *Hub) DeleteDocument(ctx rweb.Context) error {
	user := currentUser(ctx)
	if user == "" {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}
	key := ctx.Request().Param("key")
	rev := h.Delete(user, key)
	logger.Info("Document deleted", "user", user, "key", key, "revision", rev)
	return writeSuccess(ctx, http.StatusOK, RevisionOutput{Revision: rev})
}

// ifMatch reads a base revision from the If-Match header.
func ifMatch(ctx rweb.Context) (uint64, bool) {
	raw := strings.Trim(ctx.Request().Header("If-Match"), `" `)
	if raw == "" {
		return 0, false
	}
	rev, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return rev, true
}
