// Package structured is the structured-document provider: the snapshot is
// one JSON document on a hub server, read and written over HTTP with a
// revision precondition on every write.
package structured

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
	"github.com/snorwin/jsonpatch"

	"readsync/document"
	"readsync/provider"
)

const providerName = "structured"

// DefaultDocument is the document key used when credentials name none.
const DefaultDocument = "library"

// Credentials locate the hub and the account.
//
//	{"url": "https://hub.example.com", "username": "ana", "password": "..."}
type Credentials struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Document string `json:"document"`
}

// Client talks to a hub.
type Client struct {
	httpClient *http.Client

	mu        sync.Mutex
	creds     Credentials
	authToken string
	base      uint64 // hub revision seen by the last pull
}

// New returns an unauthenticated client.
func New() *Client {
	return &Client{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (c *Client) Name() string { return providerName }

// apiResponse mirrors the hub's envelope.
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type revisionData struct {
	Revision uint64 `json:"revision"`
}

// Authenticate checks the credentials by logging in.
func (c *Client) Authenticate(ctx context.Context, credentials json.RawMessage) error {
	var creds Credentials
	if len(credentials) == 0 {
		return provider.NewError(provider.KindAuth, providerName, "auth", serr.New("missing credentials"))
	}
	if err := json.Unmarshal(credentials, &creds); err != nil {
		return provider.NewError(provider.KindAuth, providerName, "auth", serr.Wrap(err, "unreadable credentials"))
	}
	if creds.URL == "" || creds.Username == "" {
		return provider.NewError(provider.KindAuth, providerName, "auth", serr.New("credentials need url and username"))
	}
	creds.URL = strings.TrimRight(creds.URL, "/")
	if creds.Document == "" {
		creds.Document = DefaultDocument
	}

	c.mu.Lock()
	c.creds = creds
	c.authToken = ""
	c.mu.Unlock()
	return c.login(ctx)
}

// login posts credentials to the hub and caches the token.
func (c *Client) login(ctx context.Context) error {
	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()

	body, err := json.Marshal(map[string]string{"username": creds.Username, "password": creds.Password})
	if err != nil {
		return provider.NewError(provider.KindUnknown, providerName, "auth", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.URL+"/api/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return provider.NewError(provider.KindAuth, providerName, "auth", serr.Wrap(err, "failed to create login request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.NewError(provider.KindNetwork, providerName, "auth", serr.Wrap(err, "login request failed"))
	}
	defer resp.Body.Close()

	apiResp, err := decode(resp)
	if err != nil {
		return classify(resp.StatusCode, "auth", err)
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(apiResp.Data, &data); err != nil || data.Token == "" {
		return provider.NewError(provider.KindAuth, providerName, "auth", serr.New("login response missing token"))
	}

	c.mu.Lock()
	c.authToken = data.Token
	c.mu.Unlock()
	logger.Debug("Logged in to hub", "url", creds.URL, "username", creds.Username)
	return nil
}

// do sends an authenticated request. On 401 it logs in again once and
// retries, which covers token expiry.
func (c *Client) do(ctx context.Context, method, path string, body []byte, op string) (*http.Response, error) {
	send := func() (*http.Response, error) {
		c.mu.Lock()
		base, token := c.creds.URL, c.authToken
		c.mu.Unlock()
		if base == "" {
			return nil, provider.NewError(provider.KindAuth, providerName, op, serr.New("not authenticated"))
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
		if err != nil {
			return nil, provider.NewError(provider.KindUnknown, providerName, op, serr.Wrap(err, "failed to create request"))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, provider.NewError(provider.KindNetwork, providerName, op, serr.Wrap(err, "request failed"))
		}
		return resp, nil
	}

	resp, err := send()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := c.login(ctx); err != nil {
			return nil, err
		}
		return send()
	}
	return resp, nil
}

func (c *Client) documentPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return "/api/v1/documents/" + url.PathEscape(c.creds.Document)
}

func (c *Client) Pull(ctx context.Context) (*document.Snapshot, error) {
	resp, err := c.do(ctx, http.MethodGet, c.documentPath(), nil, "pull")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	apiResp, err := decode(resp)
	if resp.StatusCode == http.StatusNotFound && apiResp != nil {
		var rev revisionData
		json.Unmarshal(apiResp.Data, &rev)
		c.setBase(rev.Revision)
		return nil, provider.NewError(provider.KindNotFound, providerName, "pull", nil)
	}
	if err != nil {
		return nil, classify(resp.StatusCode, "pull", err)
	}

	var out struct {
		Revision uint64          `json:"revision"`
		Snapshot json.RawMessage `json:"snapshot"`
	}
	if err := json.Unmarshal(apiResp.Data, &out); err != nil {
		return nil, provider.NewError(provider.KindCorrupt, providerName, "pull", serr.Wrap(err, "unreadable document response"))
	}
	// The revision is recorded even for an unreadable snapshot so a
	// healing push can replace it.
	c.setBase(out.Revision)

	snap, err := document.DecodeJSON(out.Snapshot)
	if err != nil {
		return nil, provider.NewError(provider.KindCorrupt, providerName, "pull", err)
	}
	return snap, nil
}

func (c *Client) Push(ctx context.Context, snap *document.Snapshot) error {
	raw, err := document.EncodeJSON(snap)
	if err != nil {
		return provider.NewError(provider.KindUnknown, providerName, "push", err)
	}
	c.mu.Lock()
	base := c.base
	c.mu.Unlock()

	body, err := json.Marshal(map[string]any{"baseRevision": base, "snapshot": json.RawMessage(raw)})
	if err != nil {
		return provider.NewError(provider.KindUnknown, providerName, "push", err)
	}
	return c.write(ctx, http.MethodPut, c.documentPath(), body, "push")
}

// PushPartial sends only the JSON patch from base to next. When the hub
// cannot apply it the full snapshot is pushed instead.
func (c *Client) PushPartial(ctx context.Context, base, next *document.Snapshot) error {
	if base == nil {
		return c.Push(ctx, next)
	}
	patch, err := diffSnapshots(base, next)
	if err != nil {
		logger.LogErr(err, "failed to build snapshot patch, pushing in full")
		return c.Push(ctx, next)
	}
	if patch.Empty() {
		return nil
	}

	c.mu.Lock()
	rev := c.base
	c.mu.Unlock()
	body, err := json.Marshal(map[string]any{"baseRevision": rev, "patch": json.RawMessage(patch.Raw())})
	if err != nil {
		return provider.NewError(provider.KindUnknown, providerName, "push", err)
	}

	err = c.write(ctx, http.MethodPost, c.documentPath()+"/patch", body, "push")
	if err == nil {
		return nil
	}
	switch provider.KindOf(err) {
	case provider.KindCorrupt, provider.KindNotFound, provider.KindUnknown:
		logger.Info("Hub rejected snapshot patch, pushing in full", "operations", patch.Len(), "error", err.Error())
		return c.Push(ctx, next)
	}
	return err
}

// diffSnapshots builds the RFC 6902 patch that turns base into next.
func diffSnapshots(base, next *document.Snapshot) (jsonpatch.JSONPatchList, error) {
	from, err := genericJSON(base)
	if err != nil {
		return jsonpatch.JSONPatchList{}, err
	}
	to, err := genericJSON(next)
	if err != nil {
		return jsonpatch.JSONPatchList{}, err
	}
	return jsonpatch.CreateJSONPatch(to, from)
}

func genericJSON(snap *document.Snapshot) (map[string]interface{}, error) {
	raw, err := document.EncodeJSON(snap)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, serr.Wrap(err, "failed to decode snapshot JSON")
	}
	return out, nil
}

func (c *Client) Clear(ctx context.Context) error {
	return c.write(ctx, http.MethodDelete, c.documentPath(), nil, "clear")
}

// write performs a revision-guarded request and records the new revision.
func (c *Client) write(ctx context.Context, method, path string, body []byte, op string) error {
	resp, err := c.do(ctx, method, path, body, op)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	apiResp, err := decode(resp)
	if err != nil {
		return classify(resp.StatusCode, op, err)
	}
	var rev revisionData
	if err := json.Unmarshal(apiResp.Data, &rev); err != nil {
		return provider.NewError(provider.KindUnknown, providerName, op, serr.Wrap(err, "unreadable revision"))
	}
	c.setBase(rev.Revision)
	return nil
}

func (c *Client) setBase(rev uint64) {
	c.mu.Lock()
	c.base = rev
	c.mu.Unlock()
}

// decode reads the hub envelope. A non-2xx status is an error carrying
// the hub's message; the envelope is still returned when it parsed.
func decode(resp *http.Response) (*apiResponse, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, serr.Wrap(err, "failed to read response")
	}
	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, serr.Wrap(err, fmt.Sprintf("unreadable response with status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || !out.Success {
		return &out, serr.New(fmt.Sprintf("hub returned status %d: %s", resp.StatusCode, out.Error))
	}
	return &out, nil
}

// classify maps a hub status code onto a provider error kind.
func classify(status int, op string, err error) error {
	kind := provider.KindUnknown
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = provider.KindAuth
	case status == http.StatusConflict:
		kind = provider.KindConflict
	case status == http.StatusRequestEntityTooLarge || status == http.StatusTooManyRequests:
		kind = provider.KindQuota
	case status == http.StatusNotFound:
		kind = provider.KindNotFound
	case status == http.StatusUnprocessableEntity:
		kind = provider.KindCorrupt
	case status >= 500:
		kind = provider.KindNetwork
	}
	return provider.NewError(kind, providerName, op, err)
}
