package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vtxmedia/vtx/internal/apperrors"
	"github.com/vtxmedia/vtx/internal/eventbus"
	"github.com/vtxmedia/vtx/internal/gatekeeper"
	"github.com/vtxmedia/vtx/internal/policy"
	"github.com/vtxmedia/vtx/internal/store"
	"github.com/vtxmedia/vtx/internal/vfs"
)

// User is the identity context.current_user() surfaces to a module.
type User struct {
	UserID   string
	Username string
	Groups   []string
}

// HTTPRule is one allow-rule the Context's http.request capability is
// checked against.
type HTTPRule struct {
	Scheme          string
	Host            string
	Port            int
	PathPrefix      string
	Methods         []string
	Headers         map[string]string
	MaxRequestBytes int64
	MaxResponseBytes int64
	FollowRedirects bool
	RedirectPolicy  string // "same-origin" or "allowlist"
}

// Limits bounds a Context's resource usage, filling the "resource limiter
// (memory/instance/table caps)" role named in §4.D.
type Limits struct {
	MaxMemoryBytes   int64
	MaxBufferReadLen int
	MaxNestedDepth   int
}

// Context is the per-invocation capability broker (§4.D). One Context is
// built per module call (or per authentication attempt) and discarded
// afterward; its handle table does not outlive the call.
type Context struct {
	Tier        policy.Tier
	PluginID    string
	User        *User
	Perms       policy.Set
	HTTPRules   []HTTPRule
	Limits      Limits
	AllowedSQL  map[string]bool // the plugin's declared physical table set

	db     *store.Pool
	broker *vfs.Broker
	bus    *eventbus.Bus

	mu      sync.Mutex
	handles map[uint64]*Buffer
	nextID  uint64
}

// New builds a Context for one invocation.
func New(tier policy.Tier, pluginID string, perms policy.Set, db *store.Pool, broker *vfs.Broker, bus *eventbus.Bus, limits Limits) *Context {
	return &Context{
		Tier:    tier,
		PluginID: pluginID,
		Perms:   perms,
		Limits:  limits,
		db:      db,
		broker:  broker,
		bus:     bus,
		handles: map[uint64]*Buffer{},
	}
}

func (c *Context) putBuffer(b *Buffer) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.handles[id] = b
	return id
}

func (c *Context) getBuffer(handle uint64) (*Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.handles[handle]
	if !ok {
		return nil, apperrors.InvalidHandle(handle)
	}
	return b, nil
}

// TakeBuffer removes and returns handle's buffer, used by Execute to hand
// a module's return value back to the caller without leaking the context's
// internal table.
func (c *Context) TakeBuffer(handle uint64) (*Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.handles[handle]
	if !ok {
		return nil, apperrors.InvalidHandle(handle)
	}
	delete(c.handles, handle)
	return b, nil
}

// --- vfs.* capability surface ---

// CreateMemoryBuffer returns a handle to data. Under Restricted, and under
// Plugin without buffer:create, it returns an empty buffer handle instead
// of failing — the soft-denial §4.D specifies to keep modules pure.
func (c *Context) CreateMemoryBuffer(data []byte) uint64 {
	if c.Tier == policy.Restricted || (c.Tier == policy.Plugin && !c.Perms.Has(policy.PermBufferCreate)) {
		return c.putBuffer(NewEmptyBuffer())
	}
	return c.putBuffer(NewMemoryBuffer(data))
}

func (c *Context) requireFileRead() error {
	if c.Tier == policy.Restricted {
		return apperrors.PermissionDenied()
	}
	if c.Tier == policy.Plugin && !c.Perms.Has(policy.PermFileRead) {
		return apperrors.PermissionDenied()
	}
	return nil
}

// VFSOpen returns a handle wrapping an object reference (no data read yet).
func (c *Context) VFSOpen(uri string) (uint64, error) {
	if err := c.requireFileRead(); err != nil {
		return 0, err
	}
	normalized, err := vfs.Normalize(uri)
	if err != nil {
		return 0, err
	}
	return c.putBuffer(NewObjectBuffer(normalized)), nil
}

func (c *Context) VFSHead(ctx context.Context, uri string) (vfs.Head, error) {
	if err := c.requireFileRead(); err != nil {
		return vfs.Head{}, err
	}
	return c.broker.Head(ctx, uri)
}

func (c *Context) VFSList(ctx context.Context, prefix string) ([]vfs.Object, error) {
	if err := c.requireFileRead(); err != nil {
		return nil, err
	}
	return c.broker.List(ctx, prefix)
}

func (c *Context) VFSReadRange(ctx context.Context, uri string, offset int64, length int) ([]byte, error) {
	if err := c.requireFileRead(); err != nil {
		return nil, err
	}
	if length > c.Limits.MaxBufferReadLen {
		length = c.Limits.MaxBufferReadLen
	}
	return c.broker.ReadRange(ctx, uri, offset, int64(length))
}

// --- buffer.* capability surface ---

func (c *Context) BufferSize(handle uint64) (int64, error) {
	b, err := c.getBuffer(handle)
	if err != nil {
		return 0, err
	}
	return b.Size(), nil
}

// BufferRead clamps maxBytes to the context's cap, per §4.D.
func (c *Context) BufferRead(handle uint64, offset int64, maxBytes int) ([]byte, error) {
	b, err := c.getBuffer(handle)
	if err != nil {
		return nil, err
	}
	if maxBytes > c.Limits.MaxBufferReadLen {
		maxBytes = c.Limits.MaxBufferReadLen
	}
	return b.Read(offset, maxBytes)
}

func (c *Context) BufferWrite(handle uint64, data []byte) error {
	b, err := c.getBuffer(handle)
	if err != nil {
		return err
	}
	if c.Tier == policy.Plugin && !c.Perms.Has(policy.PermFileWrite) {
		return apperrors.PermissionDenied()
	}
	return b.Write(data)
}

func (c *Context) BufferDrop(handle uint64) {
	c.mu.Lock()
	b, ok := c.handles[handle]
	if ok {
		delete(c.handles, handle)
	}
	c.mu.Unlock()
	if ok {
		b.Drop()
	}
}

// --- sql.* capability surface ---

// SQLExecute runs a write statement through the gatekeeper's authorizer,
// requiring sql:write under Plugin.
func (c *Context) SQLExecute(ctx context.Context, stmt string, args ...any) error {
	if err := gatekeeper.Authorize(c.Tier, c.Perms, stmt, c.AllowedSQL); err != nil {
		return err
	}
	db, release, err := c.db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "executing plugin statement", err)
	}
	return nil
}

// SQLQueryJSON runs a read query through the authorizer and returns rows
// as a JSON array of objects.
func (c *Context) SQLQueryJSON(ctx context.Context, stmt string, args ...any) (string, error) {
	if err := gatekeeper.Authorize(c.Tier, c.Perms, stmt, c.AllowedSQL); err != nil {
		return "", err
	}
	db, release, err := c.db.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeStoreUnavailable, "querying plugin statement", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeStoreUnavailable, "reading columns", err)
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", apperrors.Wrap(apperrors.CodeStoreUnavailable, "scanning row", err)
		}
		row := map[string]any{}
		for i, col := range cols {
			row[col] = vals[i]
		}
		out = append(out, row)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeManifestInvalid, "encoding result", err)
	}
	return string(raw), nil
}

// --- http.* capability surface ---

// HTTPRequest issues an outbound request, subject to the context's allow
// rules. Only Root and Plugin tiers may call it.
func (c *Context) HTTPRequest(ctx context.Context, method, url string, headers map[string]string, bodyHandle uint64) (*http.Response, error) {
	if c.Tier == policy.Restricted {
		return nil, apperrors.PermissionDenied()
	}
	rule, err := c.matchHTTPRule(method, url, headers)
	if err != nil {
		return nil, err
	}

	var body []byte
	if bodyHandle != 0 {
		b, err := c.getBuffer(bodyHandle)
		if err != nil {
			return nil, err
		}
		body, err = b.Read(0, int(rule.MaxRequestBytes))
		if err != nil {
			return nil, err
		}
	}
	if int64(len(body)) > rule.MaxRequestBytes && rule.MaxRequestBytes > 0 {
		return nil, apperrors.RequestTooLarge(rule.MaxRequestBytes)
	}

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if !rule.FollowRedirects {
				return http.ErrUseLastResponse
			}
			return c.checkRedirect(req, via, rule)
		},
	}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, apperrors.InvalidURI(url)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidURI, "http request failed", err)
	}
	if rule.MaxResponseBytes > 0 && resp.ContentLength > rule.MaxResponseBytes {
		resp.Body.Close()
		return nil, apperrors.ResponseTooLarge(rule.MaxResponseBytes)
	}
	return resp, nil
}

func (c *Context) checkRedirect(req *http.Request, via []*http.Request, rule HTTPRule) error {
	if rule.RedirectPolicy == "same-origin" {
		prev := via[len(via)-1]
		if req.URL.Scheme != prev.URL.Scheme || req.URL.Host != prev.URL.Host {
			return apperrors.PermissionDenied()
		}
		return nil
	}
	if req.Method != http.MethodGet {
		return apperrors.PermissionDenied()
	}
	if _, err := c.matchHTTPRule(req.Method, req.URL.String(), nil); err != nil {
		return err
	}
	return nil
}

func (c *Context) matchHTTPRule(method, rawURL string, headers map[string]string) (HTTPRule, error) {
	for _, rule := range c.HTTPRules {
		if !strings.EqualFold(rule.Scheme, "") && !strings.Contains(rawURL, rule.Scheme+"://") {
			continue
		}
		if !ruleAllowsMethod(rule, method) {
			continue
		}
		if rule.PathPrefix != "" && !strings.Contains(rawURL, rule.PathPrefix) {
			continue
		}
		if !ruleAllowsHeaders(rule, headers) {
			continue
		}
		if rule.Host != "" && !strings.Contains(rawURL, rule.Host) {
			continue
		}
		return rule, nil
	}
	return HTTPRule{}, apperrors.PermissionDenied()
}

func ruleAllowsMethod(rule HTTPRule, method string) bool {
	if len(rule.Methods) == 0 {
		return true
	}
	for _, m := range rule.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func ruleAllowsHeaders(rule HTTPRule, headers map[string]string) bool {
	for k, v := range rule.Headers {
		if headers[k] != v {
			return false
		}
	}
	return true
}

// --- transcode.* capability surface ---

var disallowedArgPrefixes = []string{"pipe:", "http:", "https:"}

// TranscodeExecute resolves a binary for profile, spawns it with
// "-i <resolved input>" followed by the caller's (filtered) args, and
// returns a Pipe buffer over its stdout tied to the child's lifetime.
func (c *Context) TranscodeExecute(inputPath, profile string, args []string) (uint64, error) {
	if c.Tier == policy.Restricted {
		return 0, apperrors.PermissionDenied()
	}
	binary, err := resolveProfileBinary(profile)
	if err != nil {
		return 0, err
	}
	filtered, err := filterArgs(args)
	if err != nil {
		return 0, err
	}

	full := append([]string{"-i", inputPath}, filtered...)
	cmd := exec.Command(binary, full...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInvalidHandle, "opening transcode stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInvalidHandle, "starting transcode process", err)
	}
	buf := NewPipeBuffer(stdout, cmd, "video/mp4")
	return c.putBuffer(buf), nil
}

func filterArgs(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if strings.Contains(a, "://") {
			return nil, apperrors.ManifestInvalid("transcode argument must not reference a URI: " + a)
		}
		for _, prefix := range disallowedArgPrefixes {
			if strings.HasPrefix(a, prefix) {
				return nil, apperrors.ManifestInvalid("transcode argument uses a disallowed scheme: " + a)
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func resolveProfileBinary(profile string) (string, error) {
	switch profile {
	case "", "default":
		return "ffmpeg", nil
	default:
		return "", apperrors.NotFound("transcode profile", profile)
	}
}

// --- event_bus.* capability surface ---

// EventBusPublish tags event with plugin.{id} source, the current user
// context, a fresh event id, and wall-clock occurred_at, then publishes it.
func (c *Context) EventBusPublish(ctx context.Context, topic, payloadJSON string) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return apperrors.ManifestInvalid("event payload must be valid JSON")
	}
	evCtx := eventbus.Context{}
	if c.User != nil {
		evCtx.UserID = c.User.UserID
		evCtx.Username = c.User.Username
	}
	c.bus.Publish(ctx, eventbus.Event{
		ID:         uuid.NewString(),
		Topic:      topic,
		Source:     fmt.Sprintf("plugin.%s", c.PluginID),
		Payload:    payload,
		Context:    evCtx,
		OccurredAt: time.Now(),
	})
	return nil
}

// --- context.* capability surface ---

// CurrentUser returns the acting identity, or nil if there is none.
func (c *Context) CurrentUser() *User {
	return c.User
}
