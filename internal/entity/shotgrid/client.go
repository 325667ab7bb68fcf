// Package shotgrid implements entity.Store over the ShotGrid REST API.
//
// Authentication uses the site's OAuth2 token endpoint
// (/api/v1.1/auth/access_token), either with script credentials
// (client_credentials grant) or a user login (password grant). Tokens are
// refreshed transparently by golang.org/x/oauth2.
//
// Entity records arrive in JSON:API form; attributes and relationships are
// flattened into entity.Entity.Fields so callers see the same shape the
// SQLite store produces.
package shotgrid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mschirtzinger/p4sync/internal/entity"
)

const (
	apiPrefix = "/api/v1.1"

	// pageSize is the largest page the REST API serves.
	pageSize = 500

	contentJSON      = "application/json"
	contentArrayJSON = "application/vnd+shotgun.api3_array+json"
)

// Config holds the site URL and credentials.
type Config struct {
	// URL is the site, e.g. https://studio.shotgrid.autodesk.com
	URL string

	// ScriptName and APIKey authenticate as an API script
	ScriptName string
	APIKey     string

	// Login and Password authenticate as a user when no script is configured
	Login    string
	Password string

	// Timeout bounds every request (0 = rely on ctx only)
	Timeout time.Duration

	// HTTPClient is the base client (optional)
	HTTPClient *http.Client
}

// Client is a ShotGrid entity store.
type Client struct {
	site string
	base string
	auth *http.Client
	raw  *http.Client
}

var _ entity.Store = (*Client)(nil)

// New authenticates against the site and returns a Client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("shotgrid: site url is required")
	}

	raw := cfg.HTTPClient
	if raw == nil {
		raw = &http.Client{}
	}
	if cfg.Timeout > 0 {
		copied := *raw
		copied.Timeout = cfg.Timeout
		raw = &copied
	}

	site := strings.TrimRight(cfg.URL, "/")
	c := &Client{site: site, base: site + apiPrefix, raw: raw}
	tokenURL := c.base + "/auth/access_token"

	// The token source outlives ctx, so it gets its own context carrying
	// only the base client.
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, raw)

	switch {
	case cfg.ScriptName != "":
		cc := &clientcredentials.Config{
			ClientID:     cfg.ScriptName,
			ClientSecret: cfg.APIKey,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		if _, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, raw)); err != nil {
			return nil, fmt.Errorf("failed to authenticate script %s: %w", cfg.ScriptName, classifyTransport(err))
		}
		c.auth = cc.Client(tokenCtx)

	case cfg.Login != "":
		oc := &oauth2.Config{
			Endpoint: oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
		}
		tok, err := oc.PasswordCredentialsToken(context.WithValue(ctx, oauth2.HTTPClient, raw), cfg.Login, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to authenticate user %s: %w", cfg.Login, classifyTransport(err))
		}
		c.auth = oc.Client(tokenCtx, tok)

	default:
		return nil, fmt.Errorf("shotgrid: either script_name/api_key or login/password is required")
	}

	return c, nil
}

// Close implements io.Closer. The REST client holds no connection state.
func (c *Client) Close() error {
	return nil
}

// ===================
// Wire types
// ===================

type record struct {
	Type          string                  `json:"type"`
	ID            int                     `json:"id"`
	Attributes    map[string]any          `json:"attributes"`
	Relationships map[string]relationship `json:"relationships"`
}

type relationship struct {
	Data any `json:"data"`
}

func (r *record) toEntity() entity.Entity {
	fields := make(map[string]any, len(r.Attributes)+len(r.Relationships))
	for k, v := range r.Attributes {
		fields[k] = entity.Normalize(v)
	}
	for k, rel := range r.Relationships {
		fields[k] = entity.Normalize(rel.Data)
	}
	return entity.Entity{Type: r.Type, ID: r.ID, Fields: fields}
}

type searchRequest struct {
	Filters [][]any        `json:"filters"`
	Fields  []string       `json:"fields"`
	Sort    string         `json:"sort,omitempty"`
	Page    map[string]int `json:"page"`
}

type apiError struct {
	Errors []struct {
		Status int    `json:"status"`
		Code   int    `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// ===================
// entity.Store
// ===================

// FindOne implements entity.Store.
func (c *Client) FindOne(ctx context.Context, entityType string, filters []entity.Filter, opts entity.FindOptions) (*entity.Entity, error) {
	opts.Limit = 1
	found, err := c.Find(ctx, entityType, filters, opts)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

// Find implements entity.Store. Results are paged until exhausted or Limit
// is reached.
func (c *Client) Find(ctx context.Context, entityType string, filters []entity.Filter, opts entity.FindOptions) ([]entity.Entity, error) {
	wireFilters, err := encodeFilters(filters)
	if err != nil {
		return nil, err
	}

	fields := opts.Fields
	if len(fields) == 0 {
		fields = []string{"*"}
	}

	size := pageSize
	if opts.Limit > 0 && opts.Limit < size {
		size = opts.Limit
	}

	req := searchRequest{
		Filters: wireFilters,
		Fields:  fields,
		Sort:    encodeSort(opts.Order),
	}

	var result []entity.Entity
	for page := 1; ; page++ {
		req.Page = map[string]int{"size": size, "number": page}

		var resp struct {
			Data []record `json:"data"`
		}
		path := "/entity/" + url.PathEscape(entityType) + "/_search"
		if err := c.do(ctx, http.MethodPost, path, contentArrayJSON, req, &resp); err != nil {
			return nil, fmt.Errorf("failed to search %s: %w", entityType, err)
		}

		for i := range resp.Data {
			result = append(result, resp.Data[i].toEntity())
			if opts.Limit > 0 && len(result) >= opts.Limit {
				return result, nil
			}
		}
		if len(resp.Data) < size {
			return result, nil
		}
	}
}

// Create implements entity.Store.
func (c *Client) Create(ctx context.Context, entityType string, data map[string]any) (*entity.Entity, error) {
	var resp struct {
		Data record `json:"data"`
	}
	path := "/entity/" + url.PathEscape(entityType) + "?options[fields]=*"
	if err := c.do(ctx, http.MethodPost, path, contentJSON, data, &resp); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", entityType, err)
	}
	e := resp.Data.toEntity()
	return &e, nil
}

// Update implements entity.Store.
func (c *Client) Update(ctx context.Context, entityType string, id int, data map[string]any) (*entity.Entity, error) {
	var resp struct {
		Data record `json:"data"`
	}
	path := "/entity/" + url.PathEscape(entityType) + "/" + strconv.Itoa(id) + "?options[fields]=*"
	if err := c.do(ctx, http.MethodPut, path, contentJSON, data, &resp); err != nil {
		return nil, fmt.Errorf("failed to update %s %d: %w", entityType, id, err)
	}
	e := resp.Data.toEntity()
	return &e, nil
}

// Delete implements entity.Store.
func (c *Client) Delete(ctx context.Context, entityType string, id int) (bool, error) {
	path := "/entity/" + url.PathEscape(entityType) + "/" + strconv.Itoa(id)
	err := c.do(ctx, http.MethodDelete, path, "", nil, nil)
	if entity.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete %s %d: %w", entityType, id, err)
	}
	return true, nil
}

// Batch implements entity.Store. The API runs the requests in one
// transaction.
func (c *Client) Batch(ctx context.Context, reqs []entity.BatchRequest) ([]entity.Entity, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	wire := make([]map[string]any, len(reqs))
	for i, r := range reqs {
		item := map[string]any{
			"request_type": string(r.Kind),
			"entity":       r.EntityType,
		}
		if r.Kind != entity.BatchCreate {
			item["record_id"] = r.ID
		}
		if r.Kind != entity.BatchDelete {
			item["data"] = r.Data
		}
		wire[i] = item
	}

	var resp struct {
		Data []json.RawMessage `json:"data"`
	}
	body := map[string]any{"requests": wire}
	if err := c.do(ctx, http.MethodPost, "/entity/_batch", contentJSON, body, &resp); err != nil {
		return nil, fmt.Errorf("failed to run batch of %d: %w", len(reqs), err)
	}
	if len(resp.Data) != len(reqs) {
		return nil, fmt.Errorf("batch returned %d results for %d requests", len(resp.Data), len(reqs))
	}

	results := make([]entity.Entity, len(reqs))
	for i, r := range reqs {
		if r.Kind == entity.BatchDelete {
			results[i] = entity.Entity{Type: r.EntityType, ID: r.ID}
			continue
		}
		var rec record
		if err := decodeJSON(resp.Data[i], &rec); err != nil {
			return nil, fmt.Errorf("failed to decode batch result %d: %w", i, err)
		}
		results[i] = rec.toEntity()
	}
	return results, nil
}

// Upload implements entity.Store using the three-step upload flow: request
// an upload URL, PUT the bytes, then complete the upload on the entity field.
func (c *Client) Upload(ctx context.Context, entityType string, id int, filePath, field string) error {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read upload %s: %w", filePath, err)
	}
	name := filepath.Base(filePath)

	var start struct {
		Data  map[string]any `json:"data"`
		Links struct {
			Upload         string `json:"upload"`
			CompleteUpload string `json:"complete_upload"`
		} `json:"links"`
	}
	path := fmt.Sprintf("/entity/%s/%d/%s/_upload?filename=%s",
		url.PathEscape(entityType), id, url.PathEscape(field), url.QueryEscape(name))
	if err := c.do(ctx, http.MethodGet, path, "", nil, &start); err != nil {
		return fmt.Errorf("failed to start upload of %s: %w", name, err)
	}

	if err := c.put(ctx, start.Links.Upload, content); err != nil {
		return fmt.Errorf("failed to upload %s: %w", name, err)
	}

	complete := map[string]any{
		"upload_info": start.Data,
		"upload_data": map[string]any{"display_name": name},
	}
	if err := c.do(ctx, http.MethodPost, c.relative(start.Links.CompleteUpload), contentJSON, complete, nil); err != nil {
		return fmt.Errorf("failed to complete upload of %s: %w", name, err)
	}
	return nil
}

// FieldSchema implements entity.Store.
func (c *Client) FieldSchema(ctx context.Context, entityType, field string) (*entity.Field, error) {
	var resp struct {
		Data struct {
			DataType struct {
				Value string `json:"value"`
			} `json:"data_type"`
			Properties struct {
				ValidTypes struct {
					Value []string `json:"value"`
				} `json:"valid_types"`
			} `json:"properties"`
		} `json:"data"`
	}

	path := "/schema/" + url.PathEscape(entityType) + "/fields/" + url.PathEscape(field)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to read schema for %s.%s: %w", entityType, field, err)
	}

	return &entity.Field{
		Name:       field,
		DataType:   resp.Data.DataType.Value,
		ValidTypes: resp.Data.Properties.ValidTypes.Value,
	}, nil
}

// ===================
// HTTP plumbing
// ===================

// do sends an authenticated API request. path is relative to /api/v1.1.
func (c *Client) do(ctx context.Context, method, path, contentType string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", contentJSON)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.auth.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", entity.ErrConnection, err)
	}

	if resp.StatusCode >= 400 {
		return statusError(resp.StatusCode, data)
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := decodeJSON(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// put uploads bytes to the storage URL handed out by the API. Storage URLs
// on other hosts are presigned and must not carry the API bearer token.
func (c *Client) put(ctx context.Context, target string, content []byte) error {
	client := c.raw
	if strings.HasPrefix(target, "/") {
		target = c.site + target
		client = c.auth
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return statusError(resp.StatusCode, data)
	}
	return nil
}

// relative strips the API prefix from a link the API returned.
func (c *Client) relative(link string) string {
	link = strings.TrimPrefix(link, c.site)
	return strings.TrimPrefix(link, apiPrefix)
}

func decodeJSON(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

// ===================
// Encoding
// ===================

func encodeFilters(filters []entity.Filter) ([][]any, error) {
	wire := make([][]any, 0, len(filters))
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
		wire = append(wire, []any{f.Field, string(f.Op), encodeValue(f.Value)})
	}
	return wire, nil
}

// encodeValue strips display names from references; filters match on
// type and id only.
func encodeValue(v any) any {
	if r, ok := v.(entity.Ref); ok {
		return map[string]any{"type": r.Type, "id": r.ID}
	}
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = encodeValue(item)
		}
		return out
	}
	return v
}

func encodeSort(orders []entity.Order) string {
	if len(orders) == 0 {
		return "id"
	}
	parts := make([]string, len(orders))
	for i, o := range orders {
		if o.Desc {
			parts[i] = "-" + o.Field
		} else {
			parts[i] = o.Field
		}
	}
	return strings.Join(parts, ",")
}

// ===================
// Error classification
// ===================

func statusError(status int, body []byte) error {
	msg := http.StatusText(status)
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && len(apiErr.Errors) > 0 {
		e := apiErr.Errors[0]
		msg = e.Title
		if e.Detail != "" {
			msg += ": " + e.Detail
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", entity.ErrAuth, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", entity.ErrNotFound, msg)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", entity.ErrTimeout, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %d %s", entity.ErrConnection, status, msg)
	}
	return fmt.Errorf("shotgrid: %d %s", status, msg)
}

// classifyTransport maps client-side failures (including token fetches)
// onto the entity error taxonomy.
func classifyTransport(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", entity.ErrConnection, err)
		}
		return fmt.Errorf("%w: %v", entity.ErrAuth, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", entity.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", entity.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", entity.ErrConnection, err)
}
