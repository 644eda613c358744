// Package remote calls the sync service's per-entity REST endpoints. Used
// exclusively by the sync coordinator.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"notesync/pkg/domain"
)

// APIError represents a remote service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return e.Message }

// Client calls the remote CRUD endpoints over HTTP. Every call carries the
// bearer credential supplied by the auth collaborator.
type Client struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
}

// NewClient constructs a remote client. tokenFn may be nil for anonymous use.
func NewClient(baseURL string, tokenFn func() string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      tokenFn,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// CreatePage creates a page remotely and returns the canonical row.
func (c *Client) CreatePage(ctx context.Context, p domain.Page) (domain.Page, error) {
	var out domain.Page
	err := c.doJSON(ctx, http.MethodPost, "/pages", p, &out)
	return out, err
}

// UpdatePage applies a partial update and returns the canonical row.
func (c *Client) UpdatePage(ctx context.Context, id string, patch domain.PagePatch) (domain.Page, error) {
	var out domain.Page
	err := c.doJSON(ctx, http.MethodPut, "/pages/"+id, patch, &out)
	return out, err
}

// DeletePage removes a page remotely.
func (c *Client) DeletePage(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/pages/"+id, nil, nil)
}

// ListPages returns the authoritative page collection.
func (c *Client) ListPages(ctx context.Context) ([]domain.Page, error) {
	var out []domain.Page
	err := c.doJSON(ctx, http.MethodGet, "/pages", nil, &out)
	return out, err
}

// CreateBlock creates a block remotely and returns the canonical row.
func (c *Client) CreateBlock(ctx context.Context, b domain.Block) (domain.Block, error) {
	var out domain.Block
	err := c.doJSON(ctx, http.MethodPost, "/blocks", b, &out)
	return out, err
}

// UpdateBlock applies a partial update and returns the canonical row.
func (c *Client) UpdateBlock(ctx context.Context, id string, patch domain.BlockPatch) (domain.Block, error) {
	var out domain.Block
	err := c.doJSON(ctx, http.MethodPut, "/blocks/"+id, patch, &out)
	return out, err
}

// DeleteBlock removes a block remotely.
func (c *Client) DeleteBlock(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/blocks/"+id, nil, nil)
}

// ListBlocks returns the authoritative block collection for a page.
func (c *Client) ListBlocks(ctx context.Context, pageID string) ([]domain.Block, error) {
	var out []domain.Block
	err := c.doJSON(ctx, http.MethodGet, "/pages/"+pageID+"/blocks", nil, &out)
	return out, err
}

// CreateMessage pushes a chat message in the background batch path and
// returns the canonical row with its server message id set.
func (c *Client) CreateMessage(ctx context.Context, m domain.ChatMessage) (domain.ChatMessage, error) {
	var out domain.ChatMessage
	err := c.doJSON(ctx, http.MethodPost, "/messages", m, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != nil {
		if token := strings.TrimSpace(c.token()); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &domain.TransportError{
			Op:  method + " " + path,
			Err: &APIError{Status: resp.StatusCode, Message: msg},
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.TransportError{Op: method + " " + path, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
