package futures_api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Future is one instrument record of the watchlist.
type Future struct {
	ID            string  `json:"id"`
	Symbol        string  `json:"symbol"`
	PricePerPoint float64 `json:"price_per_point"`
}

// FutureInput is the body of create and update calls. Nil fields are left
// unchanged by an update.
type FutureInput struct {
	Symbol        *string  `json:"symbol,omitempty"`
	PricePerPoint *float64 `json:"price_per_point,omitempty"`
}

type batchDeleteRequest struct {
	IDs []string `json:"ids"`
}

// ListFutures returns every instrument. GET /futures
func (c *Client) ListFutures(ctx context.Context) ([]Future, error) {
	var futures []Future
	if err := c.doRequest(ctx, http.MethodGet, "/futures", nil, nil, &futures); err != nil {
		return nil, fmt.Errorf("ListFutures: %w", err)
	}
	if futures == nil {
		futures = []Future{}
	}
	return futures, nil
}

// GetFuture returns one instrument. GET /futures/{id}
func (c *Client) GetFuture(ctx context.Context, id string) (*Future, error) {
	if id == "" {
		return nil, errors.New("GetFuture: id cannot be empty")
	}
	var future Future
	if err := c.doRequest(ctx, http.MethodGet, "/futures/"+url.PathEscape(id), nil, nil, &future); err != nil {
		return nil, fmt.Errorf("GetFuture %s: %w", id, err)
	}
	return &future, nil
}

// CreateFuture adds an instrument. POST /futures
func (c *Client) CreateFuture(ctx context.Context, in FutureInput) (*Future, error) {
	if in.Symbol == nil || *in.Symbol == "" {
		return nil, errors.New("CreateFuture: symbol is required")
	}
	if in.PricePerPoint == nil {
		return nil, errors.New("CreateFuture: price_per_point is required")
	}
	var future Future
	if err := c.doRequest(ctx, http.MethodPost, "/futures", nil, in, &future); err != nil {
		return nil, fmt.Errorf("CreateFuture: %w", err)
	}
	return &future, nil
}

// UpdateFuture changes the given fields of an instrument. PUT /futures/{id}
func (c *Client) UpdateFuture(ctx context.Context, id string, in FutureInput) (*Future, error) {
	if id == "" {
		return nil, errors.New("UpdateFuture: id cannot be empty")
	}
	var future Future
	if err := c.doRequest(ctx, http.MethodPut, "/futures/"+url.PathEscape(id), nil, in, &future); err != nil {
		return nil, fmt.Errorf("UpdateFuture %s: %w", id, err)
	}
	return &future, nil
}

// DeleteFuture removes an instrument. DELETE /futures/{id}
func (c *Client) DeleteFuture(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("DeleteFuture: id cannot be empty")
	}
	if err := c.doRequest(ctx, http.MethodDelete, "/futures/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return fmt.Errorf("DeleteFuture %s: %w", id, err)
	}
	return nil
}

// DeleteFutures removes several instruments at once. POST /futures/batch-delete
func (c *Client) DeleteFutures(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.doRequest(ctx, http.MethodPost, "/futures/batch-delete", nil, batchDeleteRequest{IDs: ids}, nil); err != nil {
		return fmt.Errorf("DeleteFutures: %w", err)
	}
	return nil
}

// SearchFutures filters instruments by keyword. GET /futures/search?keyword=
func (c *Client) SearchFutures(ctx context.Context, keyword string) ([]Future, error) {
	var futures []Future
	query := url.Values{}
	query.Set("keyword", keyword)
	if err := c.doRequest(ctx, http.MethodGet, "/futures/search", query, nil, &futures); err != nil {
		return nil, fmt.Errorf("SearchFutures %q: %w", keyword, err)
	}
	if futures == nil {
		futures = []Future{}
	}
	return futures, nil
}
