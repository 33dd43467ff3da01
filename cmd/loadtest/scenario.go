package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	sessionHeader = "X-Session-ID"
	countryHeader = "X-Country-Code"
)

type variantRef struct {
	ID                string `json:"id"`
	ManageInventory   bool   `json:"manage_inventory"`
	AllowBackorder    bool   `json:"allow_backorder"`
	InventoryQuantity int    `json:"inventory_quantity"`
}

func (v variantRef) purchasable() bool {
	return !v.ManageInventory || v.AllowBackorder || v.InventoryQuantity > 0
}

type productRef struct {
	ID       string       `json:"id"`
	Variants []variantRef `json:"variants"`
}

type productListResponse struct {
	Products []struct {
		Product productRef `json:"product"`
	} `json:"products"`
}

type cartResponse struct {
	Cart struct {
		ID    string `json:"id"`
		Items []struct {
			ID        string `json:"id"`
			VariantID string `json:"variant_id"`
			Quantity  int    `json:"quantity"`
		} `json:"items"`
	} `json:"cart"`
}

// statusError — ответ API с кодом вне 2xx.
type statusError struct {
	step   string
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.step, e.status)
}

// storefrontClient ходит в JSON API витрины от имени одной сессии.
type storefrontClient struct {
	baseURL   string
	http      *http.Client
	timeout   time.Duration
	country   string
	sessionID string
	col       *collector
}

func newStorefrontClient(cfg config, httpClient *http.Client, col *collector) *storefrontClient {
	return &storefrontClient{
		baseURL:   strings.TrimRight(cfg.baseURL, "/"),
		http:      httpClient,
		timeout:   cfg.timeout,
		country:   cfg.country,
		sessionID: uuid.NewString(),
		col:       col,
	}
}

// call выполняет запрос шага и декодирует JSON-ответ в out.
func (c *storefrontClient) call(ctx context.Context, step, method, path string, body, out any) error {
	started := time.Now()
	status, err := c.do(ctx, step, method, path, body, out)
	c.col.record(step, time.Since(started), status, err == nil)
	return err
}

func (c *storefrontClient) do(ctx context.Context, step, method, path string, body, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%s: encode body: %w", step, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", step, err)
	}
	req.Header.Set(sessionHeader, c.sessionID)
	if c.country != "" {
		req.Header.Set(countryHeader, c.country)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", step, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, &statusError{step: step, status: resp.StatusCode}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%s: decode response: %w", step, err)
	}
	return resp.StatusCode, nil
}

// runScenario проходит сценарий витрины новой сессией. index выбирает товар
// и вариант, чтобы нагрузка распределялась по каталогу.
func runScenario(ctx context.Context, client *storefrontClient, cfg config, index int) (err error) {
	started := time.Now()
	defer func() {
		status := http.StatusOK
		var se *statusError
		switch {
		case errors.As(err, &se):
			status = se.status
		case err != nil:
			status = 0
		}
		client.col.record(scenarioStep, time.Since(started), status, err == nil)
	}()

	var list productListResponse
	if err := client.call(ctx, "ListProducts", http.MethodGet, "/api/products?limit=20", nil, &list); err != nil {
		return err
	}
	if len(list.Products) == 0 {
		return errors.New("ListProducts: catalog is empty")
	}
	product := list.Products[index%len(list.Products)].Product

	if err := client.call(ctx, "GetProduct", http.MethodGet, "/api/products/"+url.PathEscape(product.ID), nil, nil); err != nil {
		return err
	}
	if cfg.mode == modeBrowse {
		return nil
	}

	candidates := make([]variantRef, 0, len(product.Variants))
	for _, v := range product.Variants {
		if v.purchasable() {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return fmt.Errorf("product %s has no purchasable variants", product.ID)
	}
	variant := candidates[index%len(candidates)]

	var added cartResponse
	err = client.call(ctx, "AddLineItem", http.MethodPost, "/api/cart/items", map[string]any{
		"product_id": product.ID,
		"variant_id": variant.ID,
		"quantity":   1,
	}, &added)
	if err != nil {
		return err
	}
	if cfg.mode == modeAdd {
		return nil
	}

	lineID := ""
	for _, item := range added.Cart.Items {
		if item.VariantID == variant.ID {
			lineID = item.ID
			break
		}
	}
	if lineID == "" {
		return fmt.Errorf("AddLineItem: line for variant %s not found in cart", variant.ID)
	}
	linePath := "/api/cart/items/" + url.PathEscape(lineID)

	if err := client.call(ctx, "Increment", http.MethodPost, linePath+"/increment", nil, nil); err != nil {
		return err
	}
	if err := client.call(ctx, "Decrement", http.MethodPost, linePath+"/decrement", nil, nil); err != nil {
		return err
	}
	return client.call(ctx, "RemoveLineItem", http.MethodDelete, linePath, nil, nil)
}
