// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package datacenterlocal

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

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/model"
)

const userAgent = "datacenter-local-client/4"

type (
	// Client talks to the datacenter-local REST API.
	Client struct {
		http    *retryablehttp.Client
		log     zerolog.Logger
		baseURL string
	}

	// APIError is the error body returned by the API.
	APIError struct {
		Status  int    `json:"-"`
		ID      string `json:"id"`
		Message string `json:"message"`
	}

	Region struct {
		ID          string `json:"id"`
		Description string `json:"description"`
	}

	Size struct {
		ID          string `json:"id"`
		Description string `json:"description"`
		VCPUs       int    `json:"vcpus"`
		Memory      int    `json:"memory"`
	}

	Subscription struct {
		ID             string `json:"id"`
		InstancesLimit int    `json:"instancesLimit"`
	}

	Image struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}

	Instance struct {
		ID     string            `json:"id"`
		Status model.ProxyStatus `json:"status"`
		Port   int               `json:"port"`
	}

	imageToCreate struct {
		ID          string             `json:"id"`
		Certificate *model.Certificate `json:"certificate,omitempty"`
	}

	instancesToCreate struct {
		IDs     []string `json:"ids"`
		Size    string   `json:"size"`
		ImageID string   `json:"imageId"`
	}

	instanceToRemove struct {
		ID    string `json:"id"`
		Force bool   `json:"force"`
	}
)

const ImageStatusReady = "READY"

// NewClient returns a client for the API at baseURL. Server errors and
// connection failures are retried up to retryMax times.
func NewClient(log zerolog.Logger, baseURL string, timeout time.Duration, retryMax int) *Client {
	return &Client{
		http:    connectors.NewRetryableClient(log, timeout, retryMax),
		log:     log,
		baseURL: strings.TrimSuffix(baseURL, "/") + "/",
	}
}

func (e *APIError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("datacenter-local: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("datacenter-local: %s: %s", e.ID, e.Message)
}

// IsNotFound reports whether err is a not-found answer of the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	return apiErr.Status == http.StatusNotFound || strings.HasSuffix(apiErr.ID, "_not_found")
}

func (c *Client) GetAllRegions(ctx context.Context) ([]Region, error) {
	var out []Region
	err := c.do(ctx, http.MethodGet, "regions", nil, &out)
	return out, err
}

func (c *Client) GetRegion(ctx context.Context, region string) (*Region, error) {
	out := &Region{}
	if err := c.do(ctx, http.MethodGet, join("regions", region), nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetAllRegionSizes(ctx context.Context, region string) ([]Size, error) {
	var out []Size
	err := c.do(ctx, http.MethodGet, join("regions", region, "sizes"), nil, &out)
	return out, err
}

func (c *Client) GetRegionSize(ctx context.Context, region, size string) (*Size, error) {
	out := &Size{}
	if err := c.do(ctx, http.MethodGet, join("regions", region, "sizes", size), nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	out := &Subscription{}
	if err := c.do(ctx, http.MethodGet, join("subscriptions", subscriptionID), nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateImage(ctx context.Context, subscriptionID, region, imageID string, cert *model.Certificate) (*Image, error) {
	out := &Image{}
	body := imageToCreate{ID: imageID, Certificate: cert}
	if err := c.do(ctx, http.MethodPost, join("subscriptions", subscriptionID, "regions", region, "images"), body, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetImage(ctx context.Context, subscriptionID, region, imageID string) (*Image, error) {
	out := &Image{}
	if err := c.do(ctx, http.MethodGet, join("subscriptions", subscriptionID, "regions", region, "images", imageID), nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RemoveImage(ctx context.Context, subscriptionID, region, imageID string) error {
	return c.do(ctx, http.MethodDelete, join("subscriptions", subscriptionID, "regions", region, "images", imageID), nil, nil)
}

func (c *Client) GetAllInstances(ctx context.Context, subscriptionID, region string) ([]Instance, error) {
	var out []Instance
	err := c.do(ctx, http.MethodGet, join("subscriptions", subscriptionID, "regions", region, "instances"), nil, &out)
	return out, err
}

func (c *Client) CreateInstances(ctx context.Context, subscriptionID, region string, ids []string, size, imageID string) ([]Instance, error) {
	var out []Instance
	body := instancesToCreate{IDs: ids, Size: size, ImageID: imageID}
	err := c.do(ctx, http.MethodPost, join("subscriptions", subscriptionID, "regions", region, "instances", "create"), body, &out)
	return out, err
}

func (c *Client) RemoveInstances(ctx context.Context, subscriptionID, region string, reqs []model.RemoveRequest) error {
	body := make([]instanceToRemove, len(reqs))
	for i, r := range reqs {
		body[i] = instanceToRemove{ID: r.Key, Force: r.Force}
	}

	return c.do(ctx, http.MethodPost, join("subscriptions", subscriptionID, "regions", region, "instances", "remove"), body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Transient(fmt.Errorf("datacenter-local %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}

	return nil
}

func join(parts ...string) string {
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
