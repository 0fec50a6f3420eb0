// Package remote applies queued mutations to an HTTP backend.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"goflare.io/depot/internal/models"
)

var ErrBaseURLRequired = errors.New("remote base url is required")

// StatusError is a non-2xx response from the remote.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// HTTPConfig configures an HTTP applier.
type HTTPConfig struct {
	BaseURL     string
	ContentType string
	Client      *http.Client
	Logger      *zap.Logger
}

// HTTP sends each entry to {BaseURL}/{collection}: create as POST, update as
// PUT and delete as DELETE, with the entry payload as the request body.
type HTTP struct {
	base        *url.URL
	contentType string
	client      *http.Client
	logger      *zap.Logger
}

// NewHTTP validates cfg and returns an applier.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, ErrBaseURLRequired
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse remote base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported remote scheme %q", base.Scheme)
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &HTTP{
		base:        base,
		contentType: cfg.ContentType,
		client:      cfg.Client,
		logger:      cfg.Logger.Named("remote"),
	}, nil
}

func method(op models.Operation) (string, error) {
	switch op {
	case models.OperationCreate:
		return http.MethodPost, nil
	case models.OperationUpdate:
		return http.MethodPut, nil
	case models.OperationDelete:
		return http.MethodDelete, nil
	}
	return "", fmt.Errorf("%w: %q", models.ErrInvalidOperation, op)
}

// Apply performs one request. Any 2xx status is success.
func (h *HTTP) Apply(ctx context.Context, entry models.QueueEntry) error {
	m, err := method(entry.Operation)
	if err != nil {
		return err
	}
	target := h.base.JoinPath(entry.Collection).String()

	req, err := http.NewRequestWithContext(ctx, m, target, bytes.NewReader(entry.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", h.contentType)
	req.Header.Set("Idempotency-Key", entry.ID)

	res, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", m, target, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &StatusError{Method: m, URL: target, Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, res.Body)

	h.logger.Debug("Applied queued mutation",
		zap.String("id", entry.ID),
		zap.String("method", m),
		zap.String("url", target),
		zap.Int("status", res.StatusCode),
	)
	return nil
}
