// Package transport binds the sync engine's accept-record operation to the
// registry's HTTP API or its Kafka ingest topic.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	capturemodels "github.com/eduabjr/cartorio-sub002/internal/capture/models"
	registrymodels "github.com/eduabjr/cartorio-sub002/internal/registry/models"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/resilient"
)

// DefaultUserAgent identifies sync clients to the registry.
const DefaultUserAgent = "cartorio-sync/1.0"

const maxErrorBody = 512

// HTTPSender posts records to POST {baseURL}/v1/records.
type HTTPSender struct {
	endpoint  string
	client    *http.Client
	userAgent string
}

// HTTPOption configures an HTTPSender.
type HTTPOption func(*HTTPSender)

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(s *HTTPSender) {
		if client != nil {
			s.client = client
		}
	}
}

func WithUserAgent(ua string) HTTPOption {
	return func(s *HTTPSender) {
		if ua != "" {
			s.userAgent = ua
		}
	}
}

func NewHTTPSender(baseURL string, opts ...HTTPOption) (*HTTPSender, error) {
	if baseURL == "" {
		return nil, errors.New("registry base URL is required")
	}
	s := &HTTPSender{
		endpoint:  strings.TrimRight(baseURL, "/") + "/v1/records",
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Accept delivers record. 200 and 201 are success; other statuses are
// classified by resilient.FromStatus and transport errors are transient.
func (s *HTTPSender) Accept(ctx context.Context, record capturemodels.CapturedRecord) error {
	body, err := encodeRecord(record)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return resilient.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Idempotency-Key", record.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return resilient.Transient(fmt.Errorf("post record %s: %w", record.ID, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return resilient.FromStatus(resp.StatusCode, strings.TrimSpace(string(snippet)))
}

func encodeRecord(record capturemodels.CapturedRecord) ([]byte, error) {
	body, err := json.Marshal(registrymodels.AcceptRequest{
		ID:         record.ID,
		Kind:       record.Kind,
		Payload:    record.Payload,
		CapturedAt: record.CapturedAt,
	})
	if err != nil {
		return nil, resilient.Permanent(fmt.Errorf("encode record %s: %w", record.ID, err))
	}
	return body, nil
}
