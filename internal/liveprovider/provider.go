// Package liveprovider talks to the external live-video provider: it allocates
// ingest endpoints for upcoming sessions and exposes recorded assets afterwards.
package liveprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRejected indicates the provider explicitly refused the request (quota,
// invalid session, plan limits). Not retryable; callers persist it as a failure.
var ErrRejected = errors.New("provider rejected request")

// Endpoint is an allocated live-ingest target.
type Endpoint struct {
	Ref               string `json:"endpoint_ref"`
	IngestURL         string `json:"ingest_url"`
	IngestCredentials string `json:"ingest_credentials"`
}

// RecordingStatus is the outcome of a recording poll.
type RecordingStatus string

const (
	RecordingStatusReady   RecordingStatus = "ready"
	RecordingStatusPending RecordingStatus = "pending"
)

// AllocateMetadata is passed to the provider when requesting an endpoint.
type AllocateMetadata struct {
	Title       string    `json:"title"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Client is the HTTP client for the live endpoint provider API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	signer  *IngestTokenSigner
	logger  *zap.Logger
}

// NewClient creates a provider client. The signer mints ingest credential tokens
// for allocated endpoints; pass nil to use the provider-returned credentials as-is.
func NewClient(baseURL, apiKey string, signer *IngestTokenSigner, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		signer:  signer,
		logger:  logger,
	}
}

type allocateRequest struct {
	SessionID uuid.UUID        `json:"session_id"`
	Metadata  AllocateMetadata `json:"metadata"`
}

// Allocate requests a live-ingest endpoint for a session. The session id doubles
// as the provider-side idempotency key, so a retried allocation after a lost
// response returns the endpoint created by the first attempt instead of a new one.
func (c *Client) Allocate(ctx context.Context, sessionID uuid.UUID, meta AllocateMetadata) (*Endpoint, error) {
	body, err := json.Marshal(allocateRequest{SessionID: sessionID, Metadata: meta})
	if err != nil {
		return nil, fmt.Errorf("marshal allocate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/endpoints", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sessionID.String())
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("allocate endpoint: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, msg)
	default:
		return nil, fmt.Errorf("allocate endpoint: status %d", resp.StatusCode)
	}

	var ep Endpoint
	if err := json.NewDecoder(resp.Body).Decode(&ep); err != nil {
		return nil, fmt.Errorf("decode endpoint: %w", err)
	}
	if c.signer != nil {
		token, err := c.signer.Sign(sessionID, ep.Ref)
		if err != nil {
			return nil, fmt.Errorf("sign ingest token: %w", err)
		}
		ep.IngestCredentials = token
	}
	c.logger.Debug("endpoint allocated",
		zap.String("session_id", sessionID.String()), zap.String("endpoint_ref", ep.Ref))
	return &ep, nil
}

type recordingResponse struct {
	Status       RecordingStatus `json:"status"`
	RecordingRef string          `json:"recording_ref"`
}

// PollRecording asks the provider whether the recording for an endpoint is ready.
func (c *Client) PollRecording(ctx context.Context, endpointRef string) (RecordingStatus, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/endpoints/"+endpointRef+"/recording", nil)
	if err != nil {
		return "", "", fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("poll recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("poll recording: status %d", resp.StatusCode)
	}

	var out recordingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode recording status: %w", err)
	}
	return out.Status, out.RecordingRef, nil
}

// FetchRecording opens a streaming download of a recorded asset.
// The caller must close the returned body.
func (c *Client) FetchRecording(ctx context.Context, recordingRef string) (io.ReadCloser, string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/recordings/"+recordingRef+"/download", nil)
	if err != nil {
		return nil, "", 0, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", 0, fmt.Errorf("fetch recording: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", 0, fmt.Errorf("fetch recording: status %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	return resp.Body, contentType, resp.ContentLength, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
