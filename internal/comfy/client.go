// Package comfy is the generation protocol client: asset upload, prompt
// submission, dual-channel completion await, and artifact download against
// one worker's ComfyUI instance.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/x121ai/podbatch/internal/model"
)

// Client talks to one ComfyUI instance. Each worker loop owns exactly one.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	pollInterval time.Duration
	messageWait  time.Duration
	log          *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPollInterval sets the completion-status polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithMessageWait sets the bounded per-message wait on the streaming
// channel before the idempotent completion check runs.
func WithMessageWait(d time.Duration) Option {
	return func(c *Client) { c.messageWait = d }
}

// NewClient creates a generation protocol client for the given base URL.
func NewClient(baseURL string, log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		baseURL:      baseURL,
		pollInterval: 5 * time.Second,
		messageWait:  7 * time.Second,
		log:          log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service endpoint this client is bound to.
func (c *Client) BaseURL() string { return c.baseURL }

// IsAlive reports whether the service answers its health endpoint.
func (c *Client) IsAlive(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// UploadImage uploads a seed image and returns the canonical stored name
// the service assigned (may differ from the requested name).
func (c *Client) UploadImage(ctx context.Context, localPath, name string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening seed %s: %w", localPath, err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", name)
	if err != nil {
		return "", fmt.Errorf("building upload form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("reading seed %s: %w", localPath, err)
	}
	if err := writer.WriteField("overwrite", "true"); err != nil {
		return "", fmt.Errorf("building upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("building upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	respBody, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("uploading seed: %w", err)
	}

	var result struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || result.Name == "" {
		return name, nil
	}
	return result.Name, nil
}

// QueuePrompt submits a workflow graph under a correlation id and returns
// the request id. Per-node error detail from a rejected graph is surfaced
// in the returned error.
func (c *Client) QueuePrompt(ctx context.Context, graph Graph, clientID string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"prompt":    graph,
		"client_id": clientID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		detail := string(respBody)
		var errJSON struct {
			NodeErrors map[string]json.RawMessage `json:"node_errors"`
		}
		if json.Unmarshal(respBody, &errJSON) == nil && len(errJSON.NodeErrors) > 0 {
			for nodeID, nodeErr := range errJSON.NodeErrors {
				c.log.Error("node error", "node", nodeID, "error", string(nodeErr))
			}
		}
		return "", fmt.Errorf("queueing prompt: %w", &model.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Body:       detail,
		})
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.PromptID, nil
}

// History returns the execution record for a request id, or nil when the
// service has no record yet. This is the idempotent completion query both
// await channels share.
func (c *Client) History(ctx context.Context, promptID string) (*History, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	respBody, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}

	var entries map[string]*History
	if err := json.Unmarshal(respBody, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return entries[promptID], nil
}

// Download streams one output artifact to dest.
func (c *Client) Download(ctx context.Context, file OutputFile, dest string) error {
	params := url.Values{}
	params.Set("filename", file.Filename)
	params.Set("subfolder", file.Subfolder)
	params.Set("type", file.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("downloading %s: %w", file.Filename, &model.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
		})
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(dest)
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	return nil
}

// ClearQueue drops any queued prompts on the worker. Called during batch
// teardown; failures are the caller's to log, not escalate.
func (c *Client) ClearQueue(ctx context.Context) error {
	payload := []byte(`{"clear": true}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/queue", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if _, err := c.do(req); err != nil {
		return fmt.Errorf("clearing queue: %w", err)
	}
	return nil
}

// do executes a request and returns the body of a 2xx response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &model.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
