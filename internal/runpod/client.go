// Package runpod is the control-plane client for ephemeral GPU pods. It
// speaks the RunPod GraphQL API over plain HTTP POST.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/x121ai/podbatch/internal/config"
	"github.com/x121ai/podbatch/internal/model"
)

// ControlPlane is the worker lifecycle contract the orchestrator depends
// on. Implementations must tolerate a pod not being visible immediately
// after Create.
type ControlPlane interface {
	Create(ctx context.Context, name string) (model.WorkerInfo, error)
	Get(ctx context.Context, podID string) (model.WorkerInfo, error)
	Resume(ctx context.Context, podID string) error
	Stop(ctx context.Context, podID string) error
	Terminate(ctx context.Context, podID string) error
	ProxyURL(podID string) string
}

// Client implements ControlPlane against the RunPod GraphQL endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	pod        config.PodConfig
	log        *slog.Logger
}

// NewClient creates a new control-plane client.
func NewClient(cfg *config.RunPodConfig, pod config.PodConfig, log *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		pod:        pod,
		log:        log,
	}
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type podPayload struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DesiredStatus string `json:"desiredStatus"`
	Runtime       *struct {
		UptimeInSeconds int `json:"uptimeInSeconds"`
		Ports           []struct {
			IP          string `json:"ip"`
			IsIPPublic  bool   `json:"isIpPublic"`
			PrivatePort int    `json:"privatePort"`
			PublicPort  int    `json:"publicPort"`
			Type        string `json:"type"`
		} `json:"ports"`
	} `json:"runtime"`
}

func (p podPayload) toWorkerInfo() model.WorkerInfo {
	info := model.WorkerInfo{
		ID:            p.ID,
		Name:          p.Name,
		DesiredStatus: p.DesiredStatus,
	}
	if p.Runtime == nil {
		return info
	}
	info.Uptime = p.Runtime.UptimeInSeconds
	for _, port := range p.Runtime.Ports {
		if port.PrivatePort == 22 && port.IsIPPublic {
			info.SSHHost = port.IP
			info.SSHPort = strconv.Itoa(port.PublicPort)
			break
		}
	}
	return info
}

// Create deploys a new on-demand pod from the configured spec.
func (c *Client) Create(ctx context.Context, name string) (model.WorkerInfo, error) {
	mutation := fmt.Sprintf(`mutation {
		podFindAndDeployOnDemand(input: {
			name: %q
			imageName: %q
			gpuTypeId: %q
			gpuCount: %d
			containerDiskInGb: %d
			volumeInGb: 0
			networkVolumeId: %q
			ports: %q
			dataCenterId: %q
		}) { id name desiredStatus }
	}`, name, c.pod.Image, c.pod.GPUType, c.pod.GPUCount, c.pod.DiskGB,
		c.pod.NetworkVolumeID, c.pod.Ports, c.pod.DataCenter)

	var data struct {
		Pod podPayload `json:"podFindAndDeployOnDemand"`
	}
	if err := c.query(ctx, mutation, &data); err != nil {
		return model.WorkerInfo{}, fmt.Errorf("creating pod: %w", err)
	}
	c.log.Info("pod created", "pod_id", data.Pod.ID, "name", name)
	return data.Pod.toWorkerInfo(), nil
}

// Get fetches the current status and runtime info for a pod. A pod the
// API does not know yet (just created) reports as not found.
func (c *Client) Get(ctx context.Context, podID string) (model.WorkerInfo, error) {
	query := fmt.Sprintf(`query {
		pod(input: {podId: %q}) {
			id name desiredStatus
			runtime {
				uptimeInSeconds
				ports { ip isIpPublic privatePort publicPort type }
			}
		}
	}`, podID)

	var data struct {
		Pod *podPayload `json:"pod"`
	}
	if err := c.query(ctx, query, &data); err != nil {
		return model.WorkerInfo{}, fmt.Errorf("fetching pod %s: %w", podID, err)
	}
	if data.Pod == nil {
		return model.WorkerInfo{}, fmt.Errorf("%w: pod %s", model.ErrNotFound, podID)
	}
	return data.Pod.toWorkerInfo(), nil
}

// Resume starts a stopped pod.
func (c *Client) Resume(ctx context.Context, podID string) error {
	mutation := fmt.Sprintf(`mutation {
		podResume(input: {podId: %q, gpuCount: %d}) { id desiredStatus }
	}`, podID, c.pod.GPUCount)
	if err := c.query(ctx, mutation, nil); err != nil {
		return fmt.Errorf("resuming pod %s: %w", podID, err)
	}
	return nil
}

// Stop pauses a pod; it can be resumed later.
func (c *Client) Stop(ctx context.Context, podID string) error {
	mutation := fmt.Sprintf(`mutation {
		podStop(input: {podId: %q}) { id desiredStatus }
	}`, podID)
	if err := c.query(ctx, mutation, nil); err != nil {
		return fmt.Errorf("stopping pod %s: %w", podID, err)
	}
	c.log.Info("pod stopped", "pod_id", podID)
	return nil
}

// Terminate deletes a pod permanently.
func (c *Client) Terminate(ctx context.Context, podID string) error {
	mutation := fmt.Sprintf(`mutation { podTerminate(input: {podId: %q}) }`, podID)
	if err := c.query(ctx, mutation, nil); err != nil {
		return fmt.Errorf("terminating pod %s: %w", podID, err)
	}
	c.log.Info("pod terminated", "pod_id", podID)
	return nil
}

// ProxyURL returns the generation service endpoint exposed through the
// provider's HTTP proxy.
func (c *Client) ProxyURL(podID string) string {
	return fmt.Sprintf("https://%s-8188.proxy.runpod.net", podID)
}

// query executes one GraphQL request and decodes resp.data into out.
func (c *Client) query(ctx context.Context, query string, out interface{}) error {
	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("control plane error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var gqlResp graphQLResponse
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		return fmt.Errorf("control plane error: %s", gqlResp.Errors[0].Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(gqlResp.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return nil
}
