// Package gradient implements the client for the DigitalOcean Gradient AI
// Platform gen-ai API.
//
// The platform hosts two remote resource kinds: agents (conversational
// deployments with an OpenAI-compatible chat endpoint) and knowledge bases
// (searchable content stores fed by data sources). This package only talks
// HTTP; resolve/caching decisions live in the provision package.
package gradient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the production gen-ai API root.
const DefaultBaseURL = "https://api.digitalocean.com/v2/gen-ai"

// requestTimeout bounds individual API calls. Chat completions get a longer
// budget because generation is slow.
const (
	requestTimeout = 30 * time.Second
	askTimeout     = 60 * time.Second
)

// Agent deployment states reported by the platform.
const (
	StatusRunning  = "STATUS_RUNNING"
	StatusFailed   = "STATUS_FAILED"
	StatusCanceled = "STATUS_CANCELED"
	StatusUnknown  = "UNKNOWN"
)

// Sentinel errors, checked with errors.Is.
var (
	// ErrDeploymentFailed indicates the platform reported a terminal
	// failure state for an agent deployment.
	ErrDeploymentFailed = errors.New("agent deployment failed")

	// ErrDeploymentTimeout indicates a deployment did not reach the running
	// state within the polling budget.
	ErrDeploymentTimeout = errors.New("agent deployment timed out")
)

// APIError is a non-2xx response from the platform.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gradient API error: status %d: %s", e.StatusCode, e.Body)
}

// Config carries the credentials and model selection for the client.
type Config struct {
	Token            string
	ProjectID        string
	ModelID          string
	EmbeddingModelID string
	Region           string
	BaseURL          string // empty = DefaultBaseURL
}

// Client is the Gradient API client. Safe for concurrent use.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	askClient  *http.Client
	logger     *slog.Logger
}

// New creates a Client. Returns an error when required credentials are
// missing so misconfiguration fails at startup, not on first request.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Token == "" || cfg.ProjectID == "" || cfg.ModelID == "" || cfg.EmbeddingModelID == "" {
		return nil, errors.New("gradient: token, project id, model id, and embedding model id are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if cfg.Region == "" {
		cfg.Region = "tor1"
	}

	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		askClient:  &http.Client{Timeout: askTimeout},
		logger:     logger,
	}, nil
}

// KnowledgeBase is the remote knowledge base resource.
type KnowledgeBase struct {
	UUID       string `json:"uuid"`
	Name       string `json:"name"`
	DatabaseID string `json:"database_id"`
}

// Agent is the remote agent resource.
type Agent struct {
	UUID       string      `json:"uuid"`
	Name       string      `json:"name"`
	Deployment *Deployment `json:"deployment"`
}

// Deployment describes an agent's serving endpoint.
type Deployment struct {
	URL    string `json:"url"`
	Status string `json:"status"`
}

// DataSource is a knowledge base data source (crawler or file upload).
type DataSource struct {
	UUID string `json:"uuid"`
}

// IndexingJob tracks ingestion of data sources into a knowledge base index.
type IndexingJob struct {
	UUID              string `json:"uuid"`
	Status            string `json:"status"`
	TotalItemsIndexed string `json:"total_items_indexed"`
}

// CreateKnowledgeBaseRequest configures knowledge base creation.
type CreateKnowledgeBaseRequest struct {
	Name       string
	WebsiteURL string // seeds the initial web crawler data source
	DatabaseID string // optional: reuse an existing backing database
	Tags       []string
}

// CreateKnowledgeBase creates a knowledge base with an initial web crawler
// data source. The platform requires at least one data source at creation
// time.
func (c *Client) CreateKnowledgeBase(ctx context.Context, req CreateKnowledgeBaseRequest) (*KnowledgeBase, error) {
	payload := map[string]any{
		"name":                 SanitizeName(req.Name, "knowledge-base"),
		"embedding_model_uuid": c.cfg.EmbeddingModelID,
		"project_id":           c.cfg.ProjectID,
		"region":               c.cfg.Region,
		"datasources": []map[string]any{
			{
				"web_crawler_data_source": map[string]any{
					"base_url":        req.WebsiteURL,
					"crawling_option": "DOMAIN",
					"embed_media":     false,
				},
			},
		},
	}
	if req.DatabaseID != "" {
		payload["database_id"] = req.DatabaseID
	}
	if len(req.Tags) > 0 {
		payload["tags"] = req.Tags
	}

	var resp struct {
		KnowledgeBase KnowledgeBase `json:"knowledge_base"`
	}
	if err := c.do(ctx, http.MethodPost, "/knowledge_bases", payload, &resp); err != nil {
		return nil, fmt.Errorf("creating knowledge base: %w", err)
	}

	c.logger.Info("created knowledge base", "kb_id", resp.KnowledgeBase.UUID)
	return &resp.KnowledgeBase, nil
}

// CreateAgentRequest configures agent creation.
type CreateAgentRequest struct {
	Name             string
	Instruction      string
	Description      string
	KnowledgeBaseIDs []string
	Tags             []string
	Temperature      float32
	MaxTokens        int
}

// CreateAgent creates an agent. The returned deployment URL may be empty;
// deployments complete asynchronously (see WaitForAgentDeployment).
func (c *Client) CreateAgent(ctx context.Context, req CreateAgentRequest) (*Agent, error) {
	payload := map[string]any{
		"name":                      SanitizeName(req.Name, "support-agent"),
		"instruction":               req.Instruction,
		"model_uuid":                c.cfg.ModelID,
		"project_id":                c.cfg.ProjectID,
		"region":                    c.cfg.Region,
		"temperature":               req.Temperature,
		"max_tokens":                req.MaxTokens,
		"provide_citations":         true,
		"conversation_logs_enabled": true,
	}
	if len(req.KnowledgeBaseIDs) > 0 {
		payload["knowledge_base_uuid"] = req.KnowledgeBaseIDs
	}
	if req.Description != "" {
		payload["description"] = req.Description
	}
	if len(req.Tags) > 0 {
		payload["tags"] = req.Tags
	}

	var resp struct {
		Agent Agent `json:"agent"`
	}
	if err := c.do(ctx, http.MethodPost, "/agents", payload, &resp); err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}

	c.logger.Info("created agent", "agent_id", resp.Agent.UUID)
	return &resp.Agent, nil
}

// GetAgent retrieves an agent, including its current deployment state.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var resp struct {
		Agent Agent `json:"agent"`
	}
	if err := c.do(ctx, http.MethodGet, "/agents/"+agentID, nil, &resp); err != nil {
		return nil, fmt.Errorf("getting agent %s: %w", agentID, err)
	}
	return &resp.Agent, nil
}

// CreateAgentAccessKey provisions an API key for the agent's serving
// endpoint. Keys returned inline in agent responses are often stale, so a
// fresh one is always created.
func (c *Client) CreateAgentAccessKey(ctx context.Context, agentID, keyName string) (string, error) {
	payload := map[string]any{"name": keyName}

	var resp struct {
		APIKeyInfo struct {
			SecretKey string `json:"secret_key"`
		} `json:"api_key_info"`
	}
	if err := c.do(ctx, http.MethodPost, "/agents/"+agentID+"/api_keys", payload, &resp); err != nil {
		return "", fmt.Errorf("creating access key for agent %s: %w", agentID, err)
	}
	if resp.APIKeyInfo.SecretKey == "" {
		return "", fmt.Errorf("access key response for agent %s carried no secret", agentID)
	}
	return resp.APIKeyInfo.SecretKey, nil
}

// AttachKnowledgeBase links a knowledge base to an agent.
func (c *Client) AttachKnowledgeBase(ctx context.Context, agentID, kbID string) error {
	payload := map[string]any{
		"agent_uuid":          agentID,
		"knowledge_base_uuid": kbID,
	}
	path := "/agents/" + agentID + "/knowledge_bases/" + kbID
	if err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("attaching knowledge base %s to agent %s: %w", kbID, agentID, err)
	}
	return nil
}

// AddWebCrawlerDataSource adds a crawler data source rooted at url to a
// knowledge base.
func (c *Client) AddWebCrawlerDataSource(ctx context.Context, kbID, url string) (*DataSource, error) {
	payload := map[string]any{
		"knowledge_base_uuid": kbID,
		"web_crawler_data_source": map[string]any{
			"base_url":        url,
			"crawling_option": "PATH",
			"embed_media":     true,
		},
	}

	var resp struct {
		DataSource DataSource `json:"knowledge_base_data_source"`
	}
	if err := c.do(ctx, http.MethodPost, "/knowledge_bases/"+kbID+"/data_sources", payload, &resp); err != nil {
		return nil, fmt.Errorf("adding crawler data source to %s: %w", kbID, err)
	}
	return &resp.DataSource, nil
}

// PresignedUpload is a one-shot URL for pushing file content to the
// platform's object store.
type PresignedUpload struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// CreatePresignedUpload requests an upload URL for a file destined for a
// knowledge base.
func (c *Client) CreatePresignedUpload(ctx context.Context, kbID, filename, contentType string) (*PresignedUpload, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	payload := map[string]any{
		"knowledge_base_uuid": kbID,
		"filename":            filename,
		"content_type":        contentType,
	}

	var resp PresignedUpload
	if err := c.do(ctx, http.MethodPost, "/knowledge_bases/data_sources/file_upload_presigned_urls", payload, &resp); err != nil {
		return nil, fmt.Errorf("creating presigned upload for %q: %w", filename, err)
	}
	if resp.URL == "" || resp.Key == "" {
		return nil, fmt.Errorf("presigned upload response for %q missing url or key", filename)
	}
	return &resp, nil
}

// PutPresigned uploads content to a presigned URL.
func (c *Client) PutPresigned(ctx context.Context, presignedURL, contentType string, content []byte) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("building presigned upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.askClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading to presigned URL: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// AddFileDataSource registers an already-uploaded object as a knowledge base
// data source.
func (c *Client) AddFileDataSource(ctx context.Context, kbID, storedObjectKey, filename string) (*DataSource, error) {
	payload := map[string]any{
		"knowledge_base_uuid": kbID,
		"file_upload_data_source": map[string]any{
			"stored_object_key": storedObjectKey,
			"filename":          filename,
		},
	}

	var resp struct {
		DataSource DataSource `json:"knowledge_base_data_source"`
	}
	if err := c.do(ctx, http.MethodPost, "/knowledge_bases/"+kbID+"/data_sources", payload, &resp); err != nil {
		return nil, fmt.Errorf("adding file data source to %s: %w", kbID, err)
	}
	return &resp.DataSource, nil
}

// UploadChunk pushes one chunk of text into a knowledge base as a file data
// source: presigned URL, object upload, then data source registration.
func (c *Client) UploadChunk(ctx context.Context, kbID, documentName string, text string) error {
	filename := documentName + ".txt"

	presigned, err := c.CreatePresignedUpload(ctx, kbID, filename, "text/plain")
	if err != nil {
		return err
	}
	if err := c.PutPresigned(ctx, presigned.URL, "text/plain", []byte(text)); err != nil {
		return fmt.Errorf("uploading chunk %q: %w", documentName, err)
	}
	if _, err := c.AddFileDataSource(ctx, kbID, presigned.Key, documentName); err != nil {
		return err
	}
	return nil
}

// StartIndexingJob triggers indexing for all of a knowledge base's data
// sources.
func (c *Client) StartIndexingJob(ctx context.Context, kbID string) (*IndexingJob, error) {
	payload := map[string]any{"knowledge_base_uuid": kbID}

	var resp struct {
		Job IndexingJob `json:"job"`
	}
	if err := c.do(ctx, http.MethodPost, "/indexing_jobs", payload, &resp); err != nil {
		return nil, fmt.Errorf("starting indexing job for %s: %w", kbID, err)
	}
	return &resp.Job, nil
}

// GetIndexingJob returns the current state of an indexing job.
func (c *Client) GetIndexingJob(ctx context.Context, jobID string) (*IndexingJob, error) {
	var resp struct {
		Job IndexingJob `json:"job"`
	}
	if err := c.do(ctx, http.MethodGet, "/indexing_jobs/"+jobID, nil, &resp); err != nil {
		return nil, fmt.Errorf("getting indexing job %s: %w", jobID, err)
	}
	return &resp.Job, nil
}

// WaitForAgentDeployment polls until the agent deployment reaches the
// running state with a URL, the deployment fails, or maxWait elapses.
func (c *Client) WaitForAgentDeployment(ctx context.Context, agentID string, maxWait, pollInterval time.Duration) (*Agent, error) {
	deadline := time.Now().Add(maxWait)

	for {
		agent, err := c.GetAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}

		status := StatusUnknown
		url := ""
		if agent.Deployment != nil {
			status = agent.Deployment.Status
			url = agent.Deployment.URL
		}
		c.logger.Debug("agent deployment status", "agent_id", agentID, "status", status)

		if status == StatusRunning && url != "" {
			return agent, nil
		}
		if status == StatusFailed || status == StatusCanceled {
			return nil, fmt.Errorf("%w: status %s", ErrDeploymentFailed, status)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: not running after %s", ErrDeploymentTimeout, maxWait)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Ask sends a question to an agent's OpenAI-compatible chat completions
// endpoint using the agent's own access secret (not the platform token).
func (c *Client) Ask(ctx context.Context, agentEndpoint, accessSecret, question string) (string, error) {
	endpoint := strings.TrimSuffix(agentEndpoint, "/") + "/api/v1/chat/completions"
	payload := map[string]any{
		"messages": []map[string]string{
			{"role": "user", "content": question},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.askClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling agent chat endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("reading chat response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("agent returned no response choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// do executes one authenticated API request. out may be nil when the
// response body is not needed.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("gradient API request failed",
			"method", method, "path", path, "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
