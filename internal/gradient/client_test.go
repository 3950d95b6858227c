package gradient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/buoyhq/buoy/internal/log"
)

func testConfig(baseURL string) Config {
	return Config{
		Token:            "test-token",
		ProjectID:        "proj-1",
		ModelID:          "model-1",
		EmbeddingModelID: "embed-1",
		Region:           "tor1",
		BaseURL:          baseURL,
	}
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(testConfig(srv.URL), log.NewNop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c, srv
}

func TestNewRequiresCredentials(t *testing.T) {
	cfg := testConfig("http://example.invalid")
	cfg.Token = ""
	if _, err := New(cfg, log.NewNop()); err == nil {
		t.Error("expected error for missing token")
	}
}

func TestCreateKnowledgeBase(t *testing.T) {
	var gotPayload map[string]any
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/knowledge_bases" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("Authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotPayload)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"knowledge_base": map[string]any{
				"uuid":        "kb-123",
				"name":        "example-com",
				"database_id": "db-9",
			},
		})
	}))

	kb, err := c.CreateKnowledgeBase(context.Background(), CreateKnowledgeBaseRequest{
		Name:       "Example.COM docs",
		WebsiteURL: "https://example.com",
		DatabaseID: "db-9",
	})
	if err != nil {
		t.Fatalf("CreateKnowledgeBase() error: %v", err)
	}
	if kb.UUID != "kb-123" {
		t.Errorf("UUID = %q, want kb-123", kb.UUID)
	}
	if kb.DatabaseID != "db-9" {
		t.Errorf("DatabaseID = %q, want db-9", kb.DatabaseID)
	}

	if name, _ := gotPayload["name"].(string); name != "example-com-docs" {
		t.Errorf("sent name %q, want sanitized example-com-docs", name)
	}
	if dbID, _ := gotPayload["database_id"].(string); dbID != "db-9" {
		t.Errorf("sent database_id %q, want db-9", dbID)
	}
	sources, ok := gotPayload["datasources"].([]any)
	if !ok || len(sources) != 1 {
		t.Fatalf("datasources = %v, want one entry", gotPayload["datasources"])
	}
}

func TestCreateAgent(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		if payload["model_uuid"] != "model-1" {
			t.Errorf("model_uuid = %v", payload["model_uuid"])
		}
		if payload["provide_citations"] != true {
			t.Errorf("provide_citations = %v, want true", payload["provide_citations"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"agent": map[string]any{"uuid": "agent-1", "name": "support"},
		})
	}))

	agent, err := c.CreateAgent(context.Background(), CreateAgentRequest{
		Name:             "Support",
		Instruction:      "be helpful",
		KnowledgeBaseIDs: []string{"kb-1"},
		Temperature:      0.7,
		MaxTokens:        4096,
	})
	if err != nil {
		t.Fatalf("CreateAgent() error: %v", err)
	}
	if agent.UUID != "agent-1" {
		t.Errorf("UUID = %q, want agent-1", agent.UUID)
	}
}

func TestCreateAgentAccessKey(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/agent-1/api_keys" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"api_key_info": map[string]any{"secret_key": "sk-abc"},
		})
	}))

	key, err := c.CreateAgentAccessKey(context.Background(), "agent-1", "service-key")
	if err != nil {
		t.Fatalf("CreateAgentAccessKey() error: %v", err)
	}
	if key != "sk-abc" {
		t.Errorf("key = %q, want sk-abc", key)
	}
}

func TestCreateAgentAccessKeyEmptySecret(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"api_key_info": map[string]any{}})
	}))

	if _, err := c.CreateAgentAccessKey(context.Background(), "agent-1", "k"); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))

	_, err := c.GetAgent(context.Background(), "agent-1")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v is not *APIError", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want 429", apiErr.StatusCode)
	}
}

func TestWaitForAgentDeployment(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		status := "STATUS_WAITING_FOR_DEPLOYMENT"
		url := ""
		if n >= 3 {
			status = StatusRunning
			url = "https://agent-1.agents.do-ai.run"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"agent": map[string]any{
				"uuid":       "agent-1",
				"deployment": map[string]any{"status": status, "url": url},
			},
		})
	}))

	agent, err := c.WaitForAgentDeployment(context.Background(), "agent-1", 5*time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForAgentDeployment() error: %v", err)
	}
	if agent.Deployment == nil || agent.Deployment.URL == "" {
		t.Error("expected deployment URL after running state")
	}
	if got := calls.Load(); got < 3 {
		t.Errorf("polled %d times, want at least 3", got)
	}
}

func TestWaitForAgentDeploymentFailure(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"agent": map[string]any{
				"uuid":       "agent-1",
				"deployment": map[string]any{"status": StatusFailed},
			},
		})
	}))

	_, err := c.WaitForAgentDeployment(context.Background(), "agent-1", time.Second, 5*time.Millisecond)
	if !errors.Is(err, ErrDeploymentFailed) {
		t.Errorf("error = %v, want ErrDeploymentFailed", err)
	}
}

func TestWaitForAgentDeploymentTimeout(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"agent": map[string]any{
				"uuid":       "agent-1",
				"deployment": map[string]any{"status": "STATUS_WAITING_FOR_DEPLOYMENT"},
			},
		})
	}))

	_, err := c.WaitForAgentDeployment(context.Background(), "agent-1", 30*time.Millisecond, 10*time.Millisecond)
	if !errors.Is(err, ErrDeploymentTimeout) {
		t.Errorf("error = %v, want ErrDeploymentTimeout", err)
	}
}

func TestUploadChunk(t *testing.T) {
	var uploaded []byte
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("POST /knowledge_bases/data_sources/file_upload_presigned_urls", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"url": srv.URL + "/object-store/chunk-0",
			"key": "stored/chunk-0",
		})
	})
	mux.HandleFunc("PUT /object-store/chunk-0", func(w http.ResponseWriter, r *http.Request) {
		uploaded, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /knowledge_bases/kb-1/data_sources", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		fu, ok := payload["file_upload_data_source"].(map[string]any)
		if !ok || fu["stored_object_key"] != "stored/chunk-0" {
			t.Errorf("file_upload_data_source = %v", payload["file_upload_data_source"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"knowledge_base_data_source": map[string]any{"uuid": "ds-1"},
		})
	})

	c, s := newTestClient(t, mux)
	srv = s

	if err := c.UploadChunk(context.Background(), "kb-1", "chunk-0", "hello world"); err != nil {
		t.Fatalf("UploadChunk() error: %v", err)
	}
	if string(uploaded) != "hello world" {
		t.Errorf("uploaded %q, want %q", uploaded, "hello world")
	}
}

func TestAsk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-agent" {
			t.Errorf("Authorization = %q", auth)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "42"}},
			},
		})
	}))
	defer srv.Close()

	c, err := New(testConfig("http://unused.invalid"), log.NewNop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	answer, err := c.Ask(context.Background(), srv.URL, "sk-agent", "meaning of life?")
	if err != nil {
		t.Fatalf("Ask() error: %v", err)
	}
	if answer != "42" {
		t.Errorf("answer = %q, want 42", answer)
	}
}

func TestAskNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c, err := New(testConfig("http://unused.invalid"), log.NewNop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := c.Ask(context.Background(), srv.URL, "sk", "q"); err == nil {
		t.Error("expected error for empty choices")
	}
}

func TestAddWebCrawlerDataSource(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/knowledge_bases/kb-1/data_sources" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var payload map[string]any
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		crawler, ok := payload["web_crawler_data_source"].(map[string]any)
		if !ok || crawler["base_url"] != "https://example.com/docs" {
			t.Errorf("web_crawler_data_source = %v", payload["web_crawler_data_source"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"knowledge_base_data_source": map[string]any{"uuid": "ds-7"},
		})
	}))

	ds, err := c.AddWebCrawlerDataSource(context.Background(), "kb-1", "https://example.com/docs")
	if err != nil {
		t.Fatalf("AddWebCrawlerDataSource() error: %v", err)
	}
	if ds.UUID != "ds-7" {
		t.Errorf("UUID = %q, want ds-7", ds.UUID)
	}
}

func TestGetIndexingJob(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/indexing_jobs/job-1" || r.Method != http.MethodGet {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"job": map[string]any{"uuid": "job-1", "status": "INDEX_JOB_STATUS_COMPLETED"},
		})
	}))

	job, err := c.GetIndexingJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetIndexingJob() error: %v", err)
	}
	if job.Status != "INDEX_JOB_STATUS_COMPLETED" {
		t.Errorf("Status = %q, want completed", job.Status)
	}
}

func TestStartIndexingJob(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/indexing_jobs" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"job": map[string]any{"uuid": "job-1", "status": "INDEX_JOB_STATUS_PENDING"},
		})
	}))

	job, err := c.StartIndexingJob(context.Background(), "kb-1")
	if err != nil {
		t.Fatalf("StartIndexingJob() error: %v", err)
	}
	if job.UUID != "job-1" {
		t.Errorf("UUID = %q, want job-1", job.UUID)
	}
}
