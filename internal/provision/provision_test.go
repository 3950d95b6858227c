package provision

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/buoyhq/buoy/internal/cache"
	"github.com/buoyhq/buoy/internal/gradient"
	"github.com/buoyhq/buoy/internal/identity"
	"github.com/buoyhq/buoy/internal/log"
	"github.com/buoyhq/buoy/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockStore struct {
	mu     sync.Mutex
	agents map[identity.Key]*store.AgentRecord
	kbs    map[identity.Key]*store.KnowledgeBaseRecord
	config map[string]string
	err    error // when set, every call fails with it
}

func newMockStore() *mockStore {
	return &mockStore{
		agents: make(map[identity.Key]*store.AgentRecord),
		kbs:    make(map[identity.Key]*store.KnowledgeBaseRecord),
		config: make(map[string]string),
	}
}

func (m *mockStore) GetAgent(_ context.Context, key identity.Key) (*store.AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.agents[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *mockStore) PutAgent(_ context.Context, rec *store.AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *rec
	m.agents[rec.WebsiteKey] = &cp
	return nil
}

func (m *mockStore) GetKnowledgeBase(_ context.Context, key identity.Key) (*store.KnowledgeBaseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.kbs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *mockStore) PutKnowledgeBase(_ context.Context, rec *store.KnowledgeBaseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *rec
	m.kbs[rec.WebsiteKey] = &cp
	return nil
}

func (m *mockStore) ListAgents(_ context.Context) ([]*store.AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]*store.AgentRecord, 0, len(m.agents))
	for _, rec := range m.agents {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) ListKnowledgeBases(_ context.Context) ([]*store.KnowledgeBaseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]*store.KnowledgeBaseRecord, 0, len(m.kbs))
	for _, rec := range m.kbs {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) GetConfigValue(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.config[key]
	if !ok || v == "" {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (m *mockStore) PutConfigValue(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.config[key] = value
	return nil
}

type mockRemote struct {
	kbCreates     atomic.Int32
	agentCreates  atomic.Int32
	attachCalls   atomic.Int32
	lastKBReq     gradient.CreateKnowledgeBaseRequest
	kbErr         error
	agentErr      error
	attachErr     error
	deployRunning bool // when true, CreateAgent returns a running deployment
	deployed      chan struct{}
	mu            sync.Mutex
}

func (m *mockRemote) CreateKnowledgeBase(_ context.Context, req gradient.CreateKnowledgeBaseRequest) (*gradient.KnowledgeBase, error) {
	if m.kbErr != nil {
		return nil, m.kbErr
	}
	m.mu.Lock()
	m.lastKBReq = req
	m.mu.Unlock()
	n := m.kbCreates.Add(1)
	return &gradient.KnowledgeBase{
		UUID:       "kb-" + string(rune('0'+n)),
		DatabaseID: "db-shared",
	}, nil
}

func (m *mockRemote) CreateAgent(_ context.Context, _ gradient.CreateAgentRequest) (*gradient.Agent, error) {
	if m.agentErr != nil {
		return nil, m.agentErr
	}
	m.agentCreates.Add(1)
	agent := &gradient.Agent{UUID: "agent-1"}
	if m.deployRunning {
		agent.Deployment = &gradient.Deployment{
			Status: gradient.StatusRunning,
			URL:    "https://agent-1.agents.do-ai.run",
		}
	}
	return agent, nil
}

func (m *mockRemote) CreateAgentAccessKey(_ context.Context, _, _ string) (string, error) {
	return "sk-test", nil
}

func (m *mockRemote) AttachKnowledgeBase(_ context.Context, _, _ string) error {
	if m.attachErr != nil {
		return m.attachErr
	}
	m.attachCalls.Add(1)
	return nil
}

func (m *mockRemote) WaitForAgentDeployment(_ context.Context, agentID string, _, _ time.Duration) (*gradient.Agent, error) {
	defer func() {
		if m.deployed != nil {
			close(m.deployed)
		}
	}()
	return &gradient.Agent{
		UUID:       agentID,
		Deployment: &gradient.Deployment{Status: gradient.StatusRunning, URL: "https://late.agents.do-ai.run"},
	}, nil
}

func newTestProvisioner(st Store, remote Remote) (*Provisioner, *cache.Resources) {
	c := cache.New()
	p := New(st, c, remote, Config{Temperature: 0.7, MaxTokens: 4096}, log.NewNop())
	return p, c
}

func TestEnsureAgentCreatesOnceForRepeatedCalls(t *testing.T) {
	st := newMockStore()
	remote := &mockRemote{deployRunning: true}
	p, _ := newTestProvisioner(st, remote)
	key := identity.Key("a1b2c3d4e5f60718")

	first, err := p.EnsureAgent(context.Background(), key, "https://example.com")
	if err != nil {
		t.Fatalf("first EnsureAgent() error: %v", err)
	}
	second, err := p.EnsureAgent(context.Background(), key, "https://example.com")
	if err != nil {
		t.Fatalf("second EnsureAgent() error: %v", err)
	}

	if got := remote.agentCreates.Load(); got != 1 {
		t.Errorf("agent creates = %d, want 1", got)
	}
	if got := remote.kbCreates.Load(); got != 1 {
		t.Errorf("kb creates = %d, want 1", got)
	}
	if first.AgentID != second.AgentID {
		t.Errorf("AgentID mismatch: %q vs %q", first.AgentID, second.AgentID)
	}
	if first.AccessSecret != "sk-test" {
		t.Errorf("AccessSecret = %q, want sk-test", first.AccessSecret)
	}
	if got := remote.attachCalls.Load(); got != 1 {
		t.Errorf("attach calls = %d, want 1 (kb attached to running agent)", got)
	}
}

func TestEnsureAgentConcurrentCallsCollapse(t *testing.T) {
	st := newMockStore()
	remote := &mockRemote{deployRunning: true}
	p, _ := newTestProvisioner(st, remote)
	key := identity.Key("a1b2c3d4e5f60718")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.EnsureAgent(context.Background(), key, "https://example.com")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d error: %v", i, err)
		}
	}
	if got := remote.agentCreates.Load(); got != 1 {
		t.Errorf("agent creates = %d, want 1", got)
	}
}

func TestEnsureAgentStoreHitSkipsRemote(t *testing.T) {
	st := newMockStore()
	key := identity.Key("a1b2c3d4e5f60718")
	st.agents[key] = &store.AgentRecord{
		WebsiteKey: key,
		AgentID:    "agent-existing",
		Endpoint:   "https://agent-existing.agents.do-ai.run",
	}
	remote := &mockRemote{deployRunning: true}

	// Fresh cache simulates a process restart.
	p, c := newTestProvisioner(st, remote)

	rec, err := p.EnsureAgent(context.Background(), key, "https://example.com")
	if err != nil {
		t.Fatalf("EnsureAgent() error: %v", err)
	}
	if rec.AgentID != "agent-existing" {
		t.Errorf("AgentID = %q, want agent-existing", rec.AgentID)
	}
	if got := remote.agentCreates.Load(); got != 0 {
		t.Errorf("agent creates = %d, want 0", got)
	}
	if _, ok := c.GetAgent(key); !ok {
		t.Error("store hit not written back to cache")
	}
}

func TestEnsureAgentStoreDownAbortsBeforeRemote(t *testing.T) {
	st := newMockStore()
	st.err = errors.New("connection refused")
	remote := &mockRemote{deployRunning: true}
	p, _ := newTestProvisioner(st, remote)

	_, err := p.EnsureAgent(context.Background(), identity.Key("a1b2c3d4e5f60718"), "https://example.com")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("error = %v, want ErrStoreUnavailable", err)
	}
	if got := remote.agentCreates.Load(); got != 0 {
		t.Errorf("agent creates = %d, want 0 when store is down", got)
	}
	if got := remote.kbCreates.Load(); got != 0 {
		t.Errorf("kb creates = %d, want 0 when store is down", got)
	}
}

func TestEnsureAgentRemoteFailure(t *testing.T) {
	st := newMockStore()
	remote := &mockRemote{deployRunning: true, agentErr: errors.New("boom")}
	p, c := newTestProvisioner(st, remote)
	key := identity.Key("a1b2c3d4e5f60718")

	_, err := p.EnsureAgent(context.Background(), key, "https://example.com")
	if !errors.Is(err, ErrProvisionFailed) {
		t.Errorf("error = %v, want ErrProvisionFailed", err)
	}
	if _, ok := c.GetAgent(key); ok {
		t.Error("failed provision must not populate the agent cache")
	}
	if _, err := st.GetAgent(context.Background(), key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("failed provision must not persist an agent record, got %v", err)
	}
}

func TestEnsureKnowledgeBaseReusesDatabaseID(t *testing.T) {
	st := newMockStore()
	remote := &mockRemote{deployRunning: true}
	p, _ := newTestProvisioner(st, remote)

	_, err := p.EnsureKnowledgeBase(context.Background(), identity.Key("1111111111111111"), "https://one.example", "")
	if err != nil {
		t.Fatalf("first EnsureKnowledgeBase() error: %v", err)
	}
	if st.config[databaseIDConfigKey] != "db-shared" {
		t.Errorf("database id not recorded, config = %v", st.config)
	}

	_, err = p.EnsureKnowledgeBase(context.Background(), identity.Key("2222222222222222"), "https://two.example", "")
	if err != nil {
		t.Fatalf("second EnsureKnowledgeBase() error: %v", err)
	}
	remote.mu.Lock()
	gotDB := remote.lastKBReq.DatabaseID
	remote.mu.Unlock()
	if gotDB != "db-shared" {
		t.Errorf("second create used database id %q, want db-shared", gotDB)
	}
}

func TestAttachKnowledgeBaseDedupes(t *testing.T) {
	st := newMockStore()
	key := identity.Key("a1b2c3d4e5f60718")
	st.agents[key] = &store.AgentRecord{
		WebsiteKey:       key,
		AgentID:          "agent-1",
		KnowledgeBaseIDs: []string{"kb-1"},
	}
	remote := &mockRemote{}
	p, _ := newTestProvisioner(st, remote)

	rec, err := p.AttachKnowledgeBase(context.Background(), key, "kb-2")
	if err != nil {
		t.Fatalf("AttachKnowledgeBase() error: %v", err)
	}
	if len(rec.KnowledgeBaseIDs) != 2 || rec.KnowledgeBaseIDs[1] != "kb-2" {
		t.Errorf("KnowledgeBaseIDs = %v, want [kb-1 kb-2]", rec.KnowledgeBaseIDs)
	}

	rec, err = p.AttachKnowledgeBase(context.Background(), key, "kb-2")
	if err != nil {
		t.Fatalf("repeat AttachKnowledgeBase() error: %v", err)
	}
	if len(rec.KnowledgeBaseIDs) != 2 {
		t.Errorf("KnowledgeBaseIDs = %v, duplicate appended", rec.KnowledgeBaseIDs)
	}
	if got := remote.attachCalls.Load(); got != 1 {
		t.Errorf("remote attach calls = %d, want 1", got)
	}
}

func TestAttachKnowledgeBaseStoreFailureLeavesTiersUntouched(t *testing.T) {
	st := newMockStore()
	key := identity.Key("a1b2c3d4e5f60718")
	st.agents[key] = &store.AgentRecord{
		WebsiteKey:       key,
		AgentID:          "agent-1",
		KnowledgeBaseIDs: []string{"kb-1"},
	}
	remote := &mockRemote{}
	p, c := newTestProvisioner(st, remote)

	// Prime the cache so the attach resolves through it.
	if _, err := p.LookupAgent(context.Background(), key); err != nil {
		t.Fatalf("LookupAgent() error: %v", err)
	}

	st.err = errors.New("connection reset")
	_, err := p.AttachKnowledgeBase(context.Background(), key, "kb-extra")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("error = %v, want ErrStoreUnavailable", err)
	}

	cached, ok := c.GetAgent(key)
	if !ok {
		t.Fatal("agent evicted from cache")
	}
	if len(cached.KnowledgeBaseIDs) != 1 || cached.KnowledgeBaseIDs[0] != "kb-1" {
		t.Errorf("cache mutated by failed attach: %v", cached.KnowledgeBaseIDs)
	}

	// Once the store recovers, a retry must not dedupe against phantom
	// state; the id has to reach the durable tier.
	st.err = nil
	rec, err := p.AttachKnowledgeBase(context.Background(), key, "kb-extra")
	if err != nil {
		t.Fatalf("retry AttachKnowledgeBase() error: %v", err)
	}
	if len(rec.KnowledgeBaseIDs) != 2 || rec.KnowledgeBaseIDs[1] != "kb-extra" {
		t.Errorf("KnowledgeBaseIDs = %v, want [kb-1 kb-extra]", rec.KnowledgeBaseIDs)
	}
	stored, err := st.GetAgent(context.Background(), key)
	if err != nil {
		t.Fatalf("GetAgent() error: %v", err)
	}
	if len(stored.KnowledgeBaseIDs) != 2 || stored.KnowledgeBaseIDs[1] != "kb-extra" {
		t.Errorf("store KnowledgeBaseIDs = %v, want [kb-1 kb-extra]", stored.KnowledgeBaseIDs)
	}
}

func TestCreateAgentAttachFailureNotPersisted(t *testing.T) {
	st := newMockStore()
	remote := &mockRemote{deployRunning: true, attachErr: errors.New("not ready")}
	p, c := newTestProvisioner(st, remote)
	key := identity.Key("a1b2c3d4e5f60718")

	_, err := p.EnsureAgent(context.Background(), key, "https://example.com")
	if !errors.Is(err, ErrProvisionFailed) {
		t.Errorf("error = %v, want ErrProvisionFailed", err)
	}
	if _, ok := c.GetAgent(key); ok {
		t.Error("failed attach must not populate the agent cache")
	}
	if _, err := st.GetAgent(context.Background(), key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("failed attach must not persist an agent record, got %v", err)
	}
}

func TestLookupAgentNotProvisioned(t *testing.T) {
	p, _ := newTestProvisioner(newMockStore(), &mockRemote{})

	_, err := p.LookupAgent(context.Background(), identity.Key("a1b2c3d4e5f60718"))
	if !errors.Is(err, ErrAgentNotProvisioned) {
		t.Errorf("error = %v, want ErrAgentNotProvisioned", err)
	}
}

func TestWarmCache(t *testing.T) {
	st := newMockStore()
	k1 := identity.Key("1111111111111111")
	k2 := identity.Key("2222222222222222")
	st.agents[k1] = &store.AgentRecord{WebsiteKey: k1, AgentID: "agent-1"}
	st.kbs[k2] = &store.KnowledgeBaseRecord{WebsiteKey: k2, KnowledgeBaseID: "kb-2"}

	p, c := newTestProvisioner(st, &mockRemote{})
	if err := p.WarmCache(context.Background()); err != nil {
		t.Fatalf("WarmCache() error: %v", err)
	}
	if _, ok := c.GetAgent(k1); !ok {
		t.Error("agent not warmed into cache")
	}
	if _, ok := c.GetKnowledgeBase(k2); !ok {
		t.Error("knowledge base not warmed into cache")
	}
}

func TestPendingDeploymentIsTracked(t *testing.T) {
	st := newMockStore()
	deployed := make(chan struct{})
	remote := &mockRemote{deployed: deployed} // CreateAgent returns no deployment
	p, _ := newTestProvisioner(st, remote)
	key := identity.Key("a1b2c3d4e5f60718")

	rec, err := p.EnsureAgent(context.Background(), key, "https://example.com")
	if err != nil {
		t.Fatalf("EnsureAgent() error: %v", err)
	}
	if rec.DeploymentStatus != "pending" {
		t.Errorf("DeploymentStatus = %q, want pending", rec.DeploymentStatus)
	}

	select {
	case <-deployed:
	case <-time.After(2 * time.Second):
		t.Fatal("deployment tracker never polled")
	}

	// The tracker attaches knowledge bases and persists the final endpoint
	// shortly after polling.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := st.GetAgent(context.Background(), key)
		if err == nil && got.DeploymentStatus == "running" {
			if got.Endpoint != "https://late.agents.do-ai.run" {
				t.Errorf("Endpoint = %q", got.Endpoint)
			}
			if calls := remote.attachCalls.Load(); calls != 1 {
				t.Errorf("attach calls = %d, want 1 after deployment", calls)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("deployment update never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
