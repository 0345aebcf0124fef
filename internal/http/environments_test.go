package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/pirelay/relay/internal/store"
)

type memEnvironmentStore struct {
	mu   sync.Mutex
	rows map[string]store.Environment
}

func newMemEnvironmentStore() *memEnvironmentStore {
	return &memEnvironmentStore{rows: make(map[string]store.Environment)}
}

func (m *memEnvironmentStore) CreateEnvironment(ctx context.Context, e *store.Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[e.ID] = *e
	return nil
}

func (m *memEnvironmentStore) GetEnvironment(ctx context.Context, id string) (*store.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &e, nil
}

func (m *memEnvironmentStore) ListEnvironments(ctx context.Context) ([]store.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Environment, 0, len(m.rows))
	for _, e := range m.rows {
		out = append(out, e)
	}
	return out, nil
}

func (m *memEnvironmentStore) UpdateEnvironment(ctx context.Context, e *store.Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[e.ID]; !ok {
		return store.ErrNotFound
	}
	m.rows[e.ID] = *e
	return nil
}

func (m *memEnvironmentStore) DeleteEnvironment(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func newEnvironmentsServer() (*httptest.Server, *memEnvironmentStore) {
	ms := newMemEnvironmentStore()
	mux := http.NewServeMux()
	NewEnvironmentsHandler(ms).RegisterRoutes(mux)
	return httptest.NewServer(mux), ms
}

func decodeEnvelope(t *testing.T, resp *http.Response) (json.RawMessage, *apiError) {
	t.Helper()
	defer resp.Body.Close()
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error *apiError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	return env.Data, env.Error
}

func TestCreateEnvironment(t *testing.T) {
	srv, ms := newEnvironmentsServer()
	defer srv.Close()

	body := `{"name":"dev","sandboxType":"docker","config":{"image":"ghcr.io/pirelay/agent:latest","resourceTier":"small"}}`
	resp, err := http.Post(srv.URL+"/api/environments", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	data, apiErr := decodeEnvelope(t, resp)
	if apiErr != nil {
		t.Fatalf("error = %+v", apiErr)
	}
	var env store.Environment
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.ID == "" || env.Name != "dev" {
		t.Errorf("created = %+v", env)
	}
	if _, ok := ms.rows[env.ID]; !ok {
		t.Error("row not persisted")
	}
}

func TestCreateEnvironmentValidation(t *testing.T) {
	srv, _ := newEnvironmentsServer()
	defer srv.Close()

	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{"sandboxType":"docker","config":{"image":"img"}}`},
		{"bad sandbox type", `{"name":"x","sandboxType":"vmware","config":{"image":"img"}}`},
		{"missing image", `{"name":"x","sandboxType":"docker","config":{}}`},
		{"worker without url", `{"name":"x","sandboxType":"worker","config":{"image":"img"}}`},
		{"malformed json", `{nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/environments", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			_, apiErr := decodeEnvelope(t, resp)
			if apiErr == nil || apiErr.Code == "" {
				t.Error("missing error envelope")
			}
		})
	}
}

func TestGetEnvironmentNotFound(t *testing.T) {
	srv, _ := newEnvironmentsServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/environments/missing")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	data, apiErr := decodeEnvelope(t, resp)
	if len(data) != 0 {
		t.Errorf("data present in error response: %s", data)
	}
	if apiErr == nil {
		t.Fatal("missing error detail")
	}
}

func TestUpdateAndDeleteEnvironment(t *testing.T) {
	srv, ms := newEnvironmentsServer()
	defer srv.Close()

	ms.rows["env-1"] = store.Environment{
		ID: "env-1", Name: "old", SandboxType: "docker",
		Config: store.EnvironmentConfig{Image: "img"},
	}

	body := `{"name":"new","sandboxType":"worker","config":{"image":"img2","workerUrl":"https://w.example.com"}}`
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/environments/env-1", strings.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if got := ms.rows["env-1"]; got.Name != "new" || got.Config.WorkerURL != "https://w.example.com" {
		t.Errorf("row after update = %+v", got)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/environments/env-1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if _, ok := ms.rows["env-1"]; ok {
		t.Error("row survived delete")
	}
}
