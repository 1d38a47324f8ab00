package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comicvault/comicvault/internal/download"
	"github.com/comicvault/comicvault/internal/storage"
)

type fakeTask struct {
	status download.Status
}

func (t *fakeTask) Key() download.Key            { return t.status.Key() }
func (t *fakeTask) Kind() download.Kind          { return t.status.Kind }
func (t *fakeTask) Resume()                      {}
func (t *fakeTask) Pause()                       {}
func (t *fakeTask) Cancel()                      {}
func (t *fakeTask) Wait()                        {}
func (t *fakeTask) Status() download.Status      { return t.status }
func (t *fakeTask) Snapshot() *download.Snapshot { return nil }

type fakeManager struct {
	mu        sync.Mutex
	tasks     map[download.Key]*fakeTask
	listeners []download.StatusListener
	actions   []string
}

func newFakeManager() *fakeManager {
	return &fakeManager{tasks: make(map[download.Key]*fakeTask)}
}

func (m *fakeManager) add(key download.Key, kind download.Kind) (download.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key.ID == "" {
		return nil, fmt.Errorf("%w: empty id", download.ErrInvalidTask)
	}
	if key.SourceKey != "src" {
		return nil, fmt.Errorf("%w: %s", download.ErrUnknownSource, key.SourceKey)
	}
	if _, ok := m.tasks[key]; ok {
		return nil, fmt.Errorf("%w: %s", download.ErrTaskExists, key)
	}
	task := &fakeTask{status: download.Status{
		ID: key.ID, SourceKey: key.SourceKey, Kind: kind, Phase: download.PhaseFetchingMetadata,
	}}
	m.tasks[key] = task
	return task, nil
}

func (m *fakeManager) AddImageSet(key download.Key, chapters []string) (download.Task, error) {
	return m.add(key, download.KindImageSet)
}

func (m *fakeManager) AddArchive(key download.Key, url, title string) (download.Task, error) {
	return m.add(key, download.KindArchive)
}

func (m *fakeManager) control(action string, key download.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[key]; !ok {
		return fmt.Errorf("%w: %s", download.ErrTaskNotFound, key)
	}
	m.actions = append(m.actions, action+" "+key.String())
	if action == "cancel" {
		delete(m.tasks, key)
	}
	return nil
}

func (m *fakeManager) Pause(key download.Key) error  { return m.control("pause", key) }
func (m *fakeManager) Resume(key download.Key) error { return m.control("resume", key) }
func (m *fakeManager) Cancel(key download.Key) error { return m.control("cancel", key) }

func (m *fakeManager) List() []download.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make([]download.Status, 0, len(m.tasks))
	for _, t := range m.tasks {
		statuses = append(statuses, t.status)
	}
	return statuses
}

func (m *fakeManager) AddStatusListener(listener download.StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *fakeManager) notify(status download.Status) {
	m.mu.Lock()
	listeners := append([]download.StatusListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(status)
	}
}

type fakeCatalog struct {
	comics []*storage.Comic
	err    error
}

func (c *fakeCatalog) List(ctx context.Context, limit, offset int) ([]*storage.Comic, error) {
	if c.err != nil {
		return nil, c.err
	}
	if offset >= len(c.comics) {
		return nil, nil
	}
	end := len(c.comics)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return c.comics[offset:end], nil
}

// Helper function to create a test server with fake collaborators
func createTestServer(t *testing.T) (*Server, *fakeManager, *fakeCatalog) {
	t.Helper()
	tasks := newFakeManager()
	catalog := &fakeCatalog{}
	server := NewServer(&Config{
		Host:          "127.0.0.1",
		Port:          9290,
		DefaultSource: "src",
	}, tasks, catalog)
	t.Cleanup(func() { server.Shutdown(context.Background()) })
	return server, tasks, catalog
}

func doRequest(t *testing.T, server *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	server.GetEngine().ServeHTTP(w, req)

	var response map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	}
	return w, response
}

func TestServerHandleServerInfo(t *testing.T) {
	server, _, _ := createTestServer(t)

	w, response := doRequest(t, server, "GET", "/api/info", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", response["status"])

	info, ok := response["version"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "comicvault", info["name"])
}

func TestServerCORSMiddleware(t *testing.T) {
	server, _, _ := createTestServer(t)

	w, _ := doRequest(t, server, "OPTIONS", "/api/tasks", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServerTaskRoutes(t *testing.T) {
	server, tasks, _ := createTestServer(t)

	w, response := doRequest(t, server, "POST", "/api/tasks/images", `{"id":"42","chapters":["c1"]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	task := response["task"].(map[string]interface{})
	assert.Equal(t, "42", task["id"])
	assert.Equal(t, "src", task["sourceKey"])
	assert.Equal(t, "fetching_metadata", task["phase"])

	w, _ = doRequest(t, server, "POST", "/api/tasks/archive", `{"id":"77","source":"src","url":"https://files.example/77.zip"}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	w, response = doRequest(t, server, "GET", "/api/tasks", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), response["total"])

	w, _ = doRequest(t, server, "POST", "/api/tasks/src/42/pause", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = doRequest(t, server, "POST", "/api/tasks/src/42/resume", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = doRequest(t, server, "DELETE", "/api/tasks/src/42", "")
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{"pause src:42", "resume src:42", "cancel src:42"}, tasks.actions)
}

func TestServerTaskErrors(t *testing.T) {
	server, _, _ := createTestServer(t)

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		expected int
	}{
		{"Malformed body", "POST", "/api/tasks/images", `{"id":`, http.StatusBadRequest},
		{"Missing id", "POST", "/api/tasks/images", `{"chapters":[]}`, http.StatusBadRequest},
		{"Archive without url", "POST", "/api/tasks/archive", `{"id":"1"}`, http.StatusBadRequest},
		{"Unknown source", "POST", "/api/tasks/images", `{"id":"1","source":"other"}`, http.StatusBadRequest},
		{"Pause unknown task", "POST", "/api/tasks/src/404/pause", "", http.StatusNotFound},
		{"Resume unknown task", "POST", "/api/tasks/src/404/resume", "", http.StatusNotFound},
		{"Cancel unknown task", "DELETE", "/api/tasks/src/404", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := doRequest(t, server, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.expected, w.Code)
		})
	}

	t.Run("Duplicate task", func(t *testing.T) {
		w, _ := doRequest(t, server, "POST", "/api/tasks/images", `{"id":"dup"}`)
		require.Equal(t, http.StatusCreated, w.Code)
		w, response := doRequest(t, server, "POST", "/api/tasks/images", `{"id":"dup"}`)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, response["error"], "already exists")
	})
}

func TestServerLibrary(t *testing.T) {
	server, _, catalog := createTestServer(t)
	catalog.comics = []*storage.Comic{
		{ComicID: "1", SourceKey: "src", Title: "One"},
		{ComicID: "2", SourceKey: "src", Title: "Two"},
	}

	w, response := doRequest(t, server, "GET", "/api/library?limit=1&offset=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), response["total"])
	comics := response["comics"].([]interface{})
	assert.Equal(t, "Two", comics[0].(map[string]interface{})["title"])

	w, _ = doRequest(t, server, "GET", "/api/library?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	catalog.err = errors.New("database locked")
	w, _ = doRequest(t, server, "GET", "/api/library", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestServerEvents(t *testing.T) {
	server, tasks, _ := createTestServer(t)
	_, err := tasks.AddImageSet(download.Key{ID: "1", SourceKey: "src"}, nil)
	require.NoError(t, err)

	httpServer := httptest.NewServer(server.GetEngine())
	defer httpServer.Close()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	readEvent := func() Event {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var event Event
		require.NoError(t, json.Unmarshal(data, &event))
		return event
	}

	// The current task list is replayed on connect.
	event := readEvent()
	assert.Equal(t, EventTaskUpdate, event.Type)
	assert.Equal(t, "1", event.Data.(map[string]interface{})["id"])

	require.Eventually(t, func() bool { return server.hub.ClientCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	tasks.notify(download.Status{ID: "2", SourceKey: "src", Phase: download.PhaseCompleted, Progress: 1})
	event = readEvent()
	data := event.Data.(map[string]interface{})
	assert.Equal(t, "2", data["id"])
	assert.Equal(t, "completed", data["phase"])
}

func TestHubDropsClientsOnStop(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client := &Client{ID: "c1", send: make(chan []byte, 1), hub: hub}
	require.True(t, hub.Register(client))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, time.Millisecond)

	hub.Emit(EventTaskUpdate, download.Status{ID: "1"})
	select {
	case msg := <-client.send:
		assert.Contains(t, string(msg), `"type":"task_update"`)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for broadcast")
	}

	hub.Stop()
	_, ok := <-client.send
	assert.False(t, ok)
	assert.Equal(t, 0, hub.ClientCount())
	assert.False(t, hub.Register(client))
}
