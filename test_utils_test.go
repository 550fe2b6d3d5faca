package main

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/meinside/openai-go"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupTestDB creates an in-memory SQLite database for testing
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	err = db.AutoMigrate(&User{}, &ChatHistory{}, &FavoriteRecord{}, &GeneratedImageRecord{})
	if err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return db
}

// newTestServer builds a Server wired to the test database. The provider
// client still points at the real endpoint until a test redirects it.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	conf := config{
		OpenAIAPIKey: "test-key",
		DataDir:      t.TempDir(),
	}
	conf.applyDefaults()

	s := &Server{
		conf:     conf,
		ai:       openai.NewClient(conf.OpenAIAPIKey, ""),
		db:       SetupTestDB(t),
		notifier: logNotifier{},
		sessions: make(map[string]*Conversation),
	}
	s.mux = s.setupRoutes()

	return s
}

// fakeProvider simulates the upstream model API. Handlers are per-endpoint
// and each hit is counted.
type fakeProvider struct {
	mutex  sync.Mutex
	server *httptest.Server
	hits   map[string]int

	chatHandler     http.HandlerFunc
	generateHandler http.HandlerFunc
	editHandler     http.HandlerFunc
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()

	fp := &fakeProvider{hits: make(map[string]int)}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", fp.serve("chat", &fp.chatHandler))
	mux.HandleFunc("/v1/images/generations", fp.serve("generate", &fp.generateHandler))
	mux.HandleFunc("/v1/images/edits", fp.serve("edit", &fp.editHandler))

	fp.server = httptest.NewServer(mux)
	t.Cleanup(fp.server.Close)

	fp.chatHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Hi there"}}],"usage":{"total_tokens":5}}`))
	}
	fp.generateHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created":1,"data":[{"url":"https://images.example/generated.png"}]}`))
	}
	fp.editHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created":1,"data":[{"url":"https://images.example/edited.png"}]}`))
	}

	return fp
}

func (fp *fakeProvider) serve(name string, handler *http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fp.mutex.Lock()
		fp.hits[name]++
		h := *handler
		fp.mutex.Unlock()
		h(w, r)
	}
}

func (fp *fakeProvider) hitCount(name string) int {
	fp.mutex.Lock()
	defer fp.mutex.Unlock()

	return fp.hits[name]
}

func (fp *fakeProvider) setHandler(name string, h http.HandlerFunc) {
	fp.mutex.Lock()
	defer fp.mutex.Unlock()

	switch name {
	case "chat":
		fp.chatHandler = h
	case "generate":
		fp.generateHandler = h
	case "edit":
		fp.editHandler = h
	}
}

// stubModelAPI records every call and answers from canned results.
type stubModelAPI struct {
	mutex sync.Mutex

	imageURL     *string
	editURL      *string
	chatResponse *string

	generateCalls   []ImageGenerationParams
	editCalls       []ImageEditParams
	chatCalls       [][]promptMessage
	chatAttachments []*Attachment

	// when set, GenerateChatResponse blocks until the channel closes
	block chan struct{}
}

func (s *stubModelAPI) GenerateImage(params ImageGenerationParams) *string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.generateCalls = append(s.generateCalls, params)

	return s.imageURL
}

func (s *stubModelAPI) EditImage(params ImageEditParams) *string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.editCalls = append(s.editCalls, params)

	return s.editURL
}

func (s *stubModelAPI) GenerateChatResponse(messages []promptMessage, attachment *Attachment) *string {
	s.mutex.Lock()
	s.chatCalls = append(s.chatCalls, messages)
	s.chatAttachments = append(s.chatAttachments, attachment)
	block := s.block
	s.mutex.Unlock()

	if block != nil {
		<-block
	}

	return s.chatResponse
}

func strPtr(s string) *string {
	return &s
}

// memStore is an in-memory HistoryStore for conversation tests.
type memStore struct {
	mutex    sync.Mutex
	settings Settings
	messages []Message
	saves    int
	cleared  bool
}

func newMemStore() *memStore {
	return &memStore{settings: defaultSettings}
}

func (m *memStore) Load() (Settings, []Message, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.settings, append([]Message(nil), m.messages...), nil
}

func (m *memStore) SaveSettings(settings Settings) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.settings = settings
}

func (m *memStore) SaveMessages(messages []Message) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.messages = filterSettled(messages, historyRetentionLimit)
	m.saves++
}

func (m *memStore) Clear() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.messages = nil
	m.cleared = true
}

// recordingNotifier captures surfaced notifications.
type recordingNotifier struct {
	mutex    sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(title, message string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.messages = append(n.messages, title+": "+message)
}

func (n *recordingNotifier) all() []string {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	return append([]string(nil), n.messages...)
}
