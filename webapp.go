package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/meinside/openai-go"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	headerIdentity = "X-Identity"
	headerSession  = "X-Session-ID"
)

func newServer(conf config) (*Server, error) {
	db, err := gorm.Open(sqlite.Open(conf.DBPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&User{}, &ChatHistory{}, &FavoriteRecord{}, &GeneratedImageRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if err := os.MkdirAll(conf.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	ai := openai.NewClient(conf.apiKey(), conf.OpenAIOrganizationID)
	ai.Verbose = conf.Verbose
	if conf.OpenAIBaseURL != "" {
		ai.SetBaseURL(conf.OpenAIBaseURL)
	}

	s := &Server{
		conf:     conf,
		ai:       ai,
		db:       db,
		notifier: logNotifier{},
		sessions: make(map[string]*Conversation),
	}
	s.client = newAPIClient(gatewayURL(conf.Listen), s.notifier)
	s.mux = s.setupRoutes()

	return s, nil
}

// gatewayURL derives the loopback address of our own proxy endpoint from the
// listen address.
func gatewayURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}

	return "http://" + listen + "/api/openai"
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/openai", s.corsMiddleware(s.handleOpenAI))
	mux.HandleFunc("/api/chat", s.corsMiddleware(s.handleChat))
	mux.HandleFunc("/api/messages", s.corsMiddleware(s.handleMessages))
	mux.HandleFunc("/api/settings", s.corsMiddleware(s.handleSettings))
	mux.HandleFunc("/api/favorites", s.corsMiddleware(s.handleFavorites))
	mux.HandleFunc("/api/favorites/", s.corsMiddleware(s.handleFavoritesWithID))
	mux.HandleFunc("/api/suggestions", s.corsMiddleware(s.handleSuggestions))
	mux.HandleFunc("/api/session", s.corsMiddleware(s.handleSession))

	return mux
}

func (s *Server) run() error {
	Log.WithField("listen", s.conf.Listen).Info("starting server")

	return http.ListenAndServe(s.conf.Listen, s.mux)
}

// CORS middleware
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Identity, X-Session-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// Helper functions for JSON responses
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// identity returns the opaque signed-in user key, empty when anonymous.
func identity(r *http.Request) string {
	return r.Header.Get(headerIdentity)
}

var sessionKeyPattern = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func sessionKey(r *http.Request) string {
	session := r.Header.Get(headerSession)
	if session == "" {
		session = "default"
	}

	return sessionKeyPattern.ReplaceAllString(session, "_")
}

func conversationKey(r *http.Request) string {
	if id := identity(r); id != "" {
		return "identity:" + id
	}

	return "session:" + sessionKey(r)
}

// getConversation returns the conversation for this request's session,
// constructing it on first use. Identity-bearing sessions persist through the
// database; anonymous sessions stay local to a history file and do not
// migrate on a later sign-in.
func (s *Server) getConversation(r *http.Request) *Conversation {
	key := conversationKey(r)

	s.Lock()
	defer s.Unlock()

	if c, ok := s.sessions[key]; ok {
		return c
	}

	var store HistoryStore
	id := identity(r)
	if id != "" {
		var user User
		if err := s.db.FirstOrCreate(&user, User{Identity: id}).Error; err != nil {
			Log.Warn("failed to ensure user record: ", err)
		}
		store = newDBStore(s.db, id, s.notifier)
	} else {
		path := filepath.Join(s.conf.DataDir, "history-"+sessionKey(r)+".json")
		store = newFileStore(path, s.notifier)
	}

	c := newConversation(s.client, store, s.notifier, s, id)
	s.sessions[key] = c

	return c
}

type chatAPIRequest struct {
	Content    string      `json:"content"`
	EditMode   bool        `json:"editMode,omitempty"`
	ImageURL   string      `json:"imageUrl,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// handleChat accepts one submission, as JSON or as multipart form data with
// an optional file part, and returns the settled assistant message.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req chatAPIRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(MaxFileSize); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid form data")
			return
		}
		req.Content = r.FormValue("content")
		req.EditMode = r.FormValue("editMode") == "true"
		req.ImageURL = r.FormValue("imageUrl")

		if file, header, err := r.FormFile("file"); err == nil {
			defer file.Close()
			attachment, err := prepareAttachment(header.Filename, file)
			if err != nil {
				s.writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			req.Attachment = attachment
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	conversation := s.getConversation(r)
	settled, err := conversation.Send(SendRequest{
		Content:  req.Content,
		File:     req.Attachment,
		ImageURL: req.ImageURL,
		EditMode: req.EditMode,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrBusy):
			s.writeJSONError(w, http.StatusTooManyRequests, "A submission is already being processed")
		case errors.Is(err, ErrEmptySubmission):
			s.writeJSONError(w, http.StatusBadRequest, "Nothing to submit")
		default:
			s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"message": settled, "success": true})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	conversation := s.getConversation(r)

	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"messages": conversation.Messages()})
	case http.MethodDelete:
		conversation.Clear()
		w.WriteHeader(http.StatusNoContent)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	conversation := s.getConversation(r)

	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, conversation.Settings())
	case http.MethodPut:
		var settings Settings
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := ValidateSettings(settings); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		conversation.UpdateSettings(settings)
		s.writeJSON(w, http.StatusOK, settings)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

type favoriteRequest struct {
	ImageURL string `json:"imageUrl"`
	Title    string `json:"title"`
	Prompt   string `json:"prompt"`
}

func (s *Server) handleFavorites(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if id == "" {
		s.writeJSONError(w, http.StatusUnauthorized, "Sign in to manage favorites")
		return
	}

	switch r.Method {
	case http.MethodGet:
		favorites, err := s.listFavorites(id)
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, "Failed to load favorites")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"favorites": favorites})
	case http.MethodPost:
		var req favoriteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		record, err := s.addFavorite(id, req.ImageURL, req.Title, req.Prompt)
		if errors.Is(err, ErrAlreadyFavorited) {
			s.writeJSONError(w, http.StatusConflict, "Already favorited")
			return
		}
		if errors.Is(err, ErrInvalidInput) {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, "Failed to save favorite")
			return
		}
		s.writeJSON(w, http.StatusCreated, record)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleFavoritesWithID(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if id == "" {
		s.writeJSONError(w, http.StatusUnauthorized, "Sign in to manage favorites")
		return
	}
	if r.Method != http.MethodDelete {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	favoriteID := extractPathParam(r.URL.Path, "/api/favorites")
	if favoriteID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing favorite id")
		return
	}

	if err := s.deleteFavorite(id, favoriteID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "Favorite not found")
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to delete favorite")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSession tears the session's conversation down on sign-out.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.Lock()
	delete(s.sessions, conversationKey(r))
	s.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// Extract path parameter from URL (e.g., /api/favorites/123 -> 123)
func extractPathParam(path, prefix string) string {
	if strings.HasPrefix(path, prefix) {
		param := strings.TrimPrefix(path, prefix)
		param = strings.TrimPrefix(param, "/")
		if idx := strings.Index(param, "/"); idx != -1 {
			param = param[:idx]
		}
		return param
	}
	return ""
}
