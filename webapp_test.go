package main

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireTestServer exposes the full route table over httptest and points the
// model client at our own gateway endpoint, the way the live server runs.
func wireTestServer(t *testing.T) (*Server, *fakeProvider) {
	t.Helper()

	s := newTestServer(t)
	provider := newFakeProvider(t)
	s.ai.SetBaseURL(provider.server.URL)

	web := httptest.NewServer(s.mux)
	t.Cleanup(web.Close)
	s.client = newAPIClient(web.URL+"/api/openai", s.notifier)

	return s, provider
}

func TestChatEndpointFullImageFlow(t *testing.T) {
	s, _ := wireTestServer(t)

	body := []byte(`{"content":"/image a red bicycle"}`)
	r := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(headerSession, "sess-1")
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var result struct {
		Message Message `json:"message"`
		Success bool    `json:"success"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, msgImageSuccess, result.Message.Content)
	require.NotNil(t, result.Message.Image)
	assert.Equal(t, "a red bicycle", result.Message.Image.Prompt)
	assert.Equal(t, "https://images.example/generated.png", result.Message.Image.URL)

	// the transcript now holds the settled pair
	r = httptest.NewRequest(http.MethodGet, "/api/messages", nil)
	r.Header.Set(headerSession, "sess-1")
	w = httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var listing struct {
		Messages []Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Len(t, listing.Messages, 2)
	assert.False(t, listing.Messages[1].Pending)
}

func TestChatEndpointChatFailure(t *testing.T) {
	s, provider := wireTestServer(t)

	provider.setHandler("chat", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	})

	body := []byte(`{"content":"hello"}`)
	r := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var result struct {
		Message Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, msgChatFailure, result.Message.Content)
	assert.Nil(t, result.Message.Image)
}

func TestChatEndpointMultipartAttachment(t *testing.T) {
	s, _ := wireTestServer(t)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	require.NoError(t, form.WriteField("content", "what is in this file?"))
	part, err := form.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("plain text notes"))
	require.NoError(t, err)
	require.NoError(t, form.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/chat", &buf)
	r.Header.Set("Content-Type", form.FormDataContentType())
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var result struct {
		Message Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "Hi there", result.Message.Content)
}

func TestChatEndpointEmptySubmission(t *testing.T) {
	s, _ := wireTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader([]byte(`{"content":"  "}`)))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMessagesClearEndpoint(t *testing.T) {
	s, _ := wireTestServer(t)

	body := []byte(`{"content":"hello"}`)
	r := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	r = httptest.NewRequest(http.MethodDelete, "/api/messages", nil)
	w = httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/api/messages", nil)
	w = httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)

	var listing struct {
		Messages []Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Empty(t, listing.Messages)
}

func TestSettingsEndpoint(t *testing.T) {
	s, _ := wireTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var settings Settings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settings))
	assert.Equal(t, defaultSettings, settings)

	update := []byte(`{"imageSize":"1792x1024","imageStyle":"natural","imageQuality":"hd"}`)
	r = httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewReader(update))
	w = httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	w = httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settings))
	assert.Equal(t, "1792x1024", settings.ImageSize)
	assert.Equal(t, "natural", settings.ImageStyle)
}

func TestSettingsEndpointRejectsUnknownValues(t *testing.T) {
	s, _ := wireTestServer(t)

	update := []byte(`{"imageSize":"4096x4096","imageStyle":"vivid","imageQuality":"standard"}`)
	r := httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewReader(update))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionTeardown(t *testing.T) {
	s, _ := wireTestServer(t)

	body := []byte(`{"content":"hello"}`)
	r := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(headerIdentity, "user-1")
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	s.RLock()
	_, alive := s.sessions["identity:user-1"]
	s.RUnlock()
	require.True(t, alive)

	r = httptest.NewRequest(http.MethodDelete, "/api/session", nil)
	r.Header.Set(headerIdentity, "user-1")
	w = httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)

	s.RLock()
	_, alive = s.sessions["identity:user-1"]
	s.RUnlock()
	assert.False(t, alive)
}

func TestIdentityHistorySurvivesConversationRebuild(t *testing.T) {
	s, _ := wireTestServer(t)

	body := []byte(`{"content":"hello"}`)
	r := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(headerIdentity, "user-1")
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	// simulate sign-out and sign-in: the conversation is rebuilt from the db
	s.Lock()
	delete(s.sessions, "identity:user-1")
	s.Unlock()

	r = httptest.NewRequest(http.MethodGet, "/api/messages", nil)
	r.Header.Set(headerIdentity, "user-1")
	w = httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)

	var listing struct {
		Messages []Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Len(t, listing.Messages, 2)
	assert.Equal(t, "hello", listing.Messages[0].Content)
}

func TestIdentityConversationEnsuresUserRecord(t *testing.T) {
	s, _ := wireTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/api/messages", nil)
	r.Header.Set(headerIdentity, "user-1")
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var user User
	require.NoError(t, s.db.Where("identity = ?", "user-1").First(&user).Error)
}

func TestGatewayURLDerivation(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080/api/openai", gatewayURL(":8080"))
	assert.Equal(t, "http://0.0.0.0:9000/api/openai", gatewayURL("0.0.0.0:9000"))
}
