package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/meinside/openai-go"
)

var defaultSuggestions = []string{
	"A modern storefront display with bold seasonal colors",
	"A flat lay of products on a rustic wooden table, soft natural light",
	"A vibrant lifestyle scene featuring happy customers outdoors",
}

var camelBoundary = regexp.MustCompile(`([A-Z])`)

type suggestionsRequest struct {
	UserType string `json:"userType"`
}

type suggestionsResponse struct {
	Suggestions []string `json:"suggestions"`
	Success     bool     `json:"success"`
}

// handleSuggestions produces three short prompt ideas tailored to the user's
// profession. A malformed model reply degrades to the canned defaults rather
// than failing the request.
func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.ai.APIKey == "" {
		s.writeJSONError(w, http.StatusInternalServerError, msgMissingAPIKey)
		return
	}

	var req suggestionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserType == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing userType parameter")
		return
	}

	userType := formatUserType(req.UserType)
	Log.WithField("userType", userType).Info("generating prompt suggestions")

	system := openai.NewChatSystemMessage(fmt.Sprintf(
		"You are a creative assistant that generates prompt ideas for AI image generation. "+
			"The user is a %s. Generate 3 short, descriptive visual prompt ideas tailored "+
			"specifically for this profession that they could use to generate marketing images. "+
			"Keep each prompt under 130 characters. Return ONLY a JSON array of strings with no explanation.",
		userType))
	user := openai.NewChatUserMessage(fmt.Sprintf(
		"Generate 3 creative prompt ideas for AI image generation for a %s.", userType))

	response, err := s.ai.CreateChatCompletion(s.conf.ChatModel,
		[]openai.ChatMessage{system, user},
		openai.ChatCompletionOptions{}.SetTemperature(0.7))
	if err != nil {
		Log.Error(err)
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to generate suggestions")
		return
	}
	if len(response.Choices) == 0 {
		s.writeJSON(w, http.StatusOK, suggestionsResponse{Suggestions: defaultSuggestions, Success: true})
		return
	}

	content, err := response.Choices[0].Message.ContentString()
	if err != nil {
		s.writeJSON(w, http.StatusOK, suggestionsResponse{Suggestions: defaultSuggestions, Success: true})
		return
	}

	s.writeJSON(w, http.StatusOK, suggestionsResponse{
		Suggestions: parseSuggestions(content),
		Success:     true,
	})
}

// formatUserType turns a camelCased user type into readable words.
func formatUserType(userType string) string {
	if userType == "general" {
		return "general user"
	}

	spaced := camelBoundary.ReplaceAllString(userType, " $1")

	return strings.ToLower(strings.TrimSpace(spaced)) + " owner"
}

// parseSuggestions extracts a JSON array of strings from the model output,
// stripping code fences if present. Anything unparseable yields the defaults.
func parseSuggestions(content string) []string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var suggestions []string
	if err := json.Unmarshal([]byte(content), &suggestions); err != nil || len(suggestions) == 0 {
		return defaultSuggestions
	}

	return suggestions
}
