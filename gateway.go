package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/meinside/openai-go"
)

const (
	actionChat      = "chat"
	actionImage     = "image"
	actionImageEdit = "image-edit"

	msgMissingAPIKey = "Missing OpenAI API key"
)

// gatewayRequest is the action-tagged envelope accepted by the proxy endpoint.
type gatewayRequest struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type promptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Messages   []promptMessage `json:"messages"`
	Attachment *Attachment     `json:"attachment,omitempty"`
}

type chatResult struct {
	Response struct {
		Content string `json:"content"`
	} `json:"response"`
	Success bool `json:"success"`
}

type imagePayload struct {
	Prompt  string `json:"prompt"`
	Size    string `json:"size,omitempty"`
	Style   string `json:"style,omitempty"`
	Quality string `json:"quality,omitempty"`
}

type imageEditPayload struct {
	Prompt       string `json:"prompt"`
	Size         string `json:"size,omitempty"`
	N            int    `json:"n,omitempty"`
	EncodedImage string `json:"encodedImage"`
}

type imageResult struct {
	ImageURL *string `json:"imageUrl"`
	Fallback bool    `json:"fallback,omitempty"`
	Success  bool    `json:"success"`
}

// handleOpenAI is the stateless proxy gateway. It attaches the server held
// credential, forwards to the provider and normalizes the outcome into a
// uniform envelope. Presence of "error" in the response is authoritative
// regardless of transport status.
func (s *Server) handleOpenAI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// the credential is resolved once at client construction; handlers only
	// ever read it
	if s.ai.APIKey == "" {
		Log.Error("missing OpenAI API key")
		s.writeJSONError(w, http.StatusInternalServerError, msgMissingAPIKey)
		return
	}

	var req gatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch req.Action {
	case actionChat:
		s.gatewayChat(w, req.Data)
	case actionImage:
		s.gatewayImage(w, req.Data)
	case actionImageEdit:
		s.gatewayImageEdit(w, req.Data)
	default:
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Unknown action: %s", req.Action))
	}
}

func (s *Server) gatewayChat(w http.ResponseWriter, data json.RawMessage) {
	var payload chatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid chat payload")
		return
	}
	if len(payload.Messages) == 0 {
		s.writeJSONError(w, http.StatusBadRequest, "Missing messages for chat request")
		return
	}

	history := make([]openai.ChatMessage, 0, len(payload.Messages))
	for i := range payload.Messages {
		m := payload.Messages[i]
		history = append(history, openai.ChatMessage{
			Role:    openai.ChatMessageRole(m.Role),
			Content: &m.Content,
		})
	}

	if payload.Attachment != nil {
		last := &history[len(history)-1]
		text := payload.Messages[len(payload.Messages)-1].Content
		if strings.HasPrefix(payload.Attachment.MediaType, "image/") {
			image, err := decodeAttachmentData(payload.Attachment.EncodedData)
			if err != nil {
				s.writeJSONError(w, http.StatusBadRequest, "Invalid attachment encoding")
				return
			}
			content := []openai.ChatMessageContent{{Type: "text", Text: &text}}
			content = append(content, openai.NewChatMessageContentWithBytes(image))
			last.Content = content
		} else {
			noted := fmt.Sprintf("%s\n\n(attached file: %s)", text, payload.Attachment.Name)
			last.Content = &noted
		}
	}

	Log.WithField("messages", len(history)).Info("processing chat completion request")

	response, err := s.ai.CreateChatCompletion(s.conf.ChatModel, history,
		openai.ChatCompletionOptions{}.SetTemperature(0.7))
	if err != nil {
		Log.Error(err)
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to process chat request")
		return
	}
	if len(response.Choices) == 0 {
		s.writeJSONError(w, http.StatusInternalServerError, "No response from API")
		return
	}

	content, err := response.Choices[0].Message.ContentString()
	if err != nil {
		Log.Error(err)
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to process chat request")
		return
	}

	var result chatResult
	result.Response.Content = content
	result.Success = true
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) gatewayImage(w http.ResponseWriter, data json.RawMessage) {
	var payload imagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid image payload")
		return
	}
	if strings.TrimSpace(payload.Prompt) == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing prompt for image generation")
		return
	}

	url, err := s.createImage(payload.Prompt, payload.Size, payload.Style, payload.Quality)
	if err != nil {
		Log.Error(err)
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to generate image")
		return
	}

	s.writeJSON(w, http.StatusOK, imageResult{ImageURL: url, Success: true})
}

// gatewayImageEdit forwards to the provider's edit capability. When the edit
// call fails for the given inputs, it degrades to plain generation with a
// prompt that textually references the uploaded image; the response carries
// fallback=true so the caller can tell which branch ran.
func (s *Server) gatewayImageEdit(w http.ResponseWriter, data json.RawMessage) {
	var payload imageEditPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid image-edit payload")
		return
	}
	if strings.TrimSpace(payload.Prompt) == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing prompt for image edit")
		return
	}
	if payload.EncodedImage == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing reference image for edit request")
		return
	}

	image, err := decodeAttachmentData(payload.EncodedImage)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid reference image encoding")
		return
	}

	if url := s.editImage(image, payload.Prompt, payload.Size); url != nil {
		s.writeJSON(w, http.StatusOK, imageResult{ImageURL: url, Success: true})
		return
	}

	Log.Warn("image edit failed, falling back to generation with reference prompt")

	prompt := payload.Prompt + " (match the style and composition of the uploaded reference image)"
	url, err := s.createImage(prompt, payload.Size, "", "")
	if err != nil {
		Log.Error(err)
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to generate image")
		return
	}

	s.writeJSON(w, http.StatusOK, imageResult{ImageURL: url, Fallback: true, Success: true})
}

func (s *Server) createImage(prompt, size, style, quality string) (*string, error) {
	options := openai.ImageOptions{}.
		SetResponseFormat(openai.IamgeResponseFormatURL).
		SetModel(s.conf.ImageModel).
		SetN(1)
	options.SetSize(generationSize(size))
	if style != "" {
		options.SetStyle(openai.ImageStyle(style))
	}
	if quality == "hd" {
		options.SetQuality("hd")
	}

	created, err := s.ai.CreateImage(prompt, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create image: %w", err)
	}
	if len(created.Data) == 0 {
		return nil, nil
	}

	Log.WithField("results", len(created.Data)).Info("image generation complete")

	return created.Data[0].URL, nil
}

func (s *Server) editImage(image []byte, prompt, size string) *string {
	options := openai.ImageEditOptions{}.
		SetResponseFormat(openai.IamgeResponseFormatURL).
		SetN(1)
	options.SetSize(editSize(size))

	created, err := s.ai.CreateImageEdit(openai.NewFileParamFromBytes(image), prompt, options)
	if err != nil {
		Log.Warn("image edit error: ", err)
		return nil
	}
	if len(created.Data) == 0 {
		return nil
	}

	return created.Data[0].URL
}

func generationSize(size string) openai.ImageSize {
	switch size {
	case "1792x1024":
		return openai.ImageSize1792x1024_DallE3
	case "1024x1792":
		return openai.ImageSize1024x1792_DallE3
	default:
		return openai.ImageSize1024x1024_DallE3
	}
}

// the edit capability only accepts square dall-e-2 sizes
func editSize(size string) openai.ImageSize {
	switch size {
	case "256x256":
		return openai.ImageSize256x256_DallE2
	case "512x512":
		return openai.ImageSize512x512_DallE2
	default:
		return openai.ImageSize1024x1024_DallE2
	}
}

// decodeAttachmentData decodes base64 attachment bytes,
// tolerating a data URI prefix.
func decodeAttachmentData(encoded string) ([]byte, error) {
	if idx := strings.Index(encoded, ","); idx != -1 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[idx+1:]
	}

	return base64.StdEncoding.DecodeString(encoded)
}
