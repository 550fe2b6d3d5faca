package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Notifier is the caller's notification channel for user visible errors.
type Notifier interface {
	Notify(title, message string)
}

// logNotifier writes notifications to the log when no UI channel is attached.
type logNotifier struct{}

func (logNotifier) Notify(title, message string) {
	Log.WithField("title", title).Warn(message)
}

type ImageGenerationParams struct {
	Prompt  string `json:"prompt"`
	Size    string `json:"size,omitempty"`
	Style   string `json:"style,omitempty"`
	Quality string `json:"quality,omitempty"`
}

type ImageEditParams struct {
	Prompt       string `json:"prompt"`
	Size         string `json:"size,omitempty"`
	N            int    `json:"n,omitempty"`
	EncodedImage string `json:"encodedImage"`
}

// ModelAPI is the typed wrapper over the proxy gateway. Every call returns
// nil on failure after surfacing the error through the notifier; the
// conversation store must never crash on a failed generation.
type ModelAPI interface {
	GenerateImage(params ImageGenerationParams) *string
	EditImage(params ImageEditParams) *string
	GenerateChatResponse(messages []promptMessage, attachment *Attachment) *string
}

type apiClient struct {
	gatewayURL string
	http       *http.Client
	notifier   Notifier
}

func newAPIClient(gatewayURL string, notifier Notifier) *apiClient {
	if notifier == nil {
		notifier = logNotifier{}
	}

	return &apiClient{
		gatewayURL: gatewayURL,
		http:       &http.Client{Timeout: 120 * time.Second},
		notifier:   notifier,
	}
}

func (c *apiClient) GenerateImage(params ImageGenerationParams) *string {
	var result imageResult
	if err := c.invoke(actionImage, params, &result); err != nil {
		c.notifier.Notify("Image Generation Failed", err.Error())
		return nil
	}

	return result.ImageURL
}

func (c *apiClient) EditImage(params ImageEditParams) *string {
	var result imageResult
	if err := c.invoke(actionImageEdit, params, &result); err != nil {
		c.notifier.Notify("Image Edit Failed", err.Error())
		return nil
	}
	if result.Fallback {
		Log.Info("image edit served by the generation fallback")
	}

	return result.ImageURL
}

func (c *apiClient) GenerateChatResponse(messages []promptMessage, attachment *Attachment) *string {
	payload := chatPayload{Messages: messages, Attachment: attachment}

	var result chatResult
	if err := c.invoke(actionChat, payload, &result); err != nil {
		c.notifier.Notify("Chat Response Failed", err.Error())
		return nil
	}

	return &result.Response.Content
}

// invoke posts an action envelope to the gateway and decodes the outcome.
// A response carrying "error" is a failure regardless of transport status.
func (c *apiClient) invoke(action string, data interface{}, result interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	body, err := json.Marshal(gatewayRequest{Action: action, Data: raw})
	if err != nil {
		return err
	}

	resp, err := c.http.Post(c.gatewayURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err = io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		return fmt.Errorf("%s", envelope.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	return json.Unmarshal(raw, result)
}
