package main

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	imageCommandPrefix = "/image"
	editMarkerPhrase   = "reference image"

	msgImageSuccess = "Here's the image you requested:"
	msgImageFailure = "I couldn't generate that image. Please try a different prompt."
	msgChatFailure  = "I couldn't generate a response. Please try again."
)

var (
	ErrBusy            = errors.New("a submission is already in flight")
	ErrEmptySubmission = errors.New("nothing to submit")
)

// ImageRecorder receives generated images for identity-bearing sessions.
// Recording is fire-and-forget; a failure never fails the user visible flow.
type ImageRecorder interface {
	RecordGeneratedImage(identity string, image ImageData)
}

// SendRequest carries one user submission.
type SendRequest struct {
	Content string
	File    *Attachment
	// ImageURL is a pre-generated image supplied directly (e.g. from an
	// edit flow); it routes the submission to the image path without a
	// provider call.
	ImageURL string
	// EditMode is the explicit edit toggle; it takes precedence over the
	// marker phrase sniffed from the text.
	EditMode bool
}

// Conversation owns the ordered transcript and settings for one session.
// Mutations happen under a single mutex; at most one submission is in
// flight at a time.
type Conversation struct {
	mutex      sync.Mutex
	messages   []Message
	settings   Settings
	client     ModelAPI
	store      HistoryStore
	notifier   Notifier
	recorder   ImageRecorder
	identity   string
	processing bool
}

func newConversation(client ModelAPI, store HistoryStore, notifier Notifier, recorder ImageRecorder, identity string) *Conversation {
	if notifier == nil {
		notifier = logNotifier{}
	}

	c := &Conversation{
		client:   client,
		store:    store,
		notifier: notifier,
		recorder: recorder,
		identity: identity,
		settings: defaultSettings,
	}

	if store != nil {
		settings, messages, err := store.Load()
		if err != nil {
			Log.Warn("failed to load chat history: ", err)
		} else {
			c.settings = settings
			c.messages = messages
		}
	}

	return c
}

func (c *Conversation) Messages() []Message {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	out := make([]Message, len(c.messages))
	copy(out, c.messages)

	return out
}

func (c *Conversation) Settings() Settings {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.settings
}

func (c *Conversation) UpdateSettings(settings Settings) {
	c.mutex.Lock()
	c.settings = settings
	c.mutex.Unlock()

	if c.store != nil {
		c.store.SaveSettings(settings)
	}
}

func (c *Conversation) IsProcessing() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.processing
}

func (c *Conversation) Clear() {
	c.mutex.Lock()
	c.messages = nil
	c.mutex.Unlock()

	if c.store != nil {
		c.store.Clear()
	}
}

// Send processes one submission: appends the finalized user message and a
// pending assistant message, classifies intent, dispatches to the model
// client and reconciles the result. It is synchronous, so results settle in
// dispatch order. Returns the settled assistant message.
func (c *Conversation) Send(req SendRequest) (*Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" && req.File == nil && req.ImageURL == "" {
		return nil, ErrEmptySubmission
	}

	c.mutex.Lock()
	if c.processing {
		c.mutex.Unlock()
		return nil, ErrBusy
	}
	c.processing = true

	now := time.Now()
	user := Message{
		ID:         uuid.NewString(),
		Role:       RoleUser,
		Content:    req.Content,
		Timestamp:  now,
		Attachment: req.File,
	}
	pending := Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   "",
		Timestamp: now,
		Pending:   true,
	}
	c.messages = append(c.messages, user, pending)

	// chat context is captured before dispatch: prior settled turns only
	prior := c.priorTurns(user.ID, pending.ID)
	settings := c.settings
	c.mutex.Unlock()

	defer func() {
		c.mutex.Lock()
		c.processing = false
		c.mutex.Unlock()
	}()

	if isImageRequest(content, req.ImageURL) {
		c.handleImageRequest(pending.ID, content, settings, req)
	} else {
		c.handleChatRequest(pending.ID, req.Content, prior, req.File)
	}

	c.saveMessages()

	settled := c.message(pending.ID)

	return settled, nil
}

// isImageRequest matches the leading image command as a whole token, so
// unrelated words sharing the prefix stay on the chat path.
func isImageRequest(content, imageURL string) bool {
	if imageURL != "" {
		return true
	}
	if !strings.HasPrefix(content, imageCommandPrefix) {
		return false
	}
	rest := content[len(imageCommandPrefix):]

	return rest == "" || strings.HasPrefix(rest, " ")
}

func isEditRequest(req SendRequest) bool {
	if req.File == nil {
		return false
	}
	if req.EditMode {
		return true
	}

	return strings.Contains(strings.ToLower(req.Content), editMarkerPhrase)
}

func (c *Conversation) handleImageRequest(pendingID, content string, settings Settings, req SendRequest) {
	prompt := strings.TrimSpace(strings.TrimPrefix(content, imageCommandPrefix))

	// a pre-generated image needs no provider round-trip
	if req.ImageURL != "" {
		c.settleImage(pendingID, ImageData{
			URL:    req.ImageURL,
			Prompt: prompt,
			Size:   settings.ImageSize,
			Style:  settings.ImageStyle,
		})
		return
	}

	var url *string
	if isEditRequest(req) {
		url = c.client.EditImage(ImageEditParams{
			Prompt:       prompt,
			Size:         settings.ImageSize,
			N:            1,
			EncodedImage: req.File.EncodedData,
		})
	} else {
		// a file present here is conversational context, not generation input
		url = c.client.GenerateImage(ImageGenerationParams{
			Prompt:  prompt,
			Size:    settings.ImageSize,
			Style:   settings.ImageStyle,
			Quality: settings.ImageQuality,
		})
	}

	if url == nil {
		c.settle(pendingID, func(m *Message) {
			m.Content = msgImageFailure
		})
		return
	}

	c.settleImage(pendingID, ImageData{
		URL:    *url,
		Prompt: prompt,
		Size:   settings.ImageSize,
		Style:  settings.ImageStyle,
	})
}

func (c *Conversation) handleChatRequest(pendingID, content string, prior []promptMessage, attachment *Attachment) {
	apiMessages := append(prior, promptMessage{Role: string(RoleUser), Content: content})

	response := c.client.GenerateChatResponse(apiMessages, attachment)
	if response == nil {
		c.settle(pendingID, func(m *Message) {
			m.Content = msgChatFailure
		})
		return
	}

	c.settle(pendingID, func(m *Message) {
		m.Content = *response
	})
}

// priorTurns collects the settled transcript before the given pair,
// for use as chat context. Pending entries never reach the provider.
func (c *Conversation) priorTurns(userID, pendingID string) []promptMessage {
	prior := make([]promptMessage, 0, len(c.messages))
	for _, m := range c.messages {
		if m.Pending || m.ID == userID || m.ID == pendingID {
			continue
		}
		prior = append(prior, promptMessage{Role: string(m.Role), Content: m.Content})
	}

	return prior
}

// settle transitions the pending assistant message to its terminal state
// exactly once. A message that already settled is left untouched.
func (c *Conversation) settle(id string, update func(*Message)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for i := range c.messages {
		if c.messages[i].ID != id {
			continue
		}
		if !c.messages[i].Pending {
			return
		}
		update(&c.messages[i])
		c.messages[i].Pending = false
		return
	}
}

func (c *Conversation) settleImage(pendingID string, image ImageData) {
	img := image
	c.settle(pendingID, func(m *Message) {
		m.Content = msgImageSuccess
		m.Image = &img
	})

	if c.recorder != nil && c.identity != "" {
		go c.recorder.RecordGeneratedImage(c.identity, img)
	}
}

func (c *Conversation) saveMessages() {
	if c.store == nil {
		return
	}

	c.store.SaveMessages(c.Messages())
}

func (c *Conversation) message(id string) *Message {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for i := range c.messages {
		if c.messages[i].ID == id {
			m := c.messages[i]
			return &m
		}
	}

	return nil
}
