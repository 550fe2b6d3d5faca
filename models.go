package main

import (
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/meinside/openai-go"
	"gorm.io/gorm"
)

type Server struct {
	sync.RWMutex
	conf     config
	ai       *openai.Client
	db       *gorm.DB
	client   ModelAPI
	notifier Notifier
	sessions map[string]*Conversation
	mux      *http.ServeMux
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ImageData describes a generated image attached to a settled assistant message.
type ImageData struct {
	URL    string `json:"url"`
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	Style  string `json:"style"`
}

// Attachment is the transportable form of a user supplied file.
type Attachment struct {
	Name        string `json:"name"`
	MediaType   string `json:"mediaType"`
	EncodedData string `json:"encodedData"`
}

// Message is one turn in a conversation transcript.
type Message struct {
	ID         string      `json:"id"`
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	Timestamp  time.Time   `json:"timestamp"`
	Pending    bool        `json:"pending,omitempty"`
	Image      *ImageData  `json:"image,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

type Settings struct {
	ImageSize    string `json:"imageSize"`
	ImageStyle   string `json:"imageStyle"`
	ImageQuality string `json:"imageQuality"`
}

var defaultSettings = Settings{
	ImageSize:    "1024x1024",
	ImageStyle:   "vivid",
	ImageQuality: "standard",
}

// Messages is a custom type that will allow us to implement
// the driver.Valuer and sql.Scanner interfaces on a slice of Message.
type Messages []Message

// Value implements the driver.Valuer interface, allowing
// for converting the Messages to a JSON string for database storage.
func (m Messages) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface, allowing for
// converting a JSON string from the database back into the Messages slice.
func (m *Messages) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		s, sok := value.(string)
		if !sok {
			return fmt.Errorf("type assertion to []byte failed")
		}
		b = []byte(s)
	}

	return json.Unmarshal(b, &m)
}

type User struct {
	gorm.Model
	Identity string `gorm:"uniqueIndex"`
}

// ChatHistory is the durable per-identity transcript record,
// created lazily on first need.
type ChatHistory struct {
	gorm.Model
	Identity     string   `gorm:"uniqueIndex"`
	ImageSize    string   `json:"image_size"`
	ImageStyle   string   `json:"image_style"`
	ImageQuality string   `json:"image_quality"`
	Messages     Messages `gorm:"type:text"`
}

type FavoriteRecord struct {
	ID        string    `gorm:"primarykey" json:"id"`
	Identity  string    `gorm:"index:idx_favorites_identity_url,unique" json:"-"`
	ImageURL  string    `gorm:"index:idx_favorites_identity_url,unique" json:"imageUrl"`
	Title     string    `json:"title"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"createdAt"`
}

type GeneratedImageRecord struct {
	ID        string    `gorm:"primarykey" json:"id"`
	Identity  string    `gorm:"index" json:"-"`
	URL       string    `json:"url"`
	Prompt    string    `json:"prompt"`
	Size      string    `json:"size"`
	Style     string    `json:"style"`
	CreatedAt time.Time `json:"createdAt"`
}

func toBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
