package main

import (
	"encoding/json"
	"os"

	log "github.com/sirupsen/logrus"
)

var Log = log.New()

// config struct for loading a configuration file
type config struct {
	// http server
	Listen string `json:"listen"`

	// openai api
	OpenAIAPIKey         string `json:"openai_api_key"`
	OpenAIOrganizationID string `json:"openai_org_id"`
	// optional OpenAI-compatible endpoint (local models etc.)
	OpenAIBaseURL string `json:"openai_base_url,omitempty"`

	ChatModel  string `json:"chat_model"`
	ImageModel string `json:"image_model"`

	// other configurations
	DBPath  string `json:"db_path"`
	DataDir string `json:"data_dir"`
	Verbose bool   `json:"verbose,omitempty"`
}

// load config at given path
func loadConfig(fpath string) (conf config, err error) {
	var bytes []byte
	if bytes, err = os.ReadFile(fpath); err == nil {
		if err = json.Unmarshal(bytes, &conf); err == nil {
			conf.applyDefaults()
			return conf, nil
		}
	}

	return config{}, err
}

func (c *config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.ChatModel == "" {
		c.ChatModel = "gpt-4o-mini"
	}
	if c.ImageModel == "" {
		c.ImageModel = "dall-e-3"
	}
	if c.DBPath == "" {
		c.DBPath = "imagechat.db"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
}

// apiKey returns the server held provider credential, resolved once when the
// client is constructed. The client never transmits a key.
func (c config) apiKey() string {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return key
	}
	if key := os.Getenv("OPEN_AI_KEY"); key != "" {
		return key
	}

	return c.OpenAIAPIKey
}
