package main

import (
	"errors"
	"fmt"
	"strings"
)

// Input validation errors
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInputTooShort = errors.New("input too short")
	ErrInputTooLong  = errors.New("input too long")
	ErrInvalidFormat = errors.New("invalid format")
)

// Validation constraints
const (
	MinPromptLength = 3
	MaxPromptLength = 4000
	MaxFileSize     = 10 * 1024 * 1024 // 10MB
)

var (
	validImageSizes     = []string{"1024x1024", "1792x1024", "1024x1792", "512x512", "256x256"}
	validImageStyles    = []string{"vivid", "natural"}
	validImageQualities = []string{"standard", "hd"}
)

// ValidatePrompt validates user prompt input
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt cannot be empty", ErrInvalidInput)
	}

	if len(prompt) < MinPromptLength {
		return fmt.Errorf("%w: prompt must be at least %d characters", ErrInputTooShort, MinPromptLength)
	}

	if len(prompt) > MaxPromptLength {
		return fmt.Errorf("%w: prompt must be at most %d characters", ErrInputTooLong, MaxPromptLength)
	}

	return nil
}

// ValidateFileSize validates uploaded file size
func ValidateFileSize(size int64) error {
	if size <= 0 {
		return fmt.Errorf("%w: file size must be greater than 0", ErrInvalidInput)
	}

	if size > MaxFileSize {
		return fmt.Errorf("%w: file size must be less than %d bytes", ErrInputTooLong, MaxFileSize)
	}

	return nil
}

// ValidateSettings validates an image settings update
func ValidateSettings(settings Settings) error {
	if !in_array(settings.ImageSize, validImageSizes) {
		return fmt.Errorf("%w: unsupported image size %q", ErrInvalidFormat, settings.ImageSize)
	}
	if !in_array(settings.ImageStyle, validImageStyles) {
		return fmt.Errorf("%w: unsupported image style %q", ErrInvalidFormat, settings.ImageStyle)
	}
	if !in_array(settings.ImageQuality, validImageQualities) {
		return fmt.Errorf("%w: unsupported image quality %q", ErrInvalidFormat, settings.ImageQuality)
	}

	return nil
}

func in_array(needle string, haystack []string) bool {
	for _, v := range haystack {
		if needle == v {
			return true
		}
	}

	return false
}
