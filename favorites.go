package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrAlreadyFavorited = errors.New("already favorited")

// addFavorite stores a favorite for the given identity. At most one record
// exists per (identity, imageUrl); a duplicate attempt is detected and
// rejected, returning the existing record alongside ErrAlreadyFavorited.
func (s *Server) addFavorite(identity, imageURL, title, prompt string) (*FavoriteRecord, error) {
	if identity == "" {
		return nil, fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}
	if imageURL == "" {
		return nil, fmt.Errorf("%w: imageUrl is required", ErrInvalidInput)
	}

	var existing FavoriteRecord
	err := s.db.Where("identity = ? AND image_url = ?", identity, imageURL).First(&existing).Error
	if err == nil {
		return &existing, ErrAlreadyFavorited
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	record := &FavoriteRecord{
		ID:        uuid.NewString(),
		Identity:  identity,
		ImageURL:  imageURL,
		Title:     title,
		Prompt:    prompt,
		CreatedAt: time.Now(),
	}
	if err := s.db.Create(record).Error; err != nil {
		return nil, err
	}

	return record, nil
}

func (s *Server) deleteFavorite(identity, id string) error {
	result := s.db.Where("identity = ? AND id = ?", identity, id).Delete(&FavoriteRecord{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	return nil
}

func (s *Server) listFavorites(identity string) ([]FavoriteRecord, error) {
	var favorites []FavoriteRecord
	if err := s.db.Where("identity = ?", identity).Order("created_at desc").Find(&favorites).Error; err != nil {
		return nil, err
	}

	return favorites, nil
}

// RecordGeneratedImage implements ImageRecorder. It runs fire-and-forget from
// the conversation store; failure to record never fails the visible flow.
func (s *Server) RecordGeneratedImage(identity string, image ImageData) {
	record := &GeneratedImageRecord{
		ID:        uuid.NewString(),
		Identity:  identity,
		URL:       image.URL,
		Prompt:    image.Prompt,
		Size:      image.Size,
		Style:     image.Style,
		CreatedAt: time.Now(),
	}
	if err := s.db.Create(record).Error; err != nil {
		Log.Warn("failed to record generated image: ", err)
	}
}
