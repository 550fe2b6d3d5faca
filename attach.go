package main

import (
	"fmt"
	"io"
	"net/http"
)

// prepareAttachment reads a user supplied file to completion and converts it
// into its transportable encoded form. Images and other files are treated
// identically here; classification happens in the gateway.
func prepareAttachment(name string, r io.Reader) (*Attachment, error) {
	bytes, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}

	if err := ValidateFileSize(int64(len(bytes))); err != nil {
		return nil, err
	}

	return &Attachment{
		Name:        name,
		MediaType:   http.DetectContentType(bytes),
		EncodedData: toBase64(bytes),
	}, nil
}
