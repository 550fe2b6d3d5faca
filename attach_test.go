package main

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func TestPrepareAttachmentImage(t *testing.T) {
	attachment, err := prepareAttachment("photo.png", bytes.NewReader(pngHeader))
	require.NoError(t, err)

	assert.Equal(t, "photo.png", attachment.Name)
	assert.Equal(t, "image/png", attachment.MediaType)

	decoded, err := base64.StdEncoding.DecodeString(attachment.EncodedData)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, decoded)
}

func TestPrepareAttachmentText(t *testing.T) {
	attachment, err := prepareAttachment("notes.txt", strings.NewReader("plain text notes"))
	require.NoError(t, err)

	assert.Equal(t, "notes.txt", attachment.Name)
	assert.True(t, strings.HasPrefix(attachment.MediaType, "text/plain"))
}

func TestPrepareAttachmentEmptyFile(t *testing.T) {
	_, err := prepareAttachment("empty.bin", bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPrepareAttachmentTooLarge(t *testing.T) {
	_, err := prepareAttachment("huge.bin", bytes.NewReader(make([]byte, MaxFileSize+1)))
	assert.ErrorIs(t, err, ErrInputTooLong)
}

func TestDecodeAttachmentDataToleratesDataURI(t *testing.T) {
	encoded := "data:image/png;base64," + toBase64(pngHeader)

	decoded, err := decodeAttachmentData(encoded)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, decoded)

	plain, err := decodeAttachmentData(toBase64(pngHeader))
	require.NoError(t, err)
	assert.Equal(t, pngHeader, plain)
}
