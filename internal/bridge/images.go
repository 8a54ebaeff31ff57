package bridge

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
)

// ImageBlock is one image entry of a mixed-content user message, matching
// the shape the vendor expects for inline image attachments.
type ImageBlock struct {
	Type   string      `json:"type"`
	Source ImageSource `json:"source"`
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// inferMediaType maps a file extension to an image MIME type, defaulting to
// PNG for anything unrecognized (spec.md §4.2).
func inferMediaType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	case ".tif", ".tiff":
		return "image/tiff"
	default:
		return "image/png"
	}
}

// buildImageBlock reads an image file from disk and base64-encodes it into
// the content block the vendor expects.
func buildImageBlock(path string) (ImageBlock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImageBlock{}, err
	}
	return ImageBlock{
		Type: "image",
		Source: ImageSource{
			Type:      "base64",
			MediaType: inferMediaType(path),
			Data:      base64.StdEncoding.EncodeToString(data),
		},
	}, nil
}

// buildUserMessageContent builds the content of a user message: plain text
// when there are no images, otherwise a mixed array of a text block
// followed by each image block in order.
func buildUserMessageContent(text string, imagePaths []string) (interface{}, error) {
	if len(imagePaths) == 0 {
		return text, nil
	}

	blocks := make([]interface{}, 0, len(imagePaths)+1)
	if text != "" {
		blocks = append(blocks, map[string]string{"type": "text", "text": text})
	}
	for _, path := range imagePaths {
		block, err := buildImageBlock(path)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}
