package bridge

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func TestInferMediaType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"photo.jpg", "image/jpeg"},
		{"photo.JPEG", "image/jpeg"},
		{"anim.gif", "image/gif"},
		{"pic.webp", "image/webp"},
		{"pic.bmp", "image/bmp"},
		{"scan.tiff", "image/tiff"},
		{"icon.png", "image/png"},
		{"noext", "image/png"},
	}
	for _, tt := range tests {
		if got := inferMediaType(tt.path); got != tt.want {
			t.Fatalf("inferMediaType(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestBuildImageBlockEncodesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pic.jpg")
	data := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	block, err := buildImageBlock(path)
	if err != nil {
		t.Fatalf("buildImageBlock() = %v", err)
	}
	if block.Type != "image" || block.Source.Type != "base64" {
		t.Fatalf("block = %+v", block)
	}
	if block.Source.MediaType != "image/jpeg" {
		t.Fatalf("MediaType = %q, want image/jpeg", block.Source.MediaType)
	}
	if block.Source.Data != base64.StdEncoding.EncodeToString(data) {
		t.Fatalf("Data mismatch")
	}
}

func TestBuildImageBlockMissingFile(t *testing.T) {
	if _, err := buildImageBlock("/no/such/file.png"); err == nil {
		t.Fatal("buildImageBlock() on missing file = nil error, want one")
	}
}

func TestBuildUserMessageContentTextOnly(t *testing.T) {
	content, err := buildUserMessageContent("hello", nil)
	if err != nil {
		t.Fatalf("buildUserMessageContent() = %v", err)
	}
	text, ok := content.(string)
	if !ok || text != "hello" {
		t.Fatalf("content = %#v, want plain string \"hello\"", content)
	}
}

func TestBuildUserMessageContentWithImages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(path, []byte{0x89, 0x50, 0x4e, 0x47}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	content, err := buildUserMessageContent("look at this", []string{path})
	if err != nil {
		t.Fatalf("buildUserMessageContent() = %v", err)
	}
	blocks, ok := content.([]interface{})
	if !ok {
		t.Fatalf("content type = %T, want []interface{}", content)
	}
	if len(blocks) != 2 {
		t.Fatalf("len(blocks) = %d, want 2 (text + one image)", len(blocks))
	}
	textBlock, ok := blocks[0].(map[string]string)
	if !ok || textBlock["type"] != "text" || textBlock["text"] != "look at this" {
		t.Fatalf("blocks[0] = %#v", blocks[0])
	}
	imageBlock, ok := blocks[1].(ImageBlock)
	if !ok || imageBlock.Type != "image" {
		t.Fatalf("blocks[1] = %#v", blocks[1])
	}
}

func TestBuildUserMessageContentNoTextWithImages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(path, []byte{0x89, 0x50, 0x4e, 0x47}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	content, err := buildUserMessageContent("", []string{path})
	if err != nil {
		t.Fatalf("buildUserMessageContent() = %v", err)
	}
	blocks := content.([]interface{})
	if len(blocks) != 1 {
		t.Fatalf("len(blocks) = %d, want 1 (image only, no empty text block)", len(blocks))
	}
}

func TestBuildUserMessageContentPropagatesImageError(t *testing.T) {
	_, err := buildUserMessageContent("hi", []string{"/no/such/file.png"})
	if err == nil {
		t.Fatal("buildUserMessageContent() with missing image = nil error, want one")
	}
}
