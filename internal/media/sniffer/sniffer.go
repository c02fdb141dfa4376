package sniffer

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
)

type MediaType string

const (
	TypeJPEG MediaType = "jpeg"
	TypePNG  MediaType = "png"
	TypeWEBP MediaType = "webp"
)

var (
	ErrUnknownType = errors.New("unknown media type")
	ErrTooLarge    = errors.New("file too large")
)

type Result struct {
	Type MediaType
	MIME string
}

// Rejection explains why an upload was refused before anything touched disk.
type Rejection struct {
	Field  string
	Value  string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s %q rejected: %s", r.Field, r.Value, r.Reason)
}

var allowedExtensions = map[string]MediaType{
	".jpg":  TypeJPEG,
	".jpeg": TypeJPEG,
	".png":  TypePNG,
	".webp": TypeWEBP,
}

var allowedMIME = map[string]MediaType{
	"image/jpeg": TypeJPEG,
	"image/jpg":  TypeJPEG,
	"image/png":  TypePNG,
	"image/webp": TypeWEBP,
}

// CheckUpload is the file filter for image uploads: the extension and the
// declared MIME type must both be one of jpeg/jpg/png/webp and the size must
// not exceed maxBytes. It returns the media type implied by the declared MIME.
func CheckUpload(filename, declaredMIME string, size, maxBytes int64) (MediaType, error) {
	if maxBytes > 0 && size > maxBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, size, maxBytes)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := allowedExtensions[ext]; !ok {
		return "", &Rejection{Field: "extension", Value: ext, Reason: "only jpeg, jpg, png and webp images are accepted"}
	}

	mime := strings.ToLower(declaredMIME)
	mediaType, ok := allowedMIME[mime]
	if !ok {
		return "", &Rejection{Field: "mimetype", Value: declaredMIME, Reason: "only jpeg, jpg, png and webp images are accepted"}
	}

	return mediaType, nil
}

// VerifyContent checks that the magic bytes in head agree with the declared type.
func VerifyContent(head []byte, declared MediaType) error {
	result, err := DetectHead(head)
	if err != nil {
		return &Rejection{Field: "content", Value: string(declared), Reason: "not a recognised image"}
	}
	if result.Type != declared {
		return &Rejection{Field: "content", Value: string(declared), Reason: fmt.Sprintf("content is %s", result.Type)}
	}
	return nil
}

func DetectHead(head []byte) (Result, error) {
	if len(head) == 0 {
		return Result{}, ErrUnknownType
	}

	if isJPEG(head) {
		return Result{Type: TypeJPEG, MIME: "image/jpeg"}, nil
	}
	if isPNG(head) {
		return Result{Type: TypePNG, MIME: "image/png"}, nil
	}
	if isWEBP(head) {
		return Result{Type: TypeWEBP, MIME: "image/webp"}, nil
	}

	return Result{}, ErrUnknownType
}

func isJPEG(head []byte) bool {
	return len(head) > 3 &&
		head[0] == 0xff &&
		head[1] == 0xd8 &&
		head[2] == 0xff
}

func isPNG(head []byte) bool {
	pngMagic := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	return len(head) >= len(pngMagic) && bytes.Equal(head[:len(pngMagic)], pngMagic)
}

func isWEBP(head []byte) bool {
	return len(head) >= 12 &&
		bytes.Equal(head[:4], []byte("RIFF")) &&
		bytes.Equal(head[8:12], []byte("WEBP"))
}

func MimeTypeFromHTTP(header http.Header) string {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		return ""
	}
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		return strings.TrimSpace(contentType[:idx])
	}
	return strings.TrimSpace(contentType)
}
