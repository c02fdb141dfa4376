package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"geoanchor/internal/apperr"
	"geoanchor/internal/config"
	"geoanchor/internal/events"
	"geoanchor/internal/ids"
	"geoanchor/internal/media/sniffer"
	"geoanchor/internal/storage"
)

const (
	MsgNoFile        = "Nessun file caricato"
	MsgUnsupported   = "Tipo di file non supportato. Sono ammesse solo immagini JPEG, JPG, PNG e WEBP"
	MsgUploadFailed  = "Errore durante il caricamento dell'immagine"
	MsgUploadSuccess = "Immagine caricata con successo"

	headSize        = 512
	maxNameAttempts = 3
)

type UploadInput struct {
	Field  string
	File   multipart.File
	Header *multipart.FileHeader
}

type UploadResult struct {
	Filename string
	Size     int64
	MIME     string
	Checksum string
}

type UploadService struct {
	store  *storage.DiskStore
	events events.Publisher
	cfg    config.StorageConfig
	log    zerolog.Logger
	now    func() time.Time
}

func NewUploadService(store *storage.DiskStore, publisher events.Publisher, cfg config.StorageConfig, log zerolog.Logger) *UploadService {
	return &UploadService{
		store:  store,
		events: publisher,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// TooLargeMessage is the client message for uploads above the configured limit.
func (s *UploadService) TooLargeMessage() string {
	return fmt.Sprintf("File troppo grande (massimo %d MB)", s.cfg.MaxUploadBytes>>20)
}

func (s *UploadService) Upload(ctx context.Context, input UploadInput) (UploadResult, error) {
	if input.File == nil || input.Header == nil {
		return UploadResult{}, apperr.Invalid(MsgNoFile)
	}

	declared := sniffer.MimeTypeFromHTTP(http.Header(input.Header.Header))
	mediaType, err := sniffer.CheckUpload(input.Header.Filename, declared, input.Header.Size, s.cfg.MaxUploadBytes)
	if err != nil {
		return UploadResult{}, s.rejection(err)
	}

	head := make([]byte, headSize)
	n, err := io.ReadFull(input.File, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return UploadResult{}, apperr.Internal(MsgUploadFailed, fmt.Errorf("read head: %w", err))
	}
	head = head[:n]

	if err := sniffer.VerifyContent(head, mediaType); err != nil {
		return UploadResult{}, s.rejection(err)
	}

	field := input.Field
	if field == "" {
		field = "image"
	}
	ext := strings.ToLower(filepath.Ext(input.Header.Filename))

	name, size, checksum, err := s.write(field, ext, head, input.File)
	if err != nil {
		return UploadResult{}, err
	}

	result := UploadResult{
		Filename: name,
		Size:     size,
		MIME:     declared,
		Checksum: checksum,
	}

	if err := s.events.Publish(ctx, events.Event{
		Type:     events.TypeImageUploaded,
		Name:     name,
		Checksum: checksum,
		Size:     size,
	}); err != nil {
		s.log.Warn().Err(err).Str("filename", name).Msg("publish upload event failed")
	}

	return result, nil
}

func (s *UploadService) write(field, ext string, head []byte, rest io.Reader) (string, int64, string, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		name := fmt.Sprintf("%s-%d-%s%s", field, s.now().UnixMilli(), ids.Suffix(), ext)

		f, err := s.store.CreateUpload(name)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", 0, "", apperr.Internal(MsgUploadFailed, fmt.Errorf("create file: %w", err))
		}

		hasher, _ := blake2b.New256(nil)
		size, err := s.writeContent(f, hasher, head, rest)
		if cerr := f.Close(); cerr != nil && err == nil {
			err = apperr.Internal(MsgUploadFailed, fmt.Errorf("close file: %w", cerr))
		}
		if err != nil {
			if rmErr := s.store.RemoveUpload(name); rmErr != nil {
				s.log.Error().Err(rmErr).Str("filename", name).Msg("remove partial upload failed")
			}
			return "", 0, "", err
		}
		return name, size, hex.EncodeToString(hasher.Sum(nil)), nil
	}
	return "", 0, "", apperr.Internal(MsgUploadFailed, errors.New("could not allocate a unique file name"))
}

func (s *UploadService) writeContent(dst io.Writer, hasher hash.Hash, head []byte, rest io.Reader) (int64, error) {
	w := io.MultiWriter(dst, hasher)
	if _, err := w.Write(head); err != nil {
		return 0, apperr.Internal(MsgUploadFailed, fmt.Errorf("write file: %w", err))
	}

	src := rest
	if s.cfg.MaxUploadBytes > 0 {
		src = io.LimitReader(rest, s.cfg.MaxUploadBytes-int64(len(head))+1)
	}
	n, err := io.Copy(w, src)
	if err != nil {
		return 0, apperr.Internal(MsgUploadFailed, fmt.Errorf("write file: %w", err))
	}

	size := int64(len(head)) + n
	if s.cfg.MaxUploadBytes > 0 && size > s.cfg.MaxUploadBytes {
		return 0, apperr.TooLarge(s.TooLargeMessage())
	}
	return size, nil
}

func (s *UploadService) rejection(err error) error {
	if errors.Is(err, sniffer.ErrTooLarge) {
		return apperr.TooLarge(s.TooLargeMessage())
	}
	var rejection *sniffer.Rejection
	if errors.As(err, &rejection) {
		return &apperr.Error{Kind: apperr.KindInvalid, Message: MsgUnsupported, Details: rejection.Error()}
	}
	return apperr.Internal(MsgUploadFailed, err)
}
