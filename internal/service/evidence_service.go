package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/models"
	"github.com/noah-isme/sar-go-api/internal/observability"
	"github.com/noah-isme/sar-go-api/internal/repository"
)

// BlobStorage abstracts where evidence and export bytes live.
type BlobStorage interface {
	Upload(ctx context.Context, key string, reader io.Reader) (string, error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// EvidenceUpload is one file handed to the evidence store.
type EvidenceUpload struct {
	Name       string
	Reader     io.Reader
	UploadedBy uint
}

// EvidenceConfig bounds what the evidence store accepts.
type EvidenceConfig struct {
	MaxBytes       int64
	AllowedTypes   []string
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// EvidenceService is the content-addressed evidence store.
type EvidenceService interface {
	Put(ctx context.Context, upload EvidenceUpload) (dto.EvidenceResponse, error)
	Get(ctx context.Context, ref string) (io.ReadCloser, dto.EvidenceResponse, error)
	Describe(ctx context.Context, ref string) (dto.EvidenceResponse, error)
	// Resolve verifies every ref exists and fails with ErrNotFound on the first that does not.
	Resolve(ctx context.Context, refs []string) error
}

type evidenceService struct {
	storage BlobStorage
	repo    repository.EvidenceRepository
	cfg     EvidenceConfig
	group   singleflight.Group
	logger  zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

type evidencePutResult struct {
	record       models.Evidence
	deduplicated bool
}

const evidenceKeyPrefix = "evidence/"

// NewEvidenceService constructs the evidence store.
func NewEvidenceService(storage BlobStorage, repo repository.EvidenceRepository, cfg EvidenceConfig, logger zerolog.Logger) EvidenceService {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 * 1024 * 1024
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}

	return &evidenceService{
		storage: storage,
		repo:    repo,
		cfg:     cfg,
		logger:  logger.With().Str("component", "evidence_service").Logger(),
		tracer:  otel.Tracer("github.com/noah-isme/sar-go-api/internal/service/evidence"),
		now:     time.Now,
	}
}

func (s *evidenceService) Put(ctx context.Context, upload EvidenceUpload) (dto.EvidenceResponse, error) {
	ctx, span := s.tracer.Start(ctx, "evidence.put")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("evidence.max_bytes", s.cfg.MaxBytes),
		attribute.String("evidence.original_name", upload.Name),
	)

	if upload.Reader == nil {
		err := validationErrorf("file is required")
		span.SetStatus(codes.Error, "validation failed")
		return dto.EvidenceResponse{}, err
	}

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(upload.Reader, s.cfg.MaxBytes+1)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return dto.EvidenceResponse{}, validationError(fmt.Errorf("read upload: %w", err))
	}
	if buf.Len() == 0 {
		span.SetStatus(codes.Error, "empty upload")
		return dto.EvidenceResponse{}, validationErrorf("file is empty")
	}
	if int64(buf.Len()) > s.cfg.MaxBytes {
		observability.EvidenceUploads().WithLabelValues("rejected").Inc()
		span.SetStatus(codes.Error, "payload too large")
		return dto.EvidenceResponse{}, fmt.Errorf("%w: limit is %d bytes", ErrSizeLimitExceeded, s.cfg.MaxBytes)
	}

	payload := buf.Bytes()
	detected := mimetype.Detect(payload)
	span.SetAttributes(attribute.String("evidence.detected_mime", detected.String()))
	if !s.allowed(detected) {
		observability.EvidenceUploads().WithLabelValues("rejected").Inc()
		span.SetStatus(codes.Error, "type not allowed")
		return dto.EvidenceResponse{}, fmt.Errorf("%w: %s", ErrUnsupportedType, detected.String())
	}

	sum := sha256.Sum256(payload)
	id := hex.EncodeToString(sum[:])
	span.SetAttributes(attribute.String("evidence.id", id))

	value, err, _ := s.group.Do(id, func() (interface{}, error) {
		return s.store(ctx, id, payload, detected, upload)
	})
	if err != nil {
		observability.EvidenceUploads().WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		return dto.EvidenceResponse{}, err
	}

	result := value.(evidencePutResult)
	if result.deduplicated {
		observability.EvidenceUploads().WithLabelValues("deduplicated").Inc()
	} else {
		observability.EvidenceUploads().WithLabelValues("stored").Inc()
		observability.EvidenceUploadBytes().Observe(float64(result.record.ByteSize))
	}
	span.SetAttributes(attribute.Bool("evidence.deduplicated", result.deduplicated))
	span.SetStatus(codes.Ok, "stored")

	return dto.NewEvidenceResponse(result.record, result.deduplicated), nil
}

func (s *evidenceService) store(ctx context.Context, id string, payload []byte, detected *mimetype.MIME, upload EvidenceUpload) (evidencePutResult, error) {
	existing, err := s.repo.FindByID(ctx, id)
	if err == nil {
		return evidencePutResult{record: existing, deduplicated: true}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return evidencePutResult{}, storageFailure("lookup evidence", err)
	}

	var location string
	err = s.retry(ctx, "upload", func() error {
		var uploadErr error
		location, uploadErr = s.storage.Upload(ctx, evidenceKeyPrefix+id, bytes.NewReader(payload))
		return uploadErr
	})
	if err != nil {
		s.logger.Error().Err(err).Str("evidence_id", id).Msg("evidence blob upload exhausted retries")
		return evidencePutResult{}, storageFailure("upload evidence", err)
	}

	record := models.Evidence{
		ID:              id,
		OriginalName:    cleanOriginalName(upload.Name, detected.Extension()),
		ByteSize:        int64(len(payload)),
		MimeType:        detected.String(),
		StorageLocation: location,
		UploadedBy:      upload.UploadedBy,
		UploadedAt:      s.now().UTC(),
	}

	inserted, err := s.repo.Create(ctx, &record)
	if err != nil {
		return evidencePutResult{}, storageFailure("persist evidence", err)
	}
	if !inserted {
		// Another node stored the same bytes between our lookup and insert.
		winner, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return evidencePutResult{}, storageFailure("reload evidence", err)
		}
		return evidencePutResult{record: winner, deduplicated: true}, nil
	}

	s.logger.Info().
		Str("evidence_id", id).
		Str("mime_type", record.MimeType).
		Int64("byte_size", record.ByteSize).
		Uint("uploaded_by", record.UploadedBy).
		Msg("evidence stored")

	return evidencePutResult{record: record}, nil
}

func (s *evidenceService) Get(ctx context.Context, ref string) (io.ReadCloser, dto.EvidenceResponse, error) {
	ctx, span := s.tracer.Start(ctx, "evidence.get", trace.WithAttributes(attribute.String("evidence.id", ref)))
	defer span.End()

	record, err := s.lookup(ctx, ref)
	if err != nil {
		span.RecordError(err)
		return nil, dto.EvidenceResponse{}, err
	}

	var body io.ReadCloser
	err = s.retry(ctx, "open", func() error {
		reader, openErr := s.storage.Open(ctx, record.StorageLocation)
		if errors.Is(openErr, fs.ErrNotExist) {
			return backoff.Permanent(openErr)
		}
		body = reader
		return openErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		return nil, dto.EvidenceResponse{}, storageFailure("open evidence", err)
	}

	return body, dto.NewEvidenceResponse(record, false), nil
}

func (s *evidenceService) Describe(ctx context.Context, ref string) (dto.EvidenceResponse, error) {
	record, err := s.lookup(ctx, ref)
	if err != nil {
		return dto.EvidenceResponse{}, err
	}
	return dto.NewEvidenceResponse(record, false), nil
}

func (s *evidenceService) Resolve(ctx context.Context, refs []string) error {
	if len(refs) == 0 {
		return nil
	}

	found, err := s.repo.FindByIDs(ctx, refs)
	if err != nil {
		return storageFailure("resolve evidence", err)
	}

	known := make(map[string]struct{}, len(found))
	for _, item := range found {
		known[item.ID] = struct{}{}
	}
	for _, ref := range refs {
		if _, ok := known[ref]; !ok {
			return notFoundf("evidence %s", ref)
		}
	}
	return nil
}

func (s *evidenceService) lookup(ctx context.Context, ref string) (models.Evidence, error) {
	ref = strings.ToLower(strings.TrimSpace(ref))
	if ref == "" {
		return models.Evidence{}, validationErrorf("evidence ref is required")
	}

	record, err := s.repo.FindByID(ctx, ref)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Evidence{}, notFoundf("evidence %s", ref)
		}
		return models.Evidence{}, storageFailure("lookup evidence", err)
	}
	return record, nil
}

func (s *evidenceService) allowed(detected *mimetype.MIME) bool {
	for _, allowed := range s.cfg.AllowedTypes {
		if detected.Is(allowed) {
			return true
		}
	}
	return false
}

// retry runs op with exponential backoff for at most RetryAttempts tries.
func (s *evidenceService) retry(ctx context.Context, operation string, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryBaseDelay
	policy.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			observability.EvidenceStorageRetries().WithLabelValues(operation).Inc()
		}
		return op()
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.RetryAttempts-1)), ctx))
}

func cleanOriginalName(name, detectedExt string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) {
		base = ""
	}
	ext := strings.ToLower(filepath.Ext(base))
	if ext == "." {
		ext = ""
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.' || r == ' ':
			return r
		default:
			return '-'
		}
	}, stem)
	stem = strings.Trim(strings.TrimSpace(stem), "-.")
	if stem == "" {
		stem = "evidence"
	}
	if ext == "" {
		ext = detectedExt
	}
	return stem + ext
}
