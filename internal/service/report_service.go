package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/models"
	"github.com/noah-isme/sar-go-api/internal/observability"
	"github.com/noah-isme/sar-go-api/internal/repository"
)

const defaultHeatmapDays = 84

// ReportConfig tunes caching and the storage boundary for exports.
type ReportConfig struct {
	CacheTTL       time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// ReportService derives dashboard metrics and compliance documents from ledger snapshots.
type ReportService interface {
	KPI(ctx context.Context, actor Actor, query dto.ReportWindowQuery) (dto.KPIResponse, error)
	Departments(ctx context.Context, actor Actor, query dto.ReportWindowQuery) (dto.DepartmentReportResponse, error)
	Portfolio(ctx context.Context, actor Actor, studentID uint) (dto.PortfolioResponse, error)
	Heatmap(ctx context.Context, actor Actor, query dto.HeatmapQuery) (dto.HeatmapResponse, error)
	Export(ctx context.Context, actor Actor, query dto.ExportQuery) (dto.ExportResponse, error)
	OpenExport(ctx context.Context, actor Actor, id uint) (io.ReadCloser, dto.ExportResponse, error)
}

type reportService struct {
	repo      repository.ReportRepository
	exports   repository.ExportRepository
	storage   BlobStorage
	cache     *redis.Client
	schemas   map[string]*jsonschema.Schema
	validator *validator.Validate
	cfg       ReportConfig
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewReportService constructs the reporting engine. A nil cache disables KPI caching.
func NewReportService(
	repo repository.ReportRepository,
	exports repository.ExportRepository,
	storage BlobStorage,
	cache *redis.Client,
	validate *validator.Validate,
	cfg ReportConfig,
	logger zerolog.Logger,
) (ReportService, error) {
	schemas, err := loadExportSchemas()
	if err != nil {
		return nil, err
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}

	return &reportService{
		repo:      repo,
		exports:   exports,
		storage:   storage,
		cache:     cache,
		schemas:   schemas,
		validator: validate,
		cfg:       cfg,
		logger:    logger.With().Str("component", "report_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/sar-go-api/internal/service/report"),
		now:       time.Now,
	}, nil
}

func (s *reportService) KPI(ctx context.Context, actor Actor, query dto.ReportWindowQuery) (dto.KPIResponse, error) {
	ctx, span := s.tracer.Start(ctx, "report.kpi")
	defer span.End()

	if err := s.validator.Struct(query); err != nil {
		return dto.KPIResponse{}, validationError(err)
	}
	now := s.now()
	window, err := ParseReportWindow(query.Window, query.From, query.To, now)
	if err != nil {
		return dto.KPIResponse{}, err
	}
	program := strings.TrimSpace(query.Program)
	span.SetAttributes(
		attribute.String("report.program", program),
		attribute.String("report.from", window.From.Format(time.RFC3339)),
		attribute.String("report.to", window.To.Format(time.RFC3339)),
	)

	cacheable := s.cache != nil && window.Closed(now)
	var cacheKey string
	if cacheable {
		// Participation divides by today's roster, so the roster is part of the key.
		enrolled, err := s.repo.EnrolledIDs(ctx, program)
		if err != nil {
			span.RecordError(err)
			return dto.KPIResponse{}, storageFailure("read roster", err)
		}
		cacheKey = kpiCacheKey(program, window, enrolled)

		cached, err := s.cache.Get(ctx, cacheKey).Result()
		if err == nil {
			var response dto.KPIResponse
			if jsonErr := json.Unmarshal([]byte(cached), &response); jsonErr == nil {
				response.CacheHit = true
				span.SetAttributes(attribute.Bool("report.cache_hit", true))
				observability.ReportCache().WithLabelValues("kpi", "hit").Inc()
				return response, nil
			}
		} else if err != redis.Nil {
			s.logger.Warn().Err(err).Msg("failed to read kpi cache")
			span.RecordError(err)
		}
		observability.ReportCache().WithLabelValues("kpi", "miss").Inc()
	}

	start := time.Now()
	snapshot, err := s.snapshot(ctx, span, repository.SnapshotFilter{Program: program, CreatedBefore: &window.To})
	if err != nil {
		return dto.KPIResponse{}, err
	}
	response := computeKPI(snapshot, window, program)
	observability.ReportLatency().WithLabelValues("kpi").Observe(time.Since(start).Seconds())

	if cacheable {
		payload, err := json.Marshal(response)
		if err == nil {
			if err := s.cache.Set(ctx, cacheKey, payload, s.cfg.CacheTTL).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to write kpi cache")
			}
		}
	}

	return response, nil
}

func (s *reportService) Departments(ctx context.Context, actor Actor, query dto.ReportWindowQuery) (dto.DepartmentReportResponse, error) {
	ctx, span := s.tracer.Start(ctx, "report.departments")
	defer span.End()

	if err := s.validator.Struct(query); err != nil {
		return dto.DepartmentReportResponse{}, validationError(err)
	}
	window, err := ParseReportWindow(query.Window, query.From, query.To, s.now())
	if err != nil {
		return dto.DepartmentReportResponse{}, err
	}

	start := time.Now()
	snapshot, err := s.snapshot(ctx, span, repository.SnapshotFilter{
		Program:       strings.TrimSpace(query.Program),
		CreatedBefore: &window.To,
	})
	if err != nil {
		return dto.DepartmentReportResponse{}, err
	}
	departments := computeDepartments(snapshot, window)
	observability.ReportLatency().WithLabelValues("departments").Observe(time.Since(start).Seconds())

	return dto.DepartmentReportResponse{
		WindowFrom:  window.From,
		WindowTo:    window.To,
		Departments: departments,
	}, nil
}

func (s *reportService) Portfolio(ctx context.Context, actor Actor, studentID uint) (dto.PortfolioResponse, error) {
	ctx, span := s.tracer.Start(ctx, "report.portfolio", trace.WithAttributes(attribute.Int("student.id", int(studentID))))
	defer span.End()

	if actor.Role == RoleStudent && actor.ID != studentID {
		return dto.PortfolioResponse{}, fmt.Errorf("%w: portfolio belongs to another student", ErrNotAssigned)
	}

	snapshot, err := s.snapshot(ctx, span, repository.SnapshotFilter{StudentID: &studentID})
	if err != nil {
		return dto.PortfolioResponse{}, err
	}
	if len(snapshot.Students) == 0 && len(snapshot.Submissions) == 0 {
		return dto.PortfolioResponse{}, notFoundf("student %d", studentID)
	}

	response := dto.PortfolioResponse{
		StudentID:     studentID,
		CategoryHours: map[string]float64{},
		Items:         make([]dto.SubmissionSummary, 0, len(snapshot.Submissions)),
	}
	if len(snapshot.Students) > 0 {
		response.Name = snapshot.Students[0].Name
		response.Program = snapshot.Students[0].Program
	}

	for i := len(snapshot.Submissions) - 1; i >= 0; i-- {
		submission := snapshot.Submissions[i]
		if response.Program == "" {
			response.Program = submission.Program
		}
		response.Activities++
		switch submission.Status {
		case models.SubmissionStatusApproved:
			response.Approved++
			response.ApprovedHours = round4(response.ApprovedHours + submission.ClaimedHours)
			response.CategoryHours[submission.Category] = round4(response.CategoryHours[submission.Category] + submission.ClaimedHours)
		case models.SubmissionStatusSubmitted, models.SubmissionStatusInReview, models.SubmissionStatusReworkRequested:
			response.Pending++
		}
		response.Items = append(response.Items, dto.NewSubmissionSummary(submission, false))
	}

	return response, nil
}

func (s *reportService) Heatmap(ctx context.Context, actor Actor, query dto.HeatmapQuery) (dto.HeatmapResponse, error) {
	ctx, span := s.tracer.Start(ctx, "report.heatmap")
	defer span.End()

	if err := s.validator.Struct(query); err != nil {
		return dto.HeatmapResponse{}, validationError(err)
	}

	filter := repository.SnapshotFilter{Program: strings.TrimSpace(query.Program), StudentID: query.StudentID}
	if actor.Role == RoleStudent {
		if query.StudentID != nil && *query.StudentID != actor.ID {
			return dto.HeatmapResponse{}, fmt.Errorf("%w: heatmap belongs to another student", ErrNotAssigned)
		}
		own := actor.ID
		filter.StudentID = &own
		filter.Program = ""
	}

	days := query.Days
	if days <= 0 {
		days = defaultHeatmapDays
	}
	today := s.now().UTC().Truncate(24 * time.Hour)
	first := today.AddDate(0, 0, -(days - 1))
	end := today.AddDate(0, 0, 1)
	filter.CreatedBefore = &end

	snapshot, err := s.snapshot(ctx, span, filter)
	if err != nil {
		return dto.HeatmapResponse{}, err
	}

	counts := map[string]int{}
	for _, submission := range snapshot.Submissions {
		created := submission.CreatedAt.UTC()
		if created.Before(first) {
			continue
		}
		counts[created.Format("2006-01-02")]++
	}

	cells := make([]dto.HeatmapDay, 0, days)
	for day := first; day.Before(end); day = day.AddDate(0, 0, 1) {
		key := day.Format("2006-01-02")
		cells = append(cells, dto.HeatmapDay{Date: key, Count: counts[key], Level: heatmapLevel(counts[key])})
	}

	return dto.HeatmapResponse{
		From: first.Format("2006-01-02"),
		To:   today.Format("2006-01-02"),
		Days: cells,
	}, nil
}

func (s *reportService) Export(ctx context.Context, actor Actor, query dto.ExportQuery) (dto.ExportResponse, error) {
	ctx, span := s.tracer.Start(ctx, "report.export", trace.WithAttributes(attribute.String("export.preset", query.Preset)))
	defer span.End()

	if !actor.IsAdmin() {
		return dto.ExportResponse{}, fmt.Errorf("%w: exports require an administrator", ErrNotAssigned)
	}
	if err := s.validator.Struct(query); err != nil {
		return dto.ExportResponse{}, validationError(err)
	}
	window, err := ParseReportWindow(query.Window, query.From, query.To, s.now())
	if err != nil {
		return dto.ExportResponse{}, err
	}
	program := strings.TrimSpace(query.Program)

	snapshot, err := s.snapshot(ctx, span, repository.SnapshotFilter{Program: program, CreatedBefore: &window.To})
	if err != nil {
		return dto.ExportResponse{}, err
	}

	document, err := buildExportDocument(query.Preset, snapshot, window, program)
	if err != nil {
		return dto.ExportResponse{}, err
	}
	if err := s.validateDocument(query.Preset, document); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "schema validation failed")
		s.logger.Error().Err(err).Str("preset", query.Preset).Msg("export document failed schema validation")
		return dto.ExportResponse{}, fmt.Errorf("export %s violates its schema: %w", query.Preset, err)
	}

	digest := sha256.Sum256(document)
	ref := hex.EncodeToString(digest[:])
	key := fmt.Sprintf("exports/%s/%s.json", query.Preset, ref)

	var location string
	err = s.retry(ctx, func() error {
		uploaded, uploadErr := s.storage.Upload(ctx, key, bytes.NewReader(document))
		if uploadErr != nil {
			return uploadErr
		}
		location = uploaded
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return dto.ExportResponse{}, storageFailure("upload export", err)
	}

	record := models.ComplianceExport{
		Preset:      query.Preset,
		WindowFrom:  window.From,
		WindowTo:    window.To,
		DocumentRef: ref,
		Location:    location,
		ByteSize:    int64(len(document)),
		GeneratedBy: actor.ID,
		GeneratedAt: s.now().UTC(),
	}
	if err := s.exports.Create(ctx, &record); err != nil {
		return dto.ExportResponse{}, storageFailure("record export", err)
	}

	observability.ComplianceExports().WithLabelValues(query.Preset).Inc()
	s.logger.Info().
		Str("preset", query.Preset).
		Str("document_ref", ref).
		Int64("bytes", record.ByteSize).
		Str("correlation_id", actor.CorrelationID).
		Msg("compliance export generated")

	return dto.NewExportResponse(record), nil
}

func (s *reportService) OpenExport(ctx context.Context, actor Actor, id uint) (io.ReadCloser, dto.ExportResponse, error) {
	if !actor.IsAdmin() {
		return nil, dto.ExportResponse{}, fmt.Errorf("%w: exports require an administrator", ErrNotAssigned)
	}

	record, err := s.exports.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, dto.ExportResponse{}, notFoundf("export %d", id)
		}
		return nil, dto.ExportResponse{}, storageFailure("load export", err)
	}

	var body io.ReadCloser
	err = s.retry(ctx, func() error {
		reader, openErr := s.storage.Open(ctx, record.Location)
		if errors.Is(openErr, fs.ErrNotExist) {
			return backoff.Permanent(openErr)
		}
		body = reader
		return openErr
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, dto.ExportResponse{}, notFoundf("export %d document", id)
		}
		return nil, dto.ExportResponse{}, storageFailure("open export", err)
	}

	return body, dto.NewExportResponse(record), nil
}

// kpiCacheKey identifies a closed-window KPI result by program, window bounds and enrolled roster.
func kpiCacheKey(program string, window ReportWindow, enrolled []uint) string {
	roster := sha256.New()
	for _, id := range enrolled {
		fmt.Fprintf(roster, "%d,", id)
	}
	digest := hex.EncodeToString(roster.Sum(nil))[:16]
	return fmt.Sprintf("reports:kpi:%s:%d:%d:%s", cacheProgram(program), window.From.Unix(), window.To.Unix(), digest)
}

func (s *reportService) snapshot(ctx context.Context, span trace.Span, filter repository.SnapshotFilter) (repository.LedgerSnapshot, error) {
	snapshot, err := s.repo.Snapshot(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot failed")
		return repository.LedgerSnapshot{}, storageFailure("read snapshot", err)
	}
	sort.SliceStable(snapshot.Submissions, func(i, j int) bool {
		return snapshot.Submissions[i].ID < snapshot.Submissions[j].ID
	})
	return snapshot, nil
}

func (s *reportService) validateDocument(preset string, document []byte) error {
	schema, ok := s.schemas[preset]
	if !ok {
		return validationErrorf("unknown export preset %q", preset)
	}
	var decoded interface{}
	if err := json.Unmarshal(document, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}

func (s *reportService) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryBaseDelay
	policy.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.RetryAttempts-1)), ctx))
}

func cacheProgram(program string) string {
	if program == "" {
		return "all"
	}
	return program
}
