package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/middleware"
	"github.com/noah-isme/sar-go-api/internal/models"
	"github.com/noah-isme/sar-go-api/internal/service"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// newIdentityApp builds an app whose requests carry the identity JWTProtected would set.
func newIdentityApp(id uint, role, department string) *fiber.App {
	app := fiber.New()
	app.Use(middleware.CorrelationID())
	app.Use(func(c *fiber.Ctx) error {
		if id > 0 {
			c.Locals(middleware.LocalUserID, id)
		}
		c.Locals(middleware.LocalUserRole, role)
		c.Locals(middleware.LocalUserDepartment, department)
		return c.Next()
	})
	return app
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Details []struct {
		Field string `json:"field"`
		Rule  string `json:"rule"`
	} `json:"details"`
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	defer resp.Body.Close()
	var payload envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload
}

func decodeData(t *testing.T, payload envelope, target interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(payload.Data, target))
}

func jsonBody(t *testing.T, value interface{}) io.Reader {
	t.Helper()
	raw, err := json.Marshal(value)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

type fakeEvidenceService struct {
	lastUpload service.EvidenceUpload
	lastBody   []byte
	response   dto.EvidenceResponse
	blob       []byte
	err        error
}

func (f *fakeEvidenceService) Put(_ context.Context, upload service.EvidenceUpload) (dto.EvidenceResponse, error) {
	body, err := io.ReadAll(upload.Reader)
	if err != nil {
		return dto.EvidenceResponse{}, err
	}
	f.lastUpload = upload
	f.lastBody = body
	if f.err != nil {
		return dto.EvidenceResponse{}, f.err
	}
	return f.response, nil
}

func (f *fakeEvidenceService) Get(_ context.Context, ref string) (io.ReadCloser, dto.EvidenceResponse, error) {
	if f.err != nil {
		return nil, dto.EvidenceResponse{}, f.err
	}
	meta := f.response
	meta.EvidenceRef = ref
	return io.NopCloser(bytes.NewReader(f.blob)), meta, nil
}

func (f *fakeEvidenceService) Describe(_ context.Context, ref string) (dto.EvidenceResponse, error) {
	if f.err != nil {
		return dto.EvidenceResponse{}, f.err
	}
	meta := f.response
	meta.EvidenceRef = ref
	return meta, nil
}

func (f *fakeEvidenceService) Resolve(context.Context, []string) error {
	return f.err
}

type fakeLedgerService struct {
	lastActor   service.Actor
	lastCreate  dto.SubmissionCreateRequest
	lastQuery   dto.SubmissionListQuery
	detail      dto.SubmissionDetail
	list        dto.SubmissionListResponse
	pages       []dto.SubmissionListResponse
	queries     []dto.SubmissionListQuery
	err         error
	categoryTax []string
}

func (f *fakeLedgerService) Create(_ context.Context, actor service.Actor, req dto.SubmissionCreateRequest) (dto.SubmissionDetail, error) {
	f.lastActor, f.lastCreate = actor, req
	return f.detail, f.err
}

func (f *fakeLedgerService) Get(_ context.Context, actor service.Actor, id uint) (dto.SubmissionDetail, error) {
	f.lastActor = actor
	detail := f.detail
	detail.ID = id
	return detail, f.err
}

func (f *fakeLedgerService) Query(_ context.Context, actor service.Actor, query dto.SubmissionListQuery) (dto.SubmissionListResponse, error) {
	f.lastActor, f.lastQuery = actor, query
	f.queries = append(f.queries, query)
	if len(f.pages) > 0 {
		page := f.pages[0]
		f.pages = f.pages[1:]
		return page, f.err
	}
	return f.list, f.err
}

func (f *fakeLedgerService) AppendHistory(context.Context, uint, models.SubmissionHistory) error {
	return f.err
}

func (f *fakeLedgerService) Categories() []string {
	return f.categoryTax
}

type fakeWorkflowService struct {
	mu         sync.Mutex
	calls      []string
	lastActor  service.Actor
	lastID     uint
	lastReview dto.ReviewRequest
	lastResub  dto.ResubmitRequest
	lastOver   dto.OverrideRequest
	lastBal    dto.BalanceRequest
	lastQueue  uint
	status     dto.SubmissionStatusResponse
	balance    dto.BalanceResponse
	queue      dto.QueueResponse
	err        error
}

func (f *fakeWorkflowService) record(call string, actor service.Actor, id uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.lastActor, f.lastID = actor, id
}

func (f *fakeWorkflowService) Submit(_ context.Context, actor service.Actor, id uint) (dto.SubmissionStatusResponse, error) {
	f.record("submit", actor, id)
	return f.status, f.err
}

func (f *fakeWorkflowService) StartReview(_ context.Context, actor service.Actor, id uint) (dto.SubmissionStatusResponse, error) {
	f.record("start_review", actor, id)
	return f.status, f.err
}

func (f *fakeWorkflowService) Review(_ context.Context, actor service.Actor, id uint, req dto.ReviewRequest) (dto.SubmissionStatusResponse, error) {
	f.record("review", actor, id)
	f.lastReview = req
	return f.status, f.err
}

func (f *fakeWorkflowService) Resubmit(_ context.Context, actor service.Actor, id uint, req dto.ResubmitRequest) (dto.SubmissionStatusResponse, error) {
	f.record("resubmit", actor, id)
	f.lastResub = req
	return f.status, f.err
}

func (f *fakeWorkflowService) Override(_ context.Context, actor service.Actor, id uint, req dto.OverrideRequest) (dto.SubmissionStatusResponse, error) {
	f.record("override", actor, id)
	f.lastOver = req
	return f.status, f.err
}

func (f *fakeWorkflowService) Balance(_ context.Context, actor service.Actor, req dto.BalanceRequest) (dto.BalanceResponse, error) {
	f.record("balance", actor, 0)
	f.lastBal = req
	return f.balance, f.err
}

func (f *fakeWorkflowService) Queue(_ context.Context, actor service.Actor, reviewerID uint) (dto.QueueResponse, error) {
	f.record("queue", actor, 0)
	f.lastQueue = reviewerID
	return f.queue, f.err
}

func (f *fakeWorkflowService) ScanSLA(context.Context) (service.SLAScanResult, error) {
	return service.SLAScanResult{}, f.err
}

type fakeReportService struct {
	lastActor  service.Actor
	lastWindow dto.ReportWindowQuery
	lastHeat   dto.HeatmapQuery
	lastExport dto.ExportQuery
	kpi        dto.KPIResponse
	export     dto.ExportResponse
	document   []byte
	err        error
}

func (f *fakeReportService) KPI(_ context.Context, actor service.Actor, query dto.ReportWindowQuery) (dto.KPIResponse, error) {
	f.lastActor, f.lastWindow = actor, query
	return f.kpi, f.err
}

func (f *fakeReportService) Departments(_ context.Context, actor service.Actor, query dto.ReportWindowQuery) (dto.DepartmentReportResponse, error) {
	f.lastActor, f.lastWindow = actor, query
	return dto.DepartmentReportResponse{Departments: []dto.DepartmentAggregate{{Department: "CSE"}}}, f.err
}

func (f *fakeReportService) Portfolio(_ context.Context, actor service.Actor, studentID uint) (dto.PortfolioResponse, error) {
	f.lastActor = actor
	return dto.PortfolioResponse{StudentID: studentID}, f.err
}

func (f *fakeReportService) Heatmap(_ context.Context, actor service.Actor, query dto.HeatmapQuery) (dto.HeatmapResponse, error) {
	f.lastActor, f.lastHeat = actor, query
	return dto.HeatmapResponse{}, f.err
}

func (f *fakeReportService) Export(_ context.Context, actor service.Actor, query dto.ExportQuery) (dto.ExportResponse, error) {
	f.lastActor, f.lastExport = actor, query
	return f.export, f.err
}

func (f *fakeReportService) OpenExport(_ context.Context, actor service.Actor, id uint) (io.ReadCloser, dto.ExportResponse, error) {
	f.lastActor = actor
	if f.err != nil {
		return nil, dto.ExportResponse{}, f.err
	}
	export := f.export
	export.ID = id
	return io.NopCloser(bytes.NewReader(f.document)), export, nil
}

type fakeDirectoryService struct {
	lastActor    service.Actor
	lastID       uint
	lastQuery    dto.DirectoryQuery
	lastReviewer dto.ReviewerUpsertRequest
	lastStudent  dto.StudentUpsertRequest
	err          error
}

func (f *fakeDirectoryService) ListReviewers(_ context.Context, query dto.DirectoryQuery) ([]dto.ReviewerResponse, error) {
	f.lastQuery = query
	return []dto.ReviewerResponse{{ID: 100, Name: "Reviewer", Department: "CSE", Active: true, Pending: 2}}, f.err
}

func (f *fakeDirectoryService) UpsertReviewer(_ context.Context, actor service.Actor, id uint, req dto.ReviewerUpsertRequest) (dto.ReviewerResponse, error) {
	f.lastActor, f.lastID, f.lastReviewer = actor, id, req
	return dto.ReviewerResponse{ID: id, Name: req.Name, Department: req.Department, Active: true}, f.err
}

func (f *fakeDirectoryService) ListStudents(_ context.Context, query dto.DirectoryQuery) ([]dto.StudentResponse, error) {
	f.lastQuery = query
	return []dto.StudentResponse{{ID: 1, Program: "CSE", Enrolled: true}}, f.err
}

func (f *fakeDirectoryService) UpsertStudent(_ context.Context, actor service.Actor, id uint, req dto.StudentUpsertRequest) (dto.StudentResponse, error) {
	f.lastActor, f.lastID, f.lastStudent = actor, id, req
	return dto.StudentResponse{ID: id, Name: req.Name, Program: req.Program, Enrolled: true}, f.err
}

type fakeActivityService struct {
	lastQuery dto.ActivityLogQuery
	err       error
}

func (f *fakeActivityService) Record(_ context.Context, entry service.ActivityEntry) (dto.ActivityLogResponse, error) {
	return dto.ActivityLogResponse{Action: entry.Action}, f.err
}

func (f *fakeActivityService) List(_ context.Context, query dto.ActivityLogQuery) (dto.ActivityLogListResponse, error) {
	f.lastQuery = query
	return dto.ActivityLogListResponse{
		Items:      []dto.ActivityLogResponse{{ID: 1, Action: "reviewer.upsert"}},
		Pagination: dto.NewPaginationMeta(1, 20, 1),
	}, f.err
}

type fakeNotificationService struct {
	mu        sync.Mutex
	lastActor service.Actor
	lastQuery dto.NotificationListQuery
	lastOpts  service.SubscribeOptions
	list      dto.NotificationListResponse
	pages     []dto.NotificationListResponse
	queries   []dto.NotificationListQuery
	live      []dto.NotificationEventResponse
	cleaned   bool
	err       error
}

func (f *fakeNotificationService) Emit(service.Event) {}

func (f *fakeNotificationService) Start(context.Context) {}

func (f *fakeNotificationService) Stop() {}

func (f *fakeNotificationService) List(_ context.Context, actor service.Actor, query dto.NotificationListQuery) (dto.NotificationListResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastActor, f.lastQuery = actor, query
	f.queries = append(f.queries, query)
	if len(f.pages) > 0 {
		page := f.pages[0]
		f.pages = f.pages[1:]
		return page, f.err
	}
	return f.list, f.err
}

// Subscribe returns a channel pre-filled with the live events and then closed, so streams end.
func (f *fakeNotificationService) Subscribe(actor service.Actor, opts service.SubscribeOptions) (<-chan dto.NotificationEventResponse, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastActor, f.lastOpts = actor, opts

	channel := make(chan dto.NotificationEventResponse, len(f.live))
	for _, event := range f.live {
		channel <- event
	}
	close(channel)

	return channel, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cleaned = true
	}
}

func (f *fakeNotificationService) wasCleaned() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleaned
}
