package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/models"
	"github.com/noah-isme/sar-go-api/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

func setupServiceDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func newMiniredisClient(t *testing.T) *redis.Client {
	_, client := newMiniredis(t)
	return client
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start.UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memoryBlobStorage keeps blobs in a map and can fail a configurable number of uploads.
type memoryBlobStorage struct {
	mu          sync.Mutex
	blobs       map[string][]byte
	uploads     int
	failUploads int
	alwaysFail  bool
}

func newMemoryBlobStorage() *memoryBlobStorage {
	return &memoryBlobStorage{blobs: map[string][]byte{}}
}

func (m *memoryBlobStorage) Upload(ctx context.Context, key string, reader io.Reader) (string, error) {
	m.mu.Lock()
	m.uploads++
	if m.alwaysFail || m.failUploads > 0 {
		if m.failUploads > 0 {
			m.failUploads--
		}
		m.mu.Unlock()
		return "", errors.New("blob backend unavailable")
	}
	m.mu.Unlock()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = payload
	return "mem://" + key, nil
}

func (m *memoryBlobStorage) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload, ok := m.blobs[strings.TrimPrefix(location, "mem://")]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

func (m *memoryBlobStorage) uploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

// recordingEvents captures emitted events synchronously.
type recordingEvents struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEvents) Emit(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]string, 0, len(r.events))
	for _, event := range r.events {
		types = append(types, event.Type)
	}
	return types
}

func (r *recordingEvents) count(eventType string) int {
	total := 0
	for _, recorded := range r.types() {
		if recorded == eventType {
			total++
		}
	}
	return total
}

// ledgerFixture wires the ledger, evidence store and workflow engine over one sqlite database.
type ledgerFixture struct {
	db          *gorm.DB
	clock       *fakeClock
	storage     *memoryBlobStorage
	events      *recordingEvents
	submissions repository.SubmissionRepository
	reviewers   repository.ReviewerRepository
	students    repository.StudentRepository
	activity    repository.ActivityLogRepository
	evidence    EvidenceService
	ledger      LedgerService
	workflow    WorkflowService
	audit       ActivityService
}

type fixtureOption func(*fixtureSettings)

type fixtureSettings struct {
	policy   string
	workflow WorkflowConfig
	locker   KeyedLocker
}

func withPolicy(name string) fixtureOption {
	return func(s *fixtureSettings) { s.policy = name }
}

func withWorkflowConfig(cfg WorkflowConfig) fixtureOption {
	return func(s *fixtureSettings) { s.workflow = cfg }
}

func withLocker(locker KeyedLocker) fixtureOption {
	return func(s *fixtureSettings) { s.locker = locker }
}

func newLedgerFixture(t *testing.T, opts ...fixtureOption) *ledgerFixture {
	t.Helper()

	settings := fixtureSettings{
		policy:   PolicyLeastLoaded,
		workflow: WorkflowConfig{SLAThreshold: 72 * time.Hour, BacklogThreshold: 15},
		locker:   NewMemoryLocker(time.Second),
	}
	for _, opt := range opts {
		opt(&settings)
	}

	db := setupServiceDB(t)
	clock := newFakeClock(time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
	storage := newMemoryBlobStorage()
	events := &recordingEvents{}
	validate := testValidator()

	submissions := repository.NewSubmissionRepository(db)
	reviewers := repository.NewReviewerRepository(db)
	students := repository.NewStudentRepository(db)
	activity := repository.NewActivityLogRepository(db)

	evidence := NewEvidenceService(storage, repository.NewEvidenceRepository(db), EvidenceConfig{
		MaxBytes:       1024,
		AllowedTypes:   []string{"application/pdf", "image/png", "image/jpeg"},
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	}, testLogger())
	evidence.(*evidenceService).now = clock.Now

	ledger := NewLedgerService(submissions, students, evidence, settings.locker, events, validate,
		[]string{"Sports", "Hackathons", "NSS/NCC"}, testLogger())
	ledger.(*ledgerService).now = clock.Now

	policy, err := NewAssignmentPolicy(settings.policy, NewMemoryCursor())
	require.NoError(t, err)

	audit := NewActivityService(activity, validate, testLogger())
	workflow := NewWorkflowService(submissions, reviewers, evidence, audit, settings.locker, policy, events, validate,
		settings.workflow, testLogger())
	workflow.(*workflowService).now = clock.Now

	return &ledgerFixture{
		db:          db,
		clock:       clock,
		storage:     storage,
		events:      events,
		submissions: submissions,
		reviewers:   reviewers,
		students:    students,
		activity:    activity,
		evidence:    evidence,
		ledger:      ledger,
		workflow:    workflow,
		audit:       audit,
	}
}

func (f *ledgerFixture) addReviewer(t *testing.T, id uint, department string, active bool) {
	t.Helper()
	require.NoError(t, f.reviewers.Upsert(context.Background(), &models.Reviewer{
		ID:         id,
		Name:       fmt.Sprintf("Reviewer %d", id),
		Department: department,
		Active:     active,
	}))
}

func (f *ledgerFixture) addStudent(t *testing.T, id uint, program string) {
	t.Helper()
	require.NoError(t, f.students.Upsert(context.Background(), &models.Student{
		ID:       id,
		Name:     fmt.Sprintf("Student %d", id),
		Email:    fmt.Sprintf("student%d@example.edu", id),
		Program:  program,
		Cohort:   "2024",
		Enrolled: true,
	}))
}

// uploadPDF stores a small PDF whose bytes are unique to label.
func (f *ledgerFixture) uploadPDF(t *testing.T, studentID uint, label string) string {
	t.Helper()
	response, err := f.evidence.Put(context.Background(), EvidenceUpload{
		Name:       label + ".pdf",
		Reader:     strings.NewReader(pdfBytes(label)),
		UploadedBy: studentID,
	})
	require.NoError(t, err)
	return response.EvidenceRef
}

// draft records a Draft submission with one fresh evidence file.
func (f *ledgerFixture) draft(t *testing.T, studentID uint, title string) dto.SubmissionDetail {
	t.Helper()
	ref := f.uploadPDF(t, studentID, title)
	detail, err := f.ledger.Create(context.Background(), studentActor(studentID, "CSE"), dto.SubmissionCreateRequest{
		Category:     "Sports",
		Title:        title,
		ClaimedHours: 4,
		EvidenceRefs: []string{ref},
	})
	require.NoError(t, err)
	return detail
}

// submitted records and submits a submission, returning its id and assigned reviewer.
func (f *ledgerFixture) submitted(t *testing.T, studentID uint, title string) (uint, uint) {
	t.Helper()
	detail := f.draft(t, studentID, title)
	status, err := f.workflow.Submit(context.Background(), studentActor(studentID, "CSE"), detail.ID)
	require.NoError(t, err)
	require.NotNil(t, status.AssignedReviewerID)
	return detail.ID, *status.AssignedReviewerID
}

func pdfBytes(label string) string {
	return "%PDF-1.4\n1 0 obj\n<< /Title (" + label + ") >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n"
}

func studentActor(id uint, department string) Actor {
	return Actor{ID: id, Role: RoleStudent, Department: department}
}

func facultyActor(id uint, department string) Actor {
	return Actor{ID: id, Role: RoleFaculty, Department: department}
}

func adminActor(id uint) Actor {
	return Actor{ID: id, Role: RoleAdmin}
}

func ptrUint(v uint) *uint {
	return &v
}
