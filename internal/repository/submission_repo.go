package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/sar-go-api/internal/models"
)

// ErrVersionConflict indicates the submission changed after it was read.
var ErrVersionConflict = errors.New("submission version conflict")

// SubmissionFilter allows narrowing submission queries.
type SubmissionFilter struct {
	Program     string
	Category    string
	Statuses    []models.SubmissionStatus
	StudentID   *uint
	ReviewerID  *uint
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Page        int
	PageSize    int
}

// SubmissionTransition describes one atomic ledger mutation: the new submission row, guarded by
// the version it was read at, plus the history entry and optional review that explain it.
type SubmissionTransition struct {
	Submission      *models.Submission
	ExpectedVersion uint
	History         *models.SubmissionHistory
	Review          *models.ReviewAction
	AttachEvidence  []string
	At              time.Time
}

// SubmissionRepository is the durable submission ledger.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *models.Submission, evidenceRefs []string) error
	GetByID(ctx context.Context, id uint) (models.Submission, error)
	List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, int64, error)
	ListByStatus(ctx context.Context, department string, statuses ...models.SubmissionStatus) ([]models.Submission, error)
	ListSLACandidates(ctx context.Context, submittedBefore time.Time) ([]models.Submission, error)
	CountByReviewer(ctx context.Context, statuses ...models.SubmissionStatus) (map[uint]int64, error)
	CountByStatus(ctx context.Context, statuses ...models.SubmissionStatus) (int64, error)
	DuplicateEvidence(ctx context.Context, ids []uint) (map[uint]bool, error)
	AppendHistory(ctx context.Context, id uint, entry *models.SubmissionHistory) error
	Transition(ctx context.Context, transition SubmissionTransition) error
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository instantiates the repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) detailQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Submission{}).
		Preload("Evidence", orderBy("position ASC")).
		Preload("History", orderBy("sequence ASC")).
		Preload("Reviews", orderBy("id ASC"))
}

func orderBy(order string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Order(order)
	}
}

func (r *submissionRepository) Create(ctx context.Context, submission *models.Submission, evidenceRefs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(submission).Error; err != nil {
			return err
		}
		links, err := attachEvidence(tx, submission.ID, evidenceRefs, submission.CreatedAt)
		if err != nil {
			return err
		}
		submission.Evidence = links
		return nil
	})
}

func (r *submissionRepository) GetByID(ctx context.Context, id uint) (models.Submission, error) {
	var submission models.Submission
	if err := r.detailQuery(ctx).First(&submission, id).Error; err != nil {
		return models.Submission{}, err
	}

	return submission, nil
}

func (r *submissionRepository) List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Submission{})

	if filter.Program != "" {
		query = query.Where("program = ?", filter.Program)
	}

	if filter.Category != "" {
		query = query.Where("category = ?", filter.Category)
	}

	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}

	if filter.StudentID != nil {
		query = query.Where("student_id = ?", *filter.StudentID)
	}

	if filter.ReviewerID != nil {
		query = query.Where("assigned_reviewer_id = ?", *filter.ReviewerID)
	}

	if filter.CreatedFrom != nil {
		query = query.Where("created_at >= ?", *filter.CreatedFrom)
	}

	if filter.CreatedTo != nil {
		query = query.Where("created_at < ?", *filter.CreatedTo)
	}

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.PageSize > 0 {
		page := filter.Page
		if page <= 0 {
			page = 1
		}
		query = query.Offset((page - 1) * filter.PageSize).Limit(filter.PageSize)
	}

	var submissions []models.Submission
	if err := query.Preload("Evidence", orderBy("position ASC")).
		Order("created_at DESC").Order("id DESC").
		Find(&submissions).Error; err != nil {
		return nil, 0, err
	}

	return submissions, total, nil
}

func (r *submissionRepository) ListByStatus(ctx context.Context, department string, statuses ...models.SubmissionStatus) ([]models.Submission, error) {
	query := r.db.WithContext(ctx).Model(&models.Submission{}).Where("status IN ?", statuses)
	if department != "" {
		query = query.Where("program = ?", department)
	}

	var submissions []models.Submission
	if err := query.Order("id ASC").Find(&submissions).Error; err != nil {
		return nil, err
	}
	return submissions, nil
}

func (r *submissionRepository) ListSLACandidates(ctx context.Context, submittedBefore time.Time) ([]models.Submission, error) {
	var submissions []models.Submission
	err := r.db.WithContext(ctx).
		Where("status IN ?", []models.SubmissionStatus{models.SubmissionStatusSubmitted, models.SubmissionStatusInReview}).
		Where("submitted_at IS NOT NULL AND submitted_at < ?", submittedBefore).
		Where("sla_breached_at IS NULL").
		Order("submitted_at ASC").
		Find(&submissions).Error
	return submissions, err
}

type reviewerCountRow struct {
	ReviewerID uint
	Total      int64
}

func (r *submissionRepository) CountByReviewer(ctx context.Context, statuses ...models.SubmissionStatus) (map[uint]int64, error) {
	var rows []reviewerCountRow
	err := r.db.WithContext(ctx).Model(&models.Submission{}).
		Select("assigned_reviewer_id AS reviewer_id, COUNT(*) AS total").
		Where("status IN ?", statuses).
		Where("assigned_reviewer_id IS NOT NULL").
		Group("assigned_reviewer_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[uint]int64, len(rows))
	for _, row := range rows {
		counts[row.ReviewerID] = row.Total
	}
	return counts, nil
}

func (r *submissionRepository) CountByStatus(ctx context.Context, statuses ...models.SubmissionStatus) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.Submission{}).Where("status IN ?", statuses).Count(&total).Error
	return total, err
}

func (r *submissionRepository) DuplicateEvidence(ctx context.Context, ids []uint) (map[uint]bool, error) {
	result := make(map[uint]bool)
	if len(ids) == 0 {
		return result, nil
	}

	var matches []uint
	err := r.db.WithContext(ctx).
		Table("submission_evidence AS se").
		Select("DISTINCT se.submission_id").
		Joins("JOIN submission_evidence AS other ON other.evidence_id = se.evidence_id AND other.submission_id <> se.submission_id").
		Joins("JOIN submissions AS s ON s.id = se.submission_id").
		Joins("JOIN submissions AS o ON o.id = other.submission_id").
		Where("s.student_id = o.student_id").
		Where("se.submission_id IN ?", ids).
		Scan(&matches).Error
	if err != nil {
		return nil, err
	}

	for _, id := range matches {
		result[id] = true
	}
	return result, nil
}

func (r *submissionRepository) AppendHistory(ctx context.Context, id uint, entry *models.SubmissionHistory) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return appendHistory(tx, id, entry)
	})
}

func (r *submissionRepository) Transition(ctx context.Context, transition SubmissionTransition) error {
	submission := transition.Submission
	if submission == nil {
		return errors.New("transition requires a submission")
	}
	at := transition.At
	if at.IsZero() {
		at = time.Now()
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Submission{}).
			Where("id = ? AND version = ?", submission.ID, transition.ExpectedVersion).
			Updates(map[string]interface{}{
				"status":               submission.Status,
				"assigned_reviewer_id": submission.AssignedReviewerID,
				"submitted_at":         submission.SubmittedAt,
				"decided_at":           submission.DecidedAt,
				"sla_breached_at":      submission.SLABreachedAt,
				"version":              transition.ExpectedVersion + 1,
				"updated_at":           at,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrVersionConflict
		}

		submission.Version = transition.ExpectedVersion + 1
		submission.UpdatedAt = at

		if len(transition.AttachEvidence) > 0 {
			links, err := attachEvidence(tx, submission.ID, transition.AttachEvidence, at)
			if err != nil {
				return err
			}
			submission.Evidence = append(submission.Evidence, links...)
		}

		if transition.Review != nil {
			transition.Review.SubmissionID = submission.ID
			if transition.Review.CreatedAt.IsZero() {
				transition.Review.CreatedAt = at
			}
			if err := tx.Create(transition.Review).Error; err != nil {
				return err
			}
			submission.Reviews = append(submission.Reviews, *transition.Review)
		}

		if transition.History != nil {
			if transition.History.CreatedAt.IsZero() {
				transition.History.CreatedAt = at
			}
			if err := appendHistory(tx, submission.ID, transition.History); err != nil {
				return err
			}
			submission.History = append(submission.History, *transition.History)
		}

		return nil
	})
}

func appendHistory(tx *gorm.DB, submissionID uint, entry *models.SubmissionHistory) error {
	var last int
	if err := tx.Model(&models.SubmissionHistory{}).
		Where("submission_id = ?", submissionID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error; err != nil {
		return err
	}

	entry.ID = 0
	entry.SubmissionID = submissionID
	entry.Sequence = last + 1
	return tx.Create(entry).Error
}

func attachEvidence(tx *gorm.DB, submissionID uint, refs []string, at time.Time) ([]models.SubmissionEvidence, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	var last int
	if err := tx.Model(&models.SubmissionEvidence{}).
		Where("submission_id = ?", submissionID).
		Select("COALESCE(MAX(position), 0)").
		Scan(&last).Error; err != nil {
		return nil, err
	}

	links := make([]models.SubmissionEvidence, 0, len(refs))
	for i, ref := range refs {
		links = append(links, models.SubmissionEvidence{
			SubmissionID: submissionID,
			EvidenceID:   ref,
			Position:     last + i + 1,
			AttachedAt:   at,
		})
	}

	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&links).Error; err != nil {
		return nil, err
	}
	return links, nil
}
