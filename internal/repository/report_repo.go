package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/sar-go-api/internal/models"
)

// LedgerSnapshot is a consistent read of everything the reporting engine derives metrics from.
type LedgerSnapshot struct {
	Submissions []models.Submission
	Students    []models.Student
	TakenAt     time.Time
}

// SnapshotFilter scopes a snapshot. Submissions created after CreatedBefore are excluded so a
// closed window reads the same rows no matter how far the ledger has grown.
type SnapshotFilter struct {
	Program       string
	StudentID     *uint
	CreatedBefore *time.Time
}

// ReportRepository reads ledger snapshots without taking write locks.
type ReportRepository interface {
	Snapshot(ctx context.Context, filter SnapshotFilter) (LedgerSnapshot, error)
	// EnrolledIDs lists the currently enrolled students of a program, or of every program when empty.
	EnrolledIDs(ctx context.Context, program string) ([]uint, error)
}

type reportRepository struct {
	db *gorm.DB
}

// NewReportRepository constructs the snapshot reader.
func NewReportRepository(db *gorm.DB) ReportRepository {
	return &reportRepository{db: db}
}

func (r *reportRepository) Snapshot(ctx context.Context, filter SnapshotFilter) (LedgerSnapshot, error) {
	snapshot := LedgerSnapshot{TakenAt: time.Now().UTC()}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SET TRANSACTION ISOLATION LEVEL REPEATABLE READ READ ONLY").Error; err != nil {
				return err
			}
		}

		submissions := tx.Model(&models.Submission{}).
			Preload("History", orderBy("sequence ASC")).
			Preload("Evidence", orderBy("position ASC"))
		if filter.Program != "" {
			submissions = submissions.Where("program = ?", filter.Program)
		}
		if filter.StudentID != nil {
			submissions = submissions.Where("student_id = ?", *filter.StudentID)
		}
		if filter.CreatedBefore != nil {
			submissions = submissions.Where("created_at < ?", *filter.CreatedBefore)
		}
		if err := submissions.Order("id ASC").Find(&snapshot.Submissions).Error; err != nil {
			return err
		}

		students := tx.Model(&models.Student{})
		if filter.Program != "" {
			students = students.Where("program = ?", filter.Program)
		}
		if filter.StudentID != nil {
			students = students.Where("id = ?", *filter.StudentID)
		}
		return students.Order("id ASC").Find(&snapshot.Students).Error
	})
	if err != nil {
		return LedgerSnapshot{}, err
	}

	return snapshot, nil
}

func (r *reportRepository) EnrolledIDs(ctx context.Context, program string) ([]uint, error) {
	query := r.db.WithContext(ctx).Model(&models.Student{}).Where("enrolled = ?", true)
	if program != "" {
		query = query.Where("program = ?", program)
	}
	var ids []uint
	if err := query.Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
