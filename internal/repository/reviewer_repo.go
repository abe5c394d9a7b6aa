package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/sar-go-api/internal/models"
)

// ReviewerFilter narrows reviewer directory queries.
type ReviewerFilter struct {
	Department string
	ActiveOnly bool
}

// ReviewerRepository provides access to the faculty reviewer directory.
type ReviewerRepository interface {
	GetByID(ctx context.Context, id uint) (models.Reviewer, error)
	List(ctx context.Context, filter ReviewerFilter) ([]models.Reviewer, error)
	Upsert(ctx context.Context, reviewer *models.Reviewer) error
}

type reviewerRepository struct {
	db *gorm.DB
}

// NewReviewerRepository constructs a reviewer repository.
func NewReviewerRepository(db *gorm.DB) ReviewerRepository {
	return &reviewerRepository{db: db}
}

func (r *reviewerRepository) GetByID(ctx context.Context, id uint) (models.Reviewer, error) {
	var reviewer models.Reviewer
	if err := r.db.WithContext(ctx).First(&reviewer, id).Error; err != nil {
		return models.Reviewer{}, err
	}
	return reviewer, nil
}

func (r *reviewerRepository) List(ctx context.Context, filter ReviewerFilter) ([]models.Reviewer, error) {
	query := r.db.WithContext(ctx).Model(&models.Reviewer{})
	if filter.Department != "" {
		query = query.Where("department = ?", filter.Department)
	}
	if filter.ActiveOnly {
		query = query.Where("active = ?", true)
	}

	var reviewers []models.Reviewer
	if err := query.Order("id ASC").Find(&reviewers).Error; err != nil {
		return nil, err
	}
	return reviewers, nil
}

func (r *reviewerRepository) Upsert(ctx context.Context, reviewer *models.Reviewer) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "department", "active", "updated_at"}),
	}).Create(reviewer).Error
}
