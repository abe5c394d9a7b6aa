package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/sar-go-api/internal/models"
)

// EvidenceRepository stores evidence metadata keyed by content hash.
type EvidenceRepository interface {
	// Create inserts the record unless one with the same hash exists. It reports whether a
	// new row was written.
	Create(ctx context.Context, evidence *models.Evidence) (bool, error)
	FindByID(ctx context.Context, id string) (models.Evidence, error)
	FindByIDs(ctx context.Context, ids []string) ([]models.Evidence, error)
}

type evidenceRepository struct {
	db *gorm.DB
}

// NewEvidenceRepository constructs the evidence repository.
func NewEvidenceRepository(db *gorm.DB) EvidenceRepository {
	return &evidenceRepository{db: db}
}

func (r *evidenceRepository) Create(ctx context.Context, evidence *models.Evidence) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(evidence)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *evidenceRepository) FindByID(ctx context.Context, id string) (models.Evidence, error) {
	var evidence models.Evidence
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&evidence).Error; err != nil {
		return models.Evidence{}, err
	}
	return evidence, nil
}

func (r *evidenceRepository) FindByIDs(ctx context.Context, ids []string) ([]models.Evidence, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var items []models.Evidence
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
