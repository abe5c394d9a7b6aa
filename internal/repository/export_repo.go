package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/sar-go-api/internal/models"
)

// ExportRepository tracks generated compliance documents.
type ExportRepository interface {
	Create(ctx context.Context, export *models.ComplianceExport) error
	GetByID(ctx context.Context, id uint) (models.ComplianceExport, error)
	List(ctx context.Context, preset string, limit int) ([]models.ComplianceExport, error)
}

type exportRepository struct {
	db *gorm.DB
}

// NewExportRepository constructs the export repository.
func NewExportRepository(db *gorm.DB) ExportRepository {
	return &exportRepository{db: db}
}

func (r *exportRepository) Create(ctx context.Context, export *models.ComplianceExport) error {
	return r.db.WithContext(ctx).Create(export).Error
}

func (r *exportRepository) GetByID(ctx context.Context, id uint) (models.ComplianceExport, error) {
	var export models.ComplianceExport
	if err := r.db.WithContext(ctx).First(&export, id).Error; err != nil {
		return models.ComplianceExport{}, err
	}
	return export, nil
}

func (r *exportRepository) List(ctx context.Context, preset string, limit int) ([]models.ComplianceExport, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := r.db.WithContext(ctx).Model(&models.ComplianceExport{})
	if preset != "" {
		query = query.Where("preset = ?", preset)
	}

	var exports []models.ComplianceExport
	if err := query.Order("generated_at DESC").Order("id DESC").Limit(limit).Find(&exports).Error; err != nil {
		return nil, err
	}
	return exports, nil
}
