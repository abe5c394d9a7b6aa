package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/sar-go-api/internal/models"
)

// Audience roles recognised by notification queries.
const (
	AudienceStudent = "student"
	AudienceFaculty = "faculty"
	AudienceAdmin   = "admin"
)

// NotificationAudience identifies who is reading the event log.
type NotificationAudience struct {
	Role       string
	UserID     uint
	Department string
}

// NotificationFilter narrows event log reads.
type NotificationFilter struct {
	Audience NotificationAudience
	After    uint
	Types    []string
	Limit    int
}

// NotificationRepository persists dispatched workflow events.
type NotificationRepository interface {
	// Create stores the event once per EventID. It reports whether a new row was written.
	Create(ctx context.Context, event *models.NotificationEvent) (bool, error)
	List(ctx context.Context, filter NotificationFilter) ([]models.NotificationEvent, error)
	FindByEventID(ctx context.Context, eventID string) (models.NotificationEvent, error)
}

type notificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository constructs a repository backed by GORM.
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, event *models.NotificationEvent) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *notificationRepository) List(ctx context.Context, filter NotificationFilter) ([]models.NotificationEvent, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := r.db.WithContext(ctx).Model(&models.NotificationEvent{}).Where("sequence > ?", filter.After)

	audience := filter.Audience
	switch audience.Role {
	case AudienceAdmin:
		if audience.Department != "" {
			query = query.Where("department = ?", audience.Department)
		}
	case AudienceFaculty:
		if audience.Department != "" {
			query = query.Where("(reviewer_id = ? OR department = ?)", audience.UserID, audience.Department)
		} else {
			query = query.Where("reviewer_id = ?", audience.UserID)
		}
	default:
		query = query.Where("student_id = ?", audience.UserID)
	}

	if len(filter.Types) > 0 {
		query = query.Where("type IN ?", filter.Types)
	}

	var events []models.NotificationEvent
	if err := query.Order("sequence ASC").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *notificationRepository) FindByEventID(ctx context.Context, eventID string) (models.NotificationEvent, error) {
	var event models.NotificationEvent
	if err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&event).Error; err != nil {
		return models.NotificationEvent{}, err
	}
	return event, nil
}
