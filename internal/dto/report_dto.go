package dto

import (
	"time"

	"github.com/noah-isme/sar-go-api/internal/models"
)

// ReportWindowQuery selects the reporting window. Window takes a relative span such as 7d or
// 12h ending now; From/To take explicit RFC3339 bounds.
type ReportWindowQuery struct {
	Window  string `query:"window" validate:"omitempty,max=16"`
	From    string `query:"from" validate:"omitempty"`
	To      string `query:"to" validate:"omitempty"`
	Program string `query:"program" validate:"omitempty,max=128"`
}

// KPIResponse carries the headline workflow metrics.
type KPIResponse struct {
	Program           string    `json:"program,omitempty"`
	WindowFrom        time.Time `json:"window_from"`
	WindowTo          time.Time `json:"window_to"`
	PendingCount      int       `json:"pending_count"`
	ApprovalRate      float64   `json:"approval_rate"`
	AvgTATHours       float64   `json:"avg_tat_hours"`
	ParticipationRate float64   `json:"participation_rate"`
	Approved          int       `json:"approved"`
	Rejected          int       `json:"rejected"`
	Submissions       int       `json:"submissions"`
	CacheHit          bool      `json:"-"`
}

// DepartmentAggregate summarises one department for the admin dashboard.
type DepartmentAggregate struct {
	Department        string  `json:"department"`
	Students          int     `json:"students"`
	Participants      int     `json:"participants"`
	ParticipationRate float64 `json:"participation_rate"`
	ApprovalRate      float64 `json:"approval_rate"`
	AvgTATDays        float64 `json:"avg_tat_days"`
	Pending           int     `json:"pending"`
	Submissions       int     `json:"submissions"`
}

// DepartmentReportResponse lists per-department aggregates.
type DepartmentReportResponse struct {
	WindowFrom  time.Time             `json:"window_from"`
	WindowTo    time.Time             `json:"window_to"`
	Departments []DepartmentAggregate `json:"departments"`
}

// PortfolioResponse is a student's verified activity record.
type PortfolioResponse struct {
	StudentID     uint                `json:"student_id"`
	Name          string              `json:"name"`
	Program       string              `json:"program"`
	Activities    int                 `json:"activities"`
	Approved      int                 `json:"approved"`
	Pending       int                 `json:"pending"`
	ApprovedHours float64             `json:"approved_hours"`
	CategoryHours map[string]float64  `json:"category_hours"`
	Items         []SubmissionSummary `json:"items"`
}

// HeatmapQuery selects the heatmap subject and range.
type HeatmapQuery struct {
	StudentID *uint  `query:"student_id"`
	Program   string `query:"program" validate:"omitempty,max=128"`
	Days      int    `query:"days" validate:"omitempty,gte=1,lte=366"`
}

// HeatmapDay is one calendar cell.
type HeatmapDay struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
	Level int    `json:"level"`
}

// HeatmapResponse is a daily activity calendar.
type HeatmapResponse struct {
	From string       `json:"from"`
	To   string       `json:"to"`
	Days []HeatmapDay `json:"days"`
}

// ExportQuery requests a compliance document.
type ExportQuery struct {
	Preset  string `query:"preset" validate:"required,oneof=naac-aqar naac-ssr aicte nirf"`
	Window  string `query:"window" validate:"omitempty,max=16"`
	From    string `query:"from" validate:"omitempty"`
	To      string `query:"to" validate:"omitempty"`
	Program string `query:"program" validate:"omitempty,max=128"`
}

// ExportResponse references a generated compliance document.
type ExportResponse struct {
	ID          uint      `json:"id"`
	Preset      string    `json:"preset"`
	DocumentRef string    `json:"document_ref"`
	ByteSize    int64     `json:"byte_size"`
	WindowFrom  time.Time `json:"window_from"`
	WindowTo    time.Time `json:"window_to"`
	GeneratedAt time.Time `json:"generated_at"`
}

// NewExportResponse converts an export record into a response payload.
func NewExportResponse(model models.ComplianceExport) ExportResponse {
	return ExportResponse{
		ID:          model.ID,
		Preset:      model.Preset,
		DocumentRef: model.DocumentRef,
		ByteSize:    model.ByteSize,
		WindowFrom:  model.WindowFrom,
		WindowTo:    model.WindowTo,
		GeneratedAt: model.GeneratedAt,
	}
}
