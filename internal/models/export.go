package models

import "time"

// ComplianceExport records a generated accreditation report document.
type ComplianceExport struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Preset      string    `gorm:"size:32;not null;index" json:"preset"`
	WindowFrom  time.Time `json:"window_from"`
	WindowTo    time.Time `json:"window_to"`
	DocumentRef string    `gorm:"size:64;not null;index" json:"document_ref"`
	Location    string    `gorm:"size:512;not null" json:"location"`
	ByteSize    int64     `json:"byte_size"`
	GeneratedBy uint      `json:"generated_by"`
	GeneratedAt time.Time `json:"generated_at"`
}
