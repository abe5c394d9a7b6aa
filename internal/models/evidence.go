package models

import "time"

// Evidence is an immutable uploaded file addressed by the SHA-256 of its bytes.
type Evidence struct {
	ID              string    `gorm:"primaryKey;size:64" json:"id"`
	OriginalName    string    `gorm:"size:255" json:"original_name"`
	ByteSize        int64     `gorm:"not null" json:"byte_size"`
	MimeType        string    `gorm:"size:128;not null" json:"mime_type"`
	StorageLocation string    `gorm:"size:512;not null" json:"storage_location"`
	UploadedBy      uint      `gorm:"index" json:"uploaded_by"`
	UploadedAt      time.Time `json:"uploaded_at"`
}

// TableName keeps the plural form stable across drivers.
func (Evidence) TableName() string {
	return "evidence"
}
