package dto

import (
	"time"

	"github.com/noah-isme/sar-go-api/internal/models"
)

// EvidenceResponse describes a stored evidence object.
type EvidenceResponse struct {
	EvidenceRef  string    `json:"evidence_ref"`
	OriginalName string    `json:"original_name"`
	ByteSize     int64     `json:"byte_size"`
	MimeType     string    `json:"mime_type"`
	UploadedBy   uint      `json:"uploaded_by"`
	UploadedAt   time.Time `json:"uploaded_at"`
	Deduplicated bool      `json:"deduplicated"`
}

// NewEvidenceResponse converts an evidence model into a response payload.
func NewEvidenceResponse(model models.Evidence, deduplicated bool) EvidenceResponse {
	return EvidenceResponse{
		EvidenceRef:  model.ID,
		OriginalName: model.OriginalName,
		ByteSize:     model.ByteSize,
		MimeType:     model.MimeType,
		UploadedBy:   model.UploadedBy,
		UploadedAt:   model.UploadedAt,
		Deduplicated: deduplicated,
	}
}
