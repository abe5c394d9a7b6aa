package models

import "time"

// Student represents an enrolled learner who records activities.
type Student struct {
	ID        uint      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Email     string    `gorm:"size:255;index" json:"email"`
	Program   string    `gorm:"size:128;index" json:"program"`
	Cohort    string    `gorm:"size:16;index" json:"cohort"`
	Enrolled  bool      `gorm:"not null" json:"enrolled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reviewer is a faculty member eligible to verify submissions.
type Reviewer struct {
	ID         uint      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name       string    `gorm:"size:255;not null" json:"name"`
	Department string    `gorm:"size:128;index" json:"department"`
	Active     bool      `gorm:"not null;index" json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
