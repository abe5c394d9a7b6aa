package models

// All lists every persisted model, in dependency order, for schema migration.
func All() []interface{} {
	return []interface{}{
		&Student{},
		&Reviewer{},
		&Evidence{},
		&Submission{},
		&SubmissionEvidence{},
		&SubmissionHistory{},
		&ReviewAction{},
		&NotificationEvent{},
		&ComplianceExport{},
		&ActivityLog{},
	}
}
