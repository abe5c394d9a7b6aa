package service

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/models"
	"github.com/noah-isme/sar-go-api/internal/repository"
)

// Compliance presets.
const (
	PresetNAACAQAR = "naac-aqar"
	PresetNAACSSR  = "naac-ssr"
	PresetAICTE    = "aicte"
	PresetNIRF     = "nirf"
)

const schemaBaseURL = "https://schemas.sar.local/exports/"

var exportFrameworks = map[string]string{
	PresetNAACAQAR: "NAAC AQAR Criterion 5.3 Student Participation and Activities",
	PresetNAACSSR:  "NAAC SSR Criterion 5 Student Support and Progression",
	PresetAICTE:    "AICTE Activity Point Programme",
	PresetNIRF:     "NIRF Outreach and Inclusivity",
}

//go:embed schemas/*.json
var exportSchemaFS embed.FS

// loadExportSchemas compiles one validator per preset from the embedded schema files.
func loadExportSchemas() (map[string]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	entries, err := exportSchemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		raw, err := exportSchemaFS.ReadFile("schemas/" + entry.Name())
		if err != nil {
			return nil, err
		}
		if err := compiler.AddResource(schemaBaseURL+entry.Name(), bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", entry.Name(), err)
		}
	}

	schemas := make(map[string]*jsonschema.Schema, len(exportFrameworks))
	for preset := range exportFrameworks {
		schema, err := compiler.Compile(schemaBaseURL + preset + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", preset, err)
		}
		schemas[preset] = schema
	}
	return schemas, nil
}

type exportWindow struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type exportHeader struct {
	Preset    string        `json:"preset"`
	Framework string        `json:"framework"`
	Program   string        `json:"program"`
	Window    exportWindow  `json:"window"`
	Summary   exportSummary `json:"summary"`
}

type exportSummary struct {
	Submissions       int     `json:"submissions"`
	Approved          int     `json:"approved"`
	Rejected          int     `json:"rejected"`
	Pending           int     `json:"pending"`
	ApprovalRate      float64 `json:"approval_rate"`
	AvgTATHours       float64 `json:"avg_tat_hours"`
	ParticipationRate float64 `json:"participation_rate"`
	EnrolledStudents  int     `json:"enrolled_students"`
}

type exportStudent struct {
	StudentID     uint    `json:"student_id"`
	Program       string  `json:"program"`
	Activities    int     `json:"activities"`
	Approved      int     `json:"approved"`
	ApprovedHours float64 `json:"approved_hours"`
}

type aqarDocument struct {
	exportHeader
	Categories []categoryRow `json:"categories"`
}

type ssrDocument struct {
	exportHeader
	Categories  []categoryRow             `json:"categories"`
	Departments []dto.DepartmentAggregate `json:"departments"`
}

type aicteDocument struct {
	exportHeader
	Students []exportStudent `json:"students"`
}

type nirfDocument struct {
	exportHeader
	Departments []dto.DepartmentAggregate `json:"departments"`
}

// buildExportDocument renders the preset's document. The output depends only on the snapshot
// rows and the window, so regenerating a closed window yields identical bytes.
func buildExportDocument(preset string, snapshot repository.LedgerSnapshot, window ReportWindow, program string) ([]byte, error) {
	framework, ok := exportFrameworks[preset]
	if !ok {
		return nil, validationErrorf("unknown export preset %q", preset)
	}

	if program == "" {
		program = "all"
	}
	kpi := computeKPI(snapshot, window, program)
	header := exportHeader{
		Preset:    preset,
		Framework: framework,
		Program:   program,
		Window: exportWindow{
			From: window.From.UTC().Format(time.RFC3339),
			To:   window.To.UTC().Format(time.RFC3339),
		},
		Summary: exportSummary{
			Submissions:       kpi.Submissions,
			Approved:          kpi.Approved,
			Rejected:          kpi.Rejected,
			Pending:           kpi.PendingCount,
			ApprovalRate:      kpi.ApprovalRate,
			AvgTATHours:       kpi.AvgTATHours,
			ParticipationRate: kpi.ParticipationRate,
			EnrolledStudents:  enrolledCount(snapshot.Students),
		},
	}

	var document interface{}
	switch preset {
	case PresetNAACAQAR:
		document = aqarDocument{exportHeader: header, Categories: computeCategories(snapshot, window)}
	case PresetNAACSSR:
		document = ssrDocument{
			exportHeader: header,
			Categories:   computeCategories(snapshot, window),
			Departments:  computeDepartments(snapshot, window),
		}
	case PresetAICTE:
		document = aicteDocument{exportHeader: header, Students: computeStudentPoints(snapshot, window)}
	case PresetNIRF:
		document = nirfDocument{exportHeader: header, Departments: computeDepartments(snapshot, window)}
	}

	return json.Marshal(document)
}

// computeStudentPoints lists every student with activity submitted inside the window, by id.
func computeStudentPoints(snapshot repository.LedgerSnapshot, window ReportWindow) []exportStudent {
	rows := map[uint]*exportStudent{}
	for _, submission := range snapshot.Submissions {
		t := newTimeline(submission)
		submitted := t.submittedAt()
		if submitted == nil || !inWindow(*submitted, window) {
			continue
		}
		row, ok := rows[submission.StudentID]
		if !ok {
			row = &exportStudent{StudentID: submission.StudentID, Program: submission.Program}
			rows[submission.StudentID] = row
		}
		row.Activities++
		if status, _ := t.statusAt(window.To.Add(-time.Nanosecond)); status == models.SubmissionStatusApproved {
			row.Approved++
			row.ApprovedHours = round4(row.ApprovedHours + submission.ClaimedHours)
		}
	}

	out := make([]exportStudent, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out
}
