package service

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/models"
	"github.com/noah-isme/sar-go-api/internal/repository"
)

// ReportWindow is the half-open interval [From, To) a report covers. Relative windows end at
// the moment they were parsed.
type ReportWindow struct {
	From     time.Time
	To       time.Time
	Relative bool
}

// Closed reports whether an explicit window ended before now. Submission history for a closed
// window is replayed as of its end; the enrolled roster is always read as of now.
func (w ReportWindow) Closed(now time.Time) bool {
	return !w.Relative && w.To.Before(now)
}

const defaultReportSpan = 30 * 24 * time.Hour

// ParseReportWindow resolves a relative span ("7d", "12h", "90m") or explicit RFC3339 bounds.
func ParseReportWindow(span, from, to string, now time.Time) (ReportWindow, error) {
	now = now.UTC()

	if strings.TrimSpace(from) != "" || strings.TrimSpace(to) != "" {
		end := now
		if strings.TrimSpace(to) != "" {
			parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(to))
			if err != nil {
				return ReportWindow{}, validationErrorf("to must be RFC3339: %v", err)
			}
			end = parsed.UTC()
		}

		start := end.Add(-defaultReportSpan)
		if strings.TrimSpace(from) != "" {
			parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(from))
			if err != nil {
				return ReportWindow{}, validationErrorf("from must be RFC3339: %v", err)
			}
			start = parsed.UTC()
		}

		if !start.Before(end) {
			return ReportWindow{}, validationErrorf("window start must precede its end")
		}
		return ReportWindow{From: start, To: end}, nil
	}

	length := defaultReportSpan
	if trimmed := strings.TrimSpace(span); trimmed != "" {
		parsed, err := parseSpan(trimmed)
		if err != nil {
			return ReportWindow{}, err
		}
		length = parsed
	}

	return ReportWindow{From: now.Add(-length), To: now, Relative: true}, nil
}

func parseSpan(value string) (time.Duration, error) {
	if strings.HasSuffix(value, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(value, "d"))
		if err != nil || days <= 0 || days > 3660 {
			return 0, validationErrorf("invalid window %q", value)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	duration, err := time.ParseDuration(value)
	if err != nil || duration <= 0 {
		return 0, validationErrorf("invalid window %q", value)
	}
	return duration, nil
}

// timeline is a submission's workflow replayed from its history.
type timeline struct {
	submission models.Submission
	entries    []models.SubmissionHistory
}

func newTimeline(submission models.Submission) timeline {
	entries := append([]models.SubmissionHistory(nil), submission.History...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
	return timeline{submission: submission, entries: entries}
}

// statusAt replays history up to and including instant t. decidedAt is set when the status
// at t is terminal.
func (t timeline) statusAt(instant time.Time) (status models.SubmissionStatus, decidedAt *time.Time) {
	status = models.SubmissionStatusDraft
	for _, entry := range t.entries {
		if entry.CreatedAt.After(instant) {
			break
		}
		if entry.ToStatus != status {
			if entry.ToStatus.IsTerminal() {
				at := entry.CreatedAt
				decidedAt = &at
			} else {
				decidedAt = nil
			}
			status = entry.ToStatus
		}
	}
	return status, decidedAt
}

// submittedAt is the first time the submission entered the queue.
func (t timeline) submittedAt() *time.Time {
	for _, entry := range t.entries {
		if entry.ToStatus == models.SubmissionStatusSubmitted {
			at := entry.CreatedAt
			return &at
		}
	}
	return nil
}

func inWindow(instant time.Time, window ReportWindow) bool {
	return !instant.Before(window.From) && instant.Before(window.To)
}

type kpiAccumulator struct {
	approved     int
	rejected     int
	pending      int
	submissions  int
	tatTotal     time.Duration
	tatSamples   int
	participants map[uint]struct{}
}

func newKPIAccumulator() *kpiAccumulator {
	return &kpiAccumulator{participants: make(map[uint]struct{})}
}

func (a *kpiAccumulator) add(t timeline, window ReportWindow) {
	// Status at the last instant inside the window.
	status, decidedAt := t.statusAt(window.To.Add(-time.Nanosecond))
	submitted := t.submittedAt()

	if submitted != nil && inWindow(*submitted, window) {
		a.submissions++
		a.participants[t.submission.StudentID] = struct{}{}
	}

	if status == models.SubmissionStatusSubmitted || status == models.SubmissionStatusInReview {
		a.pending++
	}

	if decidedAt != nil && inWindow(*decidedAt, window) {
		switch status {
		case models.SubmissionStatusApproved:
			a.approved++
		case models.SubmissionStatusRejected:
			a.rejected++
		}
		if submitted != nil && !decidedAt.Before(*submitted) {
			a.tatTotal += decidedAt.Sub(*submitted)
			a.tatSamples++
		}
	}
}

func (a *kpiAccumulator) approvalRate() float64 {
	decided := a.approved + a.rejected
	if decided == 0 {
		return 0
	}
	return round4(float64(a.approved) / float64(decided))
}

func (a *kpiAccumulator) avgTAT() time.Duration {
	if a.tatSamples == 0 {
		return 0
	}
	return a.tatTotal / time.Duration(a.tatSamples)
}

// participation is the share of enrolled students with at least one submission in the window.
func (a *kpiAccumulator) participation(enrolled map[uint]struct{}) float64 {
	if len(enrolled) == 0 {
		return 0
	}
	active := 0
	for id := range a.participants {
		if _, ok := enrolled[id]; ok {
			active++
		}
	}
	return round4(float64(active) / float64(len(enrolled)))
}

func enrolledSet(students []models.Student) map[uint]struct{} {
	set := make(map[uint]struct{}, len(students))
	for _, student := range students {
		if student.Enrolled {
			set[student.ID] = struct{}{}
		}
	}
	return set
}

func enrolledCount(students []models.Student) int {
	return len(enrolledSet(students))
}

// computeKPI derives headline metrics from a snapshot. It is a pure function of its inputs.
func computeKPI(snapshot repository.LedgerSnapshot, window ReportWindow, program string) dto.KPIResponse {
	acc := newKPIAccumulator()
	for _, submission := range snapshot.Submissions {
		acc.add(newTimeline(submission), window)
	}

	return dto.KPIResponse{
		Program:           program,
		WindowFrom:        window.From,
		WindowTo:          window.To,
		PendingCount:      acc.pending,
		ApprovalRate:      acc.approvalRate(),
		AvgTATHours:       round4(acc.avgTAT().Hours()),
		ParticipationRate: acc.participation(enrolledSet(snapshot.Students)),
		Approved:          acc.approved,
		Rejected:          acc.rejected,
		Submissions:       acc.submissions,
	}
}

// computeDepartments groups the snapshot by program, sorted by department name.
func computeDepartments(snapshot repository.LedgerSnapshot, window ReportWindow) []dto.DepartmentAggregate {
	accumulators := map[string]*kpiAccumulator{}
	students := map[string]map[uint]struct{}{}

	for _, student := range snapshot.Students {
		if student.Enrolled {
			if students[student.Program] == nil {
				students[student.Program] = map[uint]struct{}{}
			}
			students[student.Program][student.ID] = struct{}{}
		}
		if _, ok := accumulators[student.Program]; !ok {
			accumulators[student.Program] = newKPIAccumulator()
		}
	}
	for _, submission := range snapshot.Submissions {
		acc, ok := accumulators[submission.Program]
		if !ok {
			acc = newKPIAccumulator()
			accumulators[submission.Program] = acc
		}
		acc.add(newTimeline(submission), window)
	}

	names := make([]string, 0, len(accumulators))
	for name := range accumulators {
		names = append(names, name)
	}
	sort.Strings(names)

	aggregates := make([]dto.DepartmentAggregate, 0, len(names))
	for _, name := range names {
		acc := accumulators[name]
		aggregates = append(aggregates, dto.DepartmentAggregate{
			Department:        name,
			Students:          len(students[name]),
			Participants:      len(acc.participants),
			ParticipationRate: acc.participation(students[name]),
			ApprovalRate:      acc.approvalRate(),
			AvgTATDays:        round4(acc.avgTAT().Hours() / 24),
			Pending:           acc.pending,
			Submissions:       acc.submissions,
		})
	}
	return aggregates
}

type categoryRow struct {
	Category      string  `json:"category"`
	Submissions   int     `json:"submissions"`
	Approved      int     `json:"approved"`
	ApprovedHours float64 `json:"approved_hours"`
}

func computeCategories(snapshot repository.LedgerSnapshot, window ReportWindow) []categoryRow {
	rows := map[string]*categoryRow{}
	for _, submission := range snapshot.Submissions {
		t := newTimeline(submission)
		submitted := t.submittedAt()
		if submitted == nil || !inWindow(*submitted, window) {
			continue
		}
		row, ok := rows[submission.Category]
		if !ok {
			row = &categoryRow{Category: submission.Category}
			rows[submission.Category] = row
		}
		row.Submissions++
		if status, _ := t.statusAt(window.To.Add(-time.Nanosecond)); status == models.SubmissionStatusApproved {
			row.Approved++
			row.ApprovedHours = round4(row.ApprovedHours + submission.ClaimedHours)
		}
	}

	out := make([]categoryRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// heatmapLevel buckets a daily count into the five calendar shades.
func heatmapLevel(count int) int {
	if count <= 0 {
		return 0
	}
	if count+1 > 4 {
		return 4
	}
	return count + 1
}

func round4(value float64) float64 {
	return math.Round(value*10000) / 10000
}
