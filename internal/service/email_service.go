package service

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"sort"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rectory-school/enrichment-api/internal/models"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templateFuncs = map[string]interface{}{
	"date": func(t time.Time) string {
		return t.Format("Monday, January 02")
	},
	"datetime": func(t time.Time) string {
		return t.Format("Monday, January 02 at 3:04 PM")
	},
}

type slotWindowReader interface {
	ListByDateRange(ctx context.Context, from, to time.Time) ([]models.Slot, error)
}

type slotSignupReader interface {
	ListBySlots(ctx context.Context, slotIDs []int64) ([]models.Signup, error)
}

type adviseeLister interface {
	AdviseesByAdvisor(ctx context.Context, filter AdviseeFilter) (map[int64][]models.Student, map[int64]models.Teacher, error)
}

type scheduleAddressReader interface {
	DefaultAddresses(ctx context.Context, scheduleID int64) ([]models.RelatedAddress, error)
}

type outboxWriter interface {
	Create(ctx context.Context, tx *sqlx.Tx, message *models.OutgoingMessage, addresses []models.MessageAddress) error
}

type emailMessageRecorder interface {
	RecordEmailMessages(report string, count int)
}

// Report contexts handed to the templates.

type SlotStudents struct {
	Slot     models.Slot
	Students []models.Student
}

type UnassignedAdvisorContext struct {
	Advisor  models.Teacher
	Deadline time.Time
	Count    int
	BaseURL  string
	Slots    []SlotStudents
}

type AdvisorSection struct {
	Advisor  models.Teacher
	Students []models.Student
}

type AdminSlot struct {
	Slot     models.Slot
	Advisors []AdvisorSection
}

type UnassignedAdminContext struct {
	Count   int
	BaseURL string
	Slots   []AdminSlot
}

type OptionRoster struct {
	Option   models.OptionDetail
	Students []models.Student
}

type SignupSlot struct {
	Slot    models.Slot
	Options []OptionRoster
}

type AllSignupsContext struct {
	Slots []SignupSlot
}

type SlotAssignment struct {
	Slot   models.Slot
	Option *models.OptionDetail
}

type AdviseeContext struct {
	Student models.Student
	BaseURL string
	Slots   []SlotAssignment
}

type AdviseeRow struct {
	Student     models.Student
	Option      *models.OptionDetail
	AdminLocked bool
}

type AdvisorSlot struct {
	Slot models.Slot
	Rows []AdviseeRow
}

type AdvisorContext struct {
	Advisor models.Teacher
	BaseURL string
	Slots   []AdvisorSlot
}

type FacilitatorRoster struct {
	Slot     models.Slot
	Option   models.OptionDetail
	Location string
	Students []models.Student
}

type FacilitatorContext struct {
	TeacherName string
	BaseURL     string
	Rosters     []FacilitatorRoster
}

// reportMessage is one report output before rendering and address merging.
type reportMessage struct {
	template string
	subject  string
	context  interface{}
	to       []models.AddressPair
}

// EmailService materializes the six report shapes into outbox rows. The
// engine only writes OutgoingMessage rows; delivery belongs to the
// stored-mail collaborator.
type EmailService struct {
	slots     slotWindowReader
	signups   slotSignupReader
	grids     cellGridBuilder
	advising  adviseeLister
	schedules scheduleAddressReader
	outbox    outboxWriter
	metrics   emailMessageRecorder
	logger    *zap.Logger

	baseURL      string
	discardAfter time.Duration
	now          func() time.Time

	textTemplates *texttemplate.Template
	htmlTemplates *htmltemplate.Template
}

// NewEmailService constructs the service. The embedded templates are parsed
// eagerly so a broken template fails at startup, not mid-run.
func NewEmailService(
	slots slotWindowReader,
	signups slotSignupReader,
	grids cellGridBuilder,
	advising adviseeLister,
	schedules scheduleAddressReader,
	outbox outboxWriter,
	baseURL string,
	discardAfter time.Duration,
	logger *zap.Logger,
) (*EmailService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if discardAfter <= 0 {
		discardAfter = 24 * time.Hour
	}

	textTemplates, err := texttemplate.New("").Funcs(templateFuncs).ParseFS(templateFS, "templates/*.txt.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse text templates: %w", err)
	}
	htmlTemplates, err := htmltemplate.New("").Funcs(templateFuncs).ParseFS(templateFS, "templates/*.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse html templates: %w", err)
	}

	return &EmailService{
		slots:         slots,
		signups:       signups,
		grids:         grids,
		advising:      advising,
		schedules:     schedules,
		outbox:        outbox,
		logger:        logger,
		baseURL:       baseURL,
		discardAfter:  discardAfter,
		now:           time.Now,
		textTemplates: textTemplates,
		htmlTemplates: htmlTemplates,
	}, nil
}

// RunSchedule produces every message for one schedule over the window
// [reference+start, reference+end] and writes them to the outbox inside the
// caller's transaction. Returns the number of messages written.
func (s *EmailService) RunSchedule(ctx context.Context, tx *sqlx.Tx, schedule models.EmailSchedule, referenceDate time.Time) (int, error) {
	referenceDate = normalizeDate(referenceDate)
	low := referenceDate.AddDate(0, 0, schedule.Start)
	high := referenceDate.AddDate(0, 0, schedule.End)

	slots, err := s.slots.ListByDateRange(ctx, low, high)
	if err != nil {
		return 0, err
	}

	messages, err := s.generate(ctx, schedule, slots, referenceDate)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}

	defaults, err := s.schedules.DefaultAddresses(ctx, schedule.ID)
	if err != nil {
		return 0, err
	}

	discardAfter := s.now().Add(s.discardAfter)
	for _, msg := range messages {
		text, html, err := s.render(msg)
		if err != nil {
			return 0, err
		}
		outgoing := &models.OutgoingMessage{
			FromName:     schedule.FromName,
			FromAddress:  schedule.FromAddress,
			Subject:      msg.subject,
			Text:         text,
			HTML:         html,
			DiscardAfter: discardAfter,
		}
		if err := s.outbox.Create(ctx, tx, outgoing, mergeAddresses(msg.to, defaults)); err != nil {
			return 0, err
		}
	}

	if s.metrics != nil {
		s.metrics.RecordEmailMessages(schedule.Report, len(messages))
	}
	s.logger.Info("email report generated",
		zap.Int64("schedule_id", schedule.ID),
		zap.String("report", schedule.Report),
		zap.Int("messages", len(messages)))
	return len(messages), nil
}

// SetMetrics attaches the counters. Optional; safe to skip in tests.
func (s *EmailService) SetMetrics(metrics emailMessageRecorder) {
	s.metrics = metrics
}

func (s *EmailService) generate(ctx context.Context, schedule models.EmailSchedule, slots []models.Slot, referenceDate time.Time) ([]reportMessage, error) {
	switch schedule.Report {
	case models.ReportUnassignedAdvisor:
		return s.unassignedAdvisor(ctx, slots, referenceDate)
	case models.ReportUnassignedAdmin:
		return s.unassignedAdmin(ctx, slots, referenceDate)
	case models.ReportAllSignups:
		return s.allSignups(ctx, slots, referenceDate)
	case models.ReportAdviseeSignups:
		return s.adviseeSignups(ctx, slots, referenceDate)
	case models.ReportAdvisorSignups:
		return s.advisorSignups(ctx, slots, referenceDate)
	case models.ReportFacilitatorSignups:
		return s.facilitatorSignups(ctx, slots, referenceDate)
	default:
		return nil, fmt.Errorf("unknown report %q", schedule.Report)
	}
}

// render produces the text body and, when a template with the same base name
// exists, the HTML body.
func (s *EmailService) render(msg reportMessage) (string, string, error) {
	var text bytes.Buffer
	if err := s.textTemplates.ExecuteTemplate(&text, msg.template+".txt.tmpl", msg.context); err != nil {
		return "", "", fmt.Errorf("render %s text: %w", msg.template, err)
	}

	htmlTemplate := s.htmlTemplates.Lookup(msg.template + ".html.tmpl")
	if htmlTemplate == nil {
		return text.String(), "", nil
	}
	var html bytes.Buffer
	if err := htmlTemplate.Execute(&html, msg.context); err != nil {
		return "", "", fmt.Errorf("render %s html: %w", msg.template, err)
	}
	return text.String(), html.String(), nil
}

// unassignedAdvisor produces one message per advisor who has any advisee
// without a signup in the window.
func (s *EmailService) unassignedAdvisor(ctx context.Context, slots []models.Slot, referenceDate time.Time) ([]reportMessage, error) {
	byAdvisor, advisors, err := s.advising.AdviseesByAdvisor(ctx, AdviseeFilter{AsOf: referenceDate})
	if err != nil {
		return nil, err
	}
	assigned, err := s.assignedCells(ctx, slots)
	if err != nil {
		return nil, err
	}

	deadline := earliestLockout(slots).Add(-time.Hour)

	var messages []reportMessage
	for _, advisorID := range sortedKeys(advisors) {
		advisor := advisors[advisorID]
		advisees := byAdvisor[advisorID]

		missing := make(map[int64][]models.Student)
		unassigned := make(map[int64]struct{})
		for _, slot := range slots {
			for _, student := range advisees {
				if _, ok := assigned[[2]int64{slot.ID, student.ID}]; ok {
					continue
				}
				missing[slot.ID] = append(missing[slot.ID], student)
				unassigned[student.ID] = struct{}{}
			}
		}
		if len(missing) == 0 {
			continue
		}

		cctx := UnassignedAdvisorContext{
			Advisor:  advisor,
			Deadline: deadline,
			Count:    len(unassigned),
			BaseURL:  s.baseURL,
		}
		for _, slot := range slots {
			students, ok := missing[slot.ID]
			if !ok {
				continue
			}
			cctx.Slots = append(cctx.Slots, SlotStudents{Slot: slot, Students: sortStudents(students)})
		}

		messages = append(messages, reportMessage{
			template: models.ReportUnassignedAdvisor,
			subject:  "You have unassigned advisees",
			context:  cctx,
			to:       []models.AddressPair{{Name: advisor.FullName(), Address: advisor.Email}},
		})
	}
	return messages, nil
}

// unassignedAdmin produces one message listing every (slot, advisor,
// unassigned advisees) triple. The message is produced even when nothing is
// missing.
func (s *EmailService) unassignedAdmin(ctx context.Context, slots []models.Slot, referenceDate time.Time) ([]reportMessage, error) {
	byAdvisor, advisors, err := s.advising.AdviseesByAdvisor(ctx, AdviseeFilter{AsOf: referenceDate})
	if err != nil {
		return nil, err
	}
	assigned, err := s.assignedCells(ctx, slots)
	if err != nil {
		return nil, err
	}

	unassigned := make(map[int64]struct{})
	cctx := UnassignedAdminContext{BaseURL: s.baseURL}

	advisorIDs := make([]int64, 0, len(advisors))
	for id := range advisors {
		advisorIDs = append(advisorIDs, id)
	}
	sort.Slice(advisorIDs, func(i, j int) bool {
		a, b := advisors[advisorIDs[i]], advisors[advisorIDs[j]]
		if a.FamilyName != b.FamilyName {
			return a.FamilyName < b.FamilyName
		}
		if a.GivenName != b.GivenName {
			return a.GivenName < b.GivenName
		}
		return a.ID < b.ID
	})

	for _, slot := range sortSlots(slots) {
		adminSlot := AdminSlot{Slot: slot}
		for _, advisorID := range advisorIDs {
			var missing []models.Student
			for _, student := range byAdvisor[advisorID] {
				if _, ok := assigned[[2]int64{slot.ID, student.ID}]; ok {
					continue
				}
				missing = append(missing, student)
				unassigned[student.ID] = struct{}{}
			}
			if len(missing) > 0 {
				adminSlot.Advisors = append(adminSlot.Advisors, AdvisorSection{
					Advisor:  advisors[advisorID],
					Students: sortStudents(missing),
				})
			}
		}
		cctx.Slots = append(cctx.Slots, adminSlot)
	}
	cctx.Count = len(unassigned)

	return []reportMessage{{
		template: models.ReportUnassignedAdmin,
		subject:  fmt.Sprintf("Unassigned advisee report: %d total", cctx.Count),
		context:  cctx,
	}}, nil
}

// allSignups produces one admin digest grouping signups by (slot, option).
// Options without signups appear with an empty roster.
func (s *EmailService) allSignups(ctx context.Context, slots []models.Slot, referenceDate time.Time) ([]reportMessage, error) {
	grid, students, err := s.adviseeGrid(ctx, slots, referenceDate)
	if err != nil {
		return nil, err
	}

	studentsByID := make(map[int64]models.Student, len(students))
	for _, student := range students {
		studentsByID[student.ID] = student
	}

	rosters := make(map[[2]int64][]models.Student)
	for _, signup := range grid.Signups {
		if student, ok := studentsByID[signup.StudentID]; ok {
			key := [2]int64{signup.SlotID, signup.OptionID}
			rosters[key] = append(rosters[key], student)
		}
	}

	cctx := AllSignupsContext{}
	for _, slot := range grid.Slots {
		signupSlot := SignupSlot{Slot: slot}
		options := append([]models.OptionDetail(nil), grid.OptionsBySlot[slot.ID]...)
		sortOptionsByTeacher(options)
		for _, option := range options {
			signupSlot.Options = append(signupSlot.Options, OptionRoster{
				Option:   option,
				Students: sortStudents(rosters[[2]int64{slot.ID, option.ID}]),
			})
		}
		cctx.Slots = append(cctx.Slots, signupSlot)
	}

	return []reportMessage{{
		template: models.ReportAllSignups,
		subject:  "Enrichment signups",
		context:  cctx,
	}}, nil
}

// adviseeSignups produces one personalized message per advisee.
func (s *EmailService) adviseeSignups(ctx context.Context, slots []models.Slot, referenceDate time.Time) ([]reportMessage, error) {
	grid, _, err := s.adviseeGrid(ctx, slots, referenceDate)
	if err != nil {
		return nil, err
	}

	subject := "Enrichment assignment for " + commaFormatList(slotDateLabels(slots))

	var messages []reportMessage
	for _, student := range grid.Students {
		cctx := AdviseeContext{Student: student, BaseURL: s.baseURL}
		for _, slot := range grid.Slots {
			assignment := SlotAssignment{Slot: slot}
			if cell := grid.Cell(slot.ID, student.ID); cell != nil {
				assignment.Option = cell.CurrentOption
			}
			cctx.Slots = append(cctx.Slots, assignment)
		}
		messages = append(messages, reportMessage{
			template: models.ReportAdviseeSignups,
			subject:  subject,
			context:  cctx,
			to:       []models.AddressPair{{Name: student.DisplayName(), Address: student.Email}},
		})
	}
	return messages, nil
}

// advisorSignups produces one message per advisor with a row per advisee
// per slot.
func (s *EmailService) advisorSignups(ctx context.Context, slots []models.Slot, referenceDate time.Time) ([]reportMessage, error) {
	byAdvisor, advisors, err := s.advising.AdviseesByAdvisor(ctx, AdviseeFilter{AsOf: referenceDate})
	if err != nil {
		return nil, err
	}

	grid, _, err := s.adviseeGrid(ctx, slots, referenceDate)
	if err != nil {
		return nil, err
	}

	subject := "Advisee enrichment assignment for " + commaFormatList(slotDateLabels(slots))

	var messages []reportMessage
	for _, advisorID := range sortedKeys(advisors) {
		advisor := advisors[advisorID]
		advisees := sortStudents(byAdvisor[advisorID])

		cctx := AdvisorContext{Advisor: advisor, BaseURL: s.baseURL}
		for _, slot := range grid.Slots {
			advisorSlot := AdvisorSlot{Slot: slot}
			for _, advisee := range advisees {
				row := AdviseeRow{Student: advisee}
				if cell := grid.Cell(slot.ID, advisee.ID); cell != nil {
					row.Option = cell.CurrentOption
					row.AdminLocked = cell.AdminLocked
				}
				advisorSlot.Rows = append(advisorSlot.Rows, row)
			}
			cctx.Slots = append(cctx.Slots, advisorSlot)
		}

		messages = append(messages, reportMessage{
			template: models.ReportAdvisorSignups,
			subject:  subject,
			context:  cctx,
			to:       []models.AddressPair{{Name: advisor.FullName(), Address: advisor.Email}},
		})
	}
	return messages, nil
}

// facilitatorSignups produces one message per teacher hosting an option in
// the window. Hosts receive a message even with zero students.
func (s *EmailService) facilitatorSignups(ctx context.Context, slots []models.Slot, referenceDate time.Time) ([]reportMessage, error) {
	grid, students, err := s.adviseeGrid(ctx, slots, referenceDate)
	if err != nil {
		return nil, err
	}

	studentsByID := make(map[int64]models.Student, len(students))
	for _, student := range students {
		studentsByID[student.ID] = student
	}

	type hostKey struct {
		slotID   int64
		optionID int64
	}
	type host struct {
		name  string
		email string
	}

	rosters := make(map[hostKey]*FacilitatorRoster)
	hosts := make(map[int64]host)
	rostersByTeacher := make(map[int64][]hostKey)

	for _, slot := range grid.Slots {
		for _, option := range grid.OptionsBySlot[slot.ID] {
			key := hostKey{slotID: slot.ID, optionID: option.ID}
			rosters[key] = &FacilitatorRoster{
				Slot:     slot,
				Option:   option,
				Location: option.LocationOn(slot.ID),
			}
			if _, ok := hosts[option.TeacherID]; !ok {
				hosts[option.TeacherID] = host{
					name:  option.TeacherGivenName + " " + option.TeacherFamilyName,
					email: option.TeacherEmail,
				}
			}
			rostersByTeacher[option.TeacherID] = append(rostersByTeacher[option.TeacherID], key)
		}
	}

	for _, signup := range grid.Signups {
		roster, ok := rosters[hostKey{slotID: signup.SlotID, optionID: signup.OptionID}]
		if !ok {
			continue
		}
		if student, ok := studentsByID[signup.StudentID]; ok {
			roster.Students = append(roster.Students, student)
		}
	}

	subject := "Students coming for enrichment on " + commaFormatList(slotDateLabels(slots))

	var messages []reportMessage
	for _, teacherID := range sortedKeys(hosts) {
		cctx := FacilitatorContext{TeacherName: hosts[teacherID].name, BaseURL: s.baseURL}
		for _, key := range rostersByTeacher[teacherID] {
			roster := rosters[key]
			cctx.Rosters = append(cctx.Rosters, FacilitatorRoster{
				Slot:     roster.Slot,
				Option:   roster.Option,
				Location: roster.Location,
				Students: sortStudents(roster.Students),
			})
		}
		messages = append(messages, reportMessage{
			template: models.ReportFacilitatorSignups,
			subject:  subject,
			context:  cctx,
			to:       []models.AddressPair{{Name: hosts[teacherID].name, Address: hosts[teacherID].email}},
		})
	}
	return messages, nil
}

// adviseeGrid builds the capability-free grid over every advisee for the
// window's slots.
func (s *EmailService) adviseeGrid(ctx context.Context, slots []models.Slot, referenceDate time.Time) (*Grid, []models.Student, error) {
	byAdvisor, _, err := s.advising.AdviseesByAdvisor(ctx, AdviseeFilter{AsOf: referenceDate})
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[int64]struct{})
	var students []models.Student
	for _, advisees := range byAdvisor {
		for _, student := range advisees {
			if _, ok := seen[student.ID]; ok {
				continue
			}
			seen[student.ID] = struct{}{}
			students = append(students, student)
		}
	}

	grid, err := s.grids.Build(ctx, models.Capabilities{}, slots, students)
	if err != nil {
		return nil, nil, err
	}
	return grid, students, nil
}

// assignedCells returns the set of (slot, student) cells holding a signup.
func (s *EmailService) assignedCells(ctx context.Context, slots []models.Slot) (map[[2]int64]struct{}, error) {
	slotIDs := make([]int64, len(slots))
	for i, slot := range slots {
		slotIDs[i] = slot.ID
	}
	signups, err := s.signups.ListBySlots(ctx, slotIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[[2]int64]struct{}, len(signups))
	for _, signup := range signups {
		out[[2]int64{signup.SlotID, signup.StudentID}] = struct{}{}
	}
	return out, nil
}

// mergeAddresses unions the per-message recipients with the schedule's
// default addresses, deduplicating by (field, name, address).
func mergeAddresses(to []models.AddressPair, defaults []models.RelatedAddress) []models.MessageAddress {
	seen := make(map[string]struct{})
	var out []models.MessageAddress

	add := func(field, name, address string) {
		key := field + "\x00" + name + "\x00" + address
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, models.MessageAddress{Field: field, Name: name, Address: address})
	}

	for _, pair := range to {
		add(models.FieldTo, pair.Name, pair.Address)
	}
	for _, def := range defaults {
		add(def.Field, def.Name, def.Address)
	}
	return out
}

// earliestLockout returns the minimum editable_until across the slots.
func earliestLockout(slots []models.Slot) time.Time {
	var min time.Time
	for _, slot := range slots {
		if min.IsZero() || slot.EditableUntil.Before(min) {
			min = slot.EditableUntil
		}
	}
	return min
}

// slotDateLabels returns the distinct slot dates in order, formatted for
// subject lines.
func slotDateLabels(slots []models.Slot) []string {
	seen := make(map[time.Time]struct{})
	var dates []time.Time
	for _, slot := range slots {
		d := normalizeDate(slot.Date)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	labels := make([]string, len(dates))
	for i, d := range dates {
		labels[i] = d.Format("Monday, January 02")
	}
	return labels
}

// commaFormatList joins elements with commas and a terminal "and".
func commaFormatList(elems []string) string {
	switch len(elems) {
	case 0:
		return ""
	case 1:
		return elems[0]
	case 2:
		return elems[0] + " and " + elems[1]
	default:
		return strings.Join(elems[:len(elems)-1], ", ") + ", and " + elems[len(elems)-1]
	}
}

// sortedKeys returns the map's keys in ascending order.
func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
