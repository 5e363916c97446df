package service

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rectory-school/enrichment-api/internal/models"
)

type outboxEntry struct {
	message   models.OutgoingMessage
	addresses []models.MessageAddress
}

type fakeEmailStore struct {
	slots     []models.Slot
	signups   []models.Signup
	byAdvisor map[int64][]models.Student
	advisors  map[int64]models.Teacher
	defaults  []models.RelatedAddress

	created []outboxEntry
}

func (f *fakeEmailStore) ListByDateRange(context.Context, time.Time, time.Time) ([]models.Slot, error) {
	return f.slots, nil
}

func (f *fakeEmailStore) ListBySlots(context.Context, []int64) ([]models.Signup, error) {
	return f.signups, nil
}

func (f *fakeEmailStore) AdviseesByAdvisor(context.Context, AdviseeFilter) (map[int64][]models.Student, map[int64]models.Teacher, error) {
	return f.byAdvisor, f.advisors, nil
}

func (f *fakeEmailStore) DefaultAddresses(context.Context, int64) ([]models.RelatedAddress, error) {
	return f.defaults, nil
}

func (f *fakeEmailStore) Create(_ context.Context, _ *sqlx.Tx, message *models.OutgoingMessage, addresses []models.MessageAddress) error {
	f.created = append(f.created, outboxEntry{message: *message, addresses: addresses})
	return nil
}

func emailFixture(t *testing.T, store *fakeEmailStore, options []models.OptionDetail) *EmailService {
	t.Helper()
	readers := &fakeGridReaders{signups: store.signups, options: options}
	grids := NewGridService(readers, readers, readers, nil)

	svc, err := NewEmailService(store, store, grids, store, store, store, "https://enrichment.example.org", 24*time.Hour, nil)
	require.NoError(t, err)
	return svc
}

func TestRunSchedule_UnassignedAdvisor(t *testing.T) {
	lockout := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	advisor := models.Teacher{ID: 20, GivenName: "Ann", FamilyName: "Archer", Email: "archer@example.org"}
	advisee := models.Student{ID: 10, GivenName: "Sam", FamilyName: "Stone", Email: "stone@example.org"}

	store := &fakeEmailStore{
		slots:     []models.Slot{{ID: 1, Date: day(2026, 3, 2), EditableUntil: lockout}},
		byAdvisor: map[int64][]models.Student{20: {advisee}},
		advisors:  map[int64]models.Teacher{20: advisor},
	}
	svc := emailFixture(t, store, nil)

	schedule := models.EmailSchedule{
		ID:          7,
		Report:      models.ReportUnassignedAdvisor,
		FromName:    "Enrichment",
		FromAddress: "noreply@example.org",
	}
	count, err := svc.RunSchedule(context.Background(), nil, schedule, day(2026, 3, 2))
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Len(t, store.created, 1)

	msg := store.created[0]
	assert.Equal(t, "You have unassigned advisees", msg.message.Subject)
	assert.Equal(t, "noreply@example.org", msg.message.FromAddress)
	assert.Contains(t, msg.message.Text, "Sam Stone")
	assert.Contains(t, msg.message.Text, "1 of your advisees")
	// Deadline is one hour before the earliest lockout.
	assert.Contains(t, msg.message.Text, lockout.Add(-time.Hour).Format("Monday, January 02 at 3:04 PM"))

	require.Len(t, msg.addresses, 1)
	assert.Equal(t, models.FieldTo, msg.addresses[0].Field)
	assert.Equal(t, "archer@example.org", msg.addresses[0].Address)
}

func TestRunSchedule_UnassignedAdvisorSkipsFullyAssigned(t *testing.T) {
	advisor := models.Teacher{ID: 20, Email: "archer@example.org"}
	advisee := models.Student{ID: 10, GivenName: "Sam", FamilyName: "Stone"}

	store := &fakeEmailStore{
		slots:     []models.Slot{{ID: 1, Date: day(2026, 3, 2)}},
		signups:   []models.Signup{{ID: 1, SlotID: 1, StudentID: 10, OptionID: 100}},
		byAdvisor: map[int64][]models.Student{20: {advisee}},
		advisors:  map[int64]models.Teacher{20: advisor},
	}
	svc := emailFixture(t, store, []models.OptionDetail{testOption(100, 30, "Hope", false)})

	count, err := svc.RunSchedule(context.Background(), nil, models.EmailSchedule{Report: models.ReportUnassignedAdvisor}, day(2026, 3, 2))
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, store.created)
}

func TestRunSchedule_FacilitatorWithZeroSignups(t *testing.T) {
	host := testOption(100, 30, "Hope", false)
	host.Description = "Chess club"
	host.TeacherEmail = "hope@example.org"
	host.Location = "Room 4"

	advisee := models.Student{ID: 10, GivenName: "Sam", FamilyName: "Stone"}
	store := &fakeEmailStore{
		slots:     []models.Slot{{ID: 1, Date: day(2026, 3, 2)}},
		byAdvisor: map[int64][]models.Student{20: {advisee}},
		advisors:  map[int64]models.Teacher{20: {ID: 20}},
	}
	svc := emailFixture(t, store, []models.OptionDetail{host})

	count, err := svc.RunSchedule(context.Background(), nil, models.EmailSchedule{Report: models.ReportFacilitatorSignups}, day(2026, 3, 2))
	require.NoError(t, err)
	require.Equal(t, 1, count)

	msg := store.created[0]
	assert.Equal(t, "Students coming for enrichment on Monday, March 02", msg.message.Subject)
	assert.Contains(t, msg.message.Text, "Chess club")
	assert.Contains(t, msg.message.Text, "Room 4")
	assert.Contains(t, msg.message.Text, "(no students yet)")
	require.Len(t, msg.addresses, 1)
	assert.Equal(t, "hope@example.org", msg.addresses[0].Address)
}

func TestRunSchedule_MergesDefaultAddresses(t *testing.T) {
	advisor := models.Teacher{ID: 20, GivenName: "Ann", FamilyName: "Archer", Email: "archer@example.org"}
	advisee := models.Student{ID: 10, GivenName: "Sam", FamilyName: "Stone"}

	store := &fakeEmailStore{
		slots:     []models.Slot{{ID: 1, Date: day(2026, 3, 2)}},
		byAdvisor: map[int64][]models.Student{20: {advisee}},
		advisors:  map[int64]models.Teacher{20: advisor},
		defaults: []models.RelatedAddress{
			{Field: models.FieldBcc, Name: "Archive", Address: "archive@example.org"},
			{Field: models.FieldTo, Name: "Ann Archer", Address: "archer@example.org"},
		},
	}
	svc := emailFixture(t, store, nil)

	_, err := svc.RunSchedule(context.Background(), nil, models.EmailSchedule{Report: models.ReportUnassignedAdvisor}, day(2026, 3, 2))
	require.NoError(t, err)
	require.Len(t, store.created, 1)

	// The default "to" duplicates the advisor and is dropped; the bcc stays.
	addresses := store.created[0].addresses
	require.Len(t, addresses, 2)
	assert.Equal(t, models.FieldTo, addresses[0].Field)
	assert.Equal(t, models.FieldBcc, addresses[1].Field)
}

func TestRunSchedule_UnknownReport(t *testing.T) {
	svc := emailFixture(t, &fakeEmailStore{}, nil)

	_, err := svc.RunSchedule(context.Background(), nil, models.EmailSchedule{Report: "weekly_lunch_menu"}, day(2026, 3, 2))
	assert.Error(t, err)
}

func TestCommaFormatList(t *testing.T) {
	assert.Equal(t, "", commaFormatList(nil))
	assert.Equal(t, "Monday", commaFormatList([]string{"Monday"}))
	assert.Equal(t, "Monday and Tuesday", commaFormatList([]string{"Monday", "Tuesday"}))
	assert.Equal(t, "Monday, Tuesday, and Friday", commaFormatList([]string{"Monday", "Tuesday", "Friday"}))
}

func TestMergeAddresses(t *testing.T) {
	out := mergeAddresses(
		[]models.AddressPair{{Name: "Ann", Address: "ann@example.org"}},
		[]models.RelatedAddress{
			{Field: models.FieldTo, Name: "Ann", Address: "ann@example.org"},
			{Field: models.FieldCc, Name: "Ann", Address: "ann@example.org"},
		},
	)
	require.Len(t, out, 2)
	assert.Equal(t, models.FieldTo, out[0].Field)
	assert.Equal(t, models.FieldCc, out[1].Field)
}
