package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func d(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func TestOptionDetailAvailableOn_WhitelistAndBlacklist(t *testing.T) {
	option := OptionDetail{
		Option:          Option{ID: 1, StartDate: d(2026, 1, 1)},
		OnlyAvailableOn: map[int64]struct{}{1: {}, 2: {}},
		NotAvailableOn:  map[int64]struct{}{2: {}},
	}

	s1 := Slot{ID: 1, Date: d(2026, 3, 1)}
	s2 := Slot{ID: 2, Date: d(2026, 3, 2)}
	s3 := Slot{ID: 3, Date: d(2026, 3, 3)}

	assert.True(t, option.AvailableOn(s1))
	assert.False(t, option.AvailableOn(s2), "blacklist wins over whitelist")
	assert.False(t, option.AvailableOn(s3), "whitelist excludes unlisted slots")
}

func TestOptionDetailAvailableOn_DateWindowInclusive(t *testing.T) {
	end := d(2026, 5, 1)
	option := OptionDetail{Option: Option{ID: 1, StartDate: d(2026, 2, 1), EndDate: &end}}

	assert.False(t, option.AvailableOn(Slot{ID: 1, Date: d(2026, 1, 31)}))
	assert.True(t, option.AvailableOn(Slot{ID: 1, Date: d(2026, 2, 1)}))
	assert.True(t, option.AvailableOn(Slot{ID: 1, Date: d(2026, 5, 1)}))
	assert.False(t, option.AvailableOn(Slot{ID: 1, Date: d(2026, 5, 2)}))
}

func TestOptionDetailLocationOn(t *testing.T) {
	option := OptionDetail{
		Option:            Option{ID: 1, Location: "Gym"},
		LocationOverrides: map[int64]string{7: "Library"},
	}

	assert.Equal(t, "Library", option.LocationOn(7))
	assert.Equal(t, "Gym", option.LocationOn(8))
}

func TestStudentDisplayName(t *testing.T) {
	assert.Equal(t, "Sam Stone", Student{GivenName: "Samuel", Nickname: "Sam", FamilyName: "Stone"}.DisplayName())
	assert.Equal(t, "Samuel Stone", Student{GivenName: "Samuel", FamilyName: "Stone"}.DisplayName())
}

func TestEnrollmentCoversInclusiveEndpoints(t *testing.T) {
	e := StudentEnrollment{BeginDate: d(2026, 1, 1), EndDate: d(2026, 3, 1)}

	assert.True(t, e.Covers(d(2026, 1, 1)))
	assert.True(t, e.Covers(d(2026, 3, 1)))
	assert.False(t, e.Covers(d(2025, 12, 31)))
	assert.False(t, e.Covers(d(2026, 3, 2)))
}
