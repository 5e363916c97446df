package models

import (
	"fmt"
	"time"
)

// Report shapes the generator knows how to produce.
const (
	ReportUnassignedAdvisor  = "unassigned_advisor"
	ReportUnassignedAdmin    = "unassigned_admin"
	ReportAdvisorSignups     = "advisor_signups"
	ReportAdviseeSignups     = "advisee_signups"
	ReportFacilitatorSignups = "facilitator_signups"
	ReportAllSignups         = "all_signups"
)

// ReportNames lists every recognized report shape.
var ReportNames = []string{
	ReportUnassignedAdvisor,
	ReportUnassignedAdmin,
	ReportAdvisorSignups,
	ReportAdviseeSignups,
	ReportFacilitatorSignups,
	ReportAllSignups,
}

// Recipient fields on outgoing messages and on config default addresses.
const (
	FieldTo      = "to"
	FieldCc      = "cc"
	FieldBcc     = "bcc"
	FieldReplyTo = "reply-to"
)

// EmailSchedule is one scheduled report: which shape, the slot window as
// signed day offsets from the reference date, the envelope sender, and a
// weekly send schedule evaluated in the config's timezone.
type EmailSchedule struct {
	ID          int64  `db:"id" json:"id"`
	Report      string `db:"report" json:"report" validate:"required,oneof=unassigned_advisor unassigned_admin advisor_signups advisee_signups facilitator_signups all_signups"`
	FromName    string `db:"from_name" json:"from_name" validate:"required"`
	FromAddress string `db:"from_address" json:"from_address" validate:"required,email"`
	Enabled     bool   `db:"enabled" json:"enabled"`

	Start int `db:"start_offset" json:"start"`
	End   int `db:"end_offset" json:"end"`

	Timezone string `db:"timezone" json:"timezone"`
	SendTime string `db:"send_time" json:"time" validate:"required"`

	Monday    bool `db:"monday" json:"monday"`
	Tuesday   bool `db:"tuesday" json:"tuesday"`
	Wednesday bool `db:"wednesday" json:"wednesday"`
	Thursday  bool `db:"thursday" json:"thursday"`
	Friday    bool `db:"friday" json:"friday"`
	Saturday  bool `db:"saturday" json:"saturday"`
	Sunday    bool `db:"sunday" json:"sunday"`

	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	LastSent        *time.Time `db:"last_sent" json:"last_sent,omitempty"`
	LastSendAttempt *time.Time `db:"last_send_attempt" json:"last_send_attempt,omitempty"`
}

// WeekdayFlags returns the per-weekday booleans starting with Monday.
func (c EmailSchedule) WeekdayFlags() [7]bool {
	return [7]bool{c.Monday, c.Tuesday, c.Wednesday, c.Thursday, c.Friday, c.Saturday, c.Sunday}
}

// WeekdayLabels returns the enabled weekday names starting with Monday.
func (c EmailSchedule) WeekdayLabels() []string {
	names := [7]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}
	flags := c.WeekdayFlags()
	var out []string
	for i, name := range names {
		if flags[i] {
			out = append(out, name)
		}
	}
	return out
}

// ParseSendTime parses the HH:MM:SS (or HH:MM) send time.
func (c EmailSchedule) ParseSendTime() (hour, minute, sec int, err error) {
	if _, e := fmt.Sscanf(c.SendTime, "%d:%d:%d", &hour, &minute, &sec); e == nil {
		return hour, minute, sec, nil
	}
	sec = 0
	if _, e := fmt.Sscanf(c.SendTime, "%d:%d", &hour, &minute); e == nil {
		return hour, minute, 0, nil
	}
	return 0, 0, 0, fmt.Errorf("parse send time %q", c.SendTime)
}

// NextRun computes the next send instant strictly after the effective last
// send (last_sent, falling back to created_at), walking forward one day at a
// time in the schedule's timezone until an enabled weekday is hit. Returns
// the zero time when the schedule is disabled, has no enabled weekday, or
// carries an unparseable send time. Weekday boundaries are evaluated in the
// organization timezone carried on the row.
func (c EmailSchedule) NextRun(loc *time.Location) time.Time {
	if !c.Enabled {
		return time.Time{}
	}
	flags := c.WeekdayFlags()
	any := false
	for _, f := range flags {
		any = any || f
	}
	if !any {
		return time.Time{}
	}

	hour, minute, sec, err := c.ParseSendTime()
	if err != nil {
		return time.Time{}
	}

	effectiveLastSent := c.CreatedAt
	if c.LastSent != nil {
		effectiveLastSent = *c.LastSent
	}

	base := effectiveLastSent.In(loc)
	dt := time.Date(base.Year(), base.Month(), base.Day(), hour, minute, sec, 0, loc)

	for i := 0; i < 366; i++ {
		if dt.After(effectiveLastSent) {
			// time.Weekday has Sunday == 0; the flags start with Monday.
			idx := (int(dt.Weekday()) + 6) % 7
			if flags[idx] {
				return dt
			}
		}
		dt = dt.AddDate(0, 0, 1)
	}
	return time.Time{}
}

// RelatedAddress is a default recipient merged into every message produced
// by its schedule.
type RelatedAddress struct {
	ID         int64  `db:"id" json:"id"`
	ScheduleID int64  `db:"schedule_id" json:"schedule_id"`
	Name       string `db:"name" json:"name"`
	Address    string `db:"address" json:"address" validate:"required,email"`
	Field      string `db:"field" json:"field" validate:"required,oneof=to cc bcc reply-to"`
}

// AddressPair is a recipient name/address pair prior to persistence.
type AddressPair struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// OutgoingMessage is a fully materialized message handed to the stored-mail
// outbox. The engine writes these rows; it never sends.
type OutgoingMessage struct {
	ID           int64     `db:"id" json:"id"`
	UniqueID     string    `db:"unique_id" json:"unique_id"`
	FromName     string    `db:"from_name" json:"from_name"`
	FromAddress  string    `db:"from_address" json:"from_address"`
	Subject      string    `db:"subject" json:"subject"`
	Text         string    `db:"text" json:"text"`
	HTML         string    `db:"html" json:"html"`
	DiscardAfter time.Time `db:"discard_after" json:"discard_after"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// MessageAddress is one recipient row attached to an outgoing message.
type MessageAddress struct {
	ID        int64  `db:"id" json:"id"`
	MessageID int64  `db:"message_id" json:"message_id"`
	Name      string `db:"name" json:"name"`
	Address   string `db:"address" json:"address"`
	Field     string `db:"field" json:"field"`
}
