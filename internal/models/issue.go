package models

import (
	"strings"
	"time"
)

// Urgency represents how urgent a reported bug is. The zero value means unset.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Title returns the urgency with its first letter capitalized.
func (u Urgency) Title() string {
	if u == "" {
		return "Unset"
	}
	s := string(u)
	return strings.ToUpper(s[:1]) + s[1:]
}

// DefaultDateLayout renders like "2026-10-17 3:04 PM +0000".
const DefaultDateLayout = "2006-01-02 3:04 PM -0700"

// Comment is a single immutable comment on an issue.
type Comment struct {
	Author UserRef   `json:"author"`
	Date   time.Time `json:"date"`
	Body   string    `json:"body"`
}

// Issue is a tracked bug report.
// Open only ever transitions from true to false and Comments are append-only.
type Issue struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Urgency     Urgency   `json:"urgency"`
	Open        bool      `json:"open"`
	DateOpened  time.Time `json:"date_opened"`
	Comments    []Comment `json:"comments"`
	Subscribers []UserRef `json:"subscribed_users"`
	ReportedBy  UserRef   `json:"reported_by"`
}

// Clone returns a deep copy that shares no slices with the receiver.
func (i *Issue) Clone() *Issue {
	if i == nil {
		return nil
	}
	c := *i
	c.Comments = append([]Comment(nil), i.Comments...)
	c.Subscribers = append([]UserRef(nil), i.Subscribers...)
	if c.Comments == nil {
		c.Comments = []Comment{}
	}
	if c.Subscribers == nil {
		c.Subscribers = []UserRef{}
	}
	return &c
}

// SubscriberIndex returns the position of u in the subscriber list, or -1.
func (i *Issue) SubscriberIndex(u UserRef) int {
	for idx, s := range i.Subscribers {
		if SameIdentity(s, u) {
			return idx
		}
	}
	return -1
}

// Status returns "Open" or "Closed".
func (i *Issue) Status() string {
	if i.Open {
		return "Open"
	}
	return "Closed"
}
