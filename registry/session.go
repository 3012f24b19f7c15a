// Package registry stores leader sessions: label, tempo, time signature,
// start time, permission flag and expiry.
package registry

import (
	"time"

	"github.com/pkg/errors"
)

// Typed failures surfaced to callers. Check with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("not allowed")
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrExpired is returned by Store.Save for a session already past its
	// expiry. The session is dropped, not stored.
	ErrExpired = errors.New("already expired")
)

// Session is a leader's published state. Times are epoch milliseconds on
// the server clock, which is the shared reference clock.
type Session struct {
	ID                   string  `json:"id"`
	Label                string  `json:"label"`
	BPM                  float64 `json:"bpm"`
	BeatsPerMeasure      int     `json:"beatsPerMeasure"`
	AllowChangesByOthers bool    `json:"allowChangesByOthers"`
	CreatedAt            int64   `json:"createdAt"`
	StartTime            int64   `json:"startTime"`
	UpdatedAt            int64   `json:"updatedAt,omitempty"`
	ExpiresAt            int64   `json:"expiresAt"`
}

// Zero is the reference instant of beat 0.
func (s Session) Zero() time.Time { return time.UnixMilli(s.StartTime) }

// Expired reports whether the session's TTL has run out at now.
func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt != 0 && s.ExpiresAt <= now.UnixMilli()
}

// CreateRequest is the body of POST /api/leaders.
type CreateRequest struct {
	Label                string  `json:"label,omitempty"`
	BPM                  float64 `json:"bpm,omitempty"`
	BeatsPerMeasure      int     `json:"beatsPerMeasure,omitempty"`
	AllowChangesByOthers bool    `json:"allowChangesByOthers,omitempty"`
	StartTime            *int64  `json:"startTime,omitempty"`
}

// UpdateRequest is the body of PUT /api/leaders. Nil fields are left alone.
type UpdateRequest struct {
	ID                   string   `json:"id"`
	BPM                  *float64 `json:"bpm,omitempty"`
	BeatsPerMeasure      *int     `json:"beatsPerMeasure,omitempty"`
	StartTime            *int64   `json:"startTime,omitempty"`
	AllowChangesByOthers *bool    `json:"allowChangesByOthers,omitempty"`
	Force                bool     `json:"force,omitempty"`
}
