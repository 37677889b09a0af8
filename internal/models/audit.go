package models

import (
	"gorm.io/gorm"
)

// LeaseRecord is an audit row for one transcoder process lease. Rows are
// written when a lease is acquired and updated once on release. Old rows are
// trimmed by the daily audit job.
type LeaseRecord struct {
	BaseModel

	// ChannelID is the channel the process served.
	ChannelID ULID `gorm:"type:varchar(26);not null;index" json:"channel_id"`

	// ChannelNumber is denormalized for log correlation after channel edits.
	ChannelNumber int `gorm:"not null" json:"channel_number"`

	// PID is the OS process id.
	PID int `gorm:"not null" json:"pid"`

	// Command is a bounded summary of the spawned argv.
	Command string `gorm:"size:4096" json:"command"`

	// AcquiredAt is when the lease was granted.
	AcquiredAt Time `gorm:"not null" json:"acquired_at"`

	// ReleasedAt is when the lease was released. Nil while live.
	ReleasedAt *Time `json:"released_at,omitempty"`

	// ExitCode is the process exit code, when one was observed.
	ExitCode *int `json:"exit_code,omitempty"`

	// RevokeReason records why the pool took the lease back, if it did.
	RevokeReason string `gorm:"size:255" json:"revoke_reason,omitempty"`
}

// TableName returns the table name for LeaseRecord.
func (LeaseRecord) TableName() string {
	return "lease_records"
}

// MarkReleased closes the record. Safe to call once; callers guard repeats.
func (r *LeaseRecord) MarkReleased(at Time, exitCode *int, revokeReason string) {
	r.ReleasedAt = &at
	r.ExitCode = exitCode
	r.RevokeReason = revokeReason
}

// Validate performs basic validation on the lease record.
func (r *LeaseRecord) Validate() error {
	if r.ChannelID.IsZero() {
		return ErrChannelIDRequired
	}
	if r.PID <= 0 {
		return ErrPIDRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the record and generates ULID.
func (r *LeaseRecord) BeforeCreate(tx *gorm.DB) error {
	if err := r.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return r.Validate()
}

// SessionAudit summarizes one client session, written once when the session
// closes. Old rows are trimmed by the daily audit job.
type SessionAudit struct {
	BaseModel

	// SessionID is the UUID assigned at session open.
	SessionID string `gorm:"not null;size:36;index" json:"session_id"`

	// ChannelID is the channel the client watched.
	ChannelID ULID `gorm:"type:varchar(26);not null;index" json:"channel_id"`

	// ChannelNumber is denormalized for log correlation after channel edits.
	ChannelNumber int `gorm:"not null" json:"channel_number"`

	// ClientAddr is the remote address of the client connection.
	ClientAddr string `gorm:"size:255" json:"client_addr"`

	// UserAgent is the client's User-Agent header.
	UserAgent string `gorm:"size:512" json:"user_agent,omitempty"`

	// OpenedAt is when the session was created.
	OpenedAt Time `gorm:"not null" json:"opened_at"`

	// ClosedAt is when the session ended.
	ClosedAt Time `gorm:"not null" json:"closed_at"`

	// BytesSent is the total bytes delivered to the client.
	BytesSent int64 `gorm:"default:0" json:"bytes_sent"`

	// ErrorCount is the number of delivery errors recorded on the session.
	ErrorCount int `gorm:"default:0" json:"error_count"`

	// CloseReason records why the session ended.
	CloseReason string `gorm:"size:50" json:"close_reason"`
}

// TableName returns the table name for SessionAudit.
func (SessionAudit) TableName() string {
	return "session_audits"
}

// Validate performs basic validation on the session audit row.
func (s *SessionAudit) Validate() error {
	if s.SessionID == "" {
		return ErrSessionIDRequired
	}
	if s.ChannelID.IsZero() {
		return ErrChannelIDRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the row and generates ULID.
func (s *SessionAudit) BeforeCreate(tx *gorm.DB) error {
	if err := s.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return s.Validate()
}
