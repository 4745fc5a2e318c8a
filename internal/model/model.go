package model

import "time"

// Role travels inside access tokens and session rows.
type Role string

const (
	RoleTeacher Role = "ROLE_TEACHER"
	RoleAdmin   Role = "ROLE_ADMIN"
	RoleStudent Role = "ROLE_STUDENT"
)

// Teacher authenticates with email + password. Teachers are deactivated,
// never deleted.
type Teacher struct {
	ID           string
	Email        string
	PasswordHash string
	Admin        bool
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (t Teacher) Role() Role {
	if t.Admin {
		return RoleAdmin
	}
	return RoleTeacher
}

// Student authenticates through the passwordless email flow. The study
// number is the public identifier (one letter + five digits).
type Student struct {
	ID          string
	StudyNumber string
	Email       string
	FirstName   string
	LastName    string
	Active      bool
	CreatedAt   time.Time
}

// LoginToken is the short-lived emailed credential of the student login
// flow. Only the sha256 hash of the raw value is stored.
type LoginToken struct {
	ID         string
	StudentID  string
	TokenHash  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// Session tracks one opaque refresh token. The access token itself is
// stateless; RevokedAt only prevents further refreshes.
type Session struct {
	ID        string
	SubjectID string
	Role      Role
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
	UserAgent *string
	IPAddress *string
}

func (s Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}

type Course struct {
	ID        string
	Title     string
	Code      string
	CreatedAt time.Time
}

// AggregationPolicy collapses multiple grade submissions for one task into
// a single effective result.
type AggregationPolicy string

const (
	PolicyMin  AggregationPolicy = "min"
	PolicyMax  AggregationPolicy = "max"
	PolicyAvg  AggregationPolicy = "avg"
	PolicyLast AggregationPolicy = "last"
)

type Task struct {
	ID       string
	CourseID string
	Title    string
	MinGrade *float64
	Policy   AggregationPolicy
}

// Grade rows are append-only; re-submissions accumulate.
type Grade struct {
	ID        string
	TaskID    string
	StudentID string
	Value     float64
	GradedAt  time.Time
	Comment   *string
}

type Attendance struct {
	ID        string
	CourseID  string
	Title     string
	MinWeight *float64
	// PresentValueID is the value recorded on successful self-sign.
	PresentValueID string
}

type AttendanceValue struct {
	ID           string
	AttendanceID string
	Label        string
	Weight       float64
}

// AttendanceDay gates anonymous self-sign with a rotating key; a nil key
// means self-sign is disabled for the day.
type AttendanceDay struct {
	ID           string
	AttendanceID string
	Title        string
	SelfSignKey  *string
	KeyRotatedAt *time.Time
}

// AttendanceRecord holds at most one value per (student, day); self-sign
// re-submission overwrites in place.
type AttendanceRecord struct {
	ID              string
	AttendanceDayID string
	StudentID       string
	ValueID         string
	SignedAt        time.Time
	SubmittedIP     *string
}
