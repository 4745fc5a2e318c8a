// Package selfsign lets students record their own attendance through a
// per-day rotating key. Submit is reachable without a session, so every
// check is self-contained and failures are symbolic kinds only.
package selfsign

import (
	"context"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/Engin1980/eng-task-grading-sub001/internal/apperr"
	"github.com/Engin1980/eng-task-grading-sub001/internal/crypto"
	"github.com/Engin1980/eng-task-grading-sub001/internal/model"
)

var studyNumberRe = regexp.MustCompile(`^[A-Za-z]\d{5}$`)

func ValidStudyNumber(studyNumber string) bool {
	return studyNumberRe.MatchString(studyNumber)
}

type Store interface {
	GetAttendanceDayByID(ctx context.Context, id string) (model.AttendanceDay, error)
	GetAttendanceByID(ctx context.Context, id string) (model.Attendance, error)
	SetAttendanceDayKey(ctx context.Context, dayID string, key *string, rotatedAt time.Time) error
	GetStudentByStudyNumber(ctx context.Context, studyNumber string) (model.Student, error)
	IsStudentEnrolled(ctx context.Context, courseID, studentID string) (bool, error)
	UpsertAttendanceRecord(ctx context.Context, record model.AttendanceRecord) error
}

type Engine struct {
	store Store

	Now func() time.Time
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store, Now: time.Now}
}

// SetKey overwrites the day's self-sign key; nil disables self-sign.
// Links and QR codes distributed under the previous key stop working the
// moment the rotation timestamp is written.
func (e *Engine) SetKey(ctx context.Context, dayID string, key *string) (model.AttendanceDay, error) {
	day, err := e.store.GetAttendanceDayByID(ctx, dayID)
	if err != nil {
		return model.AttendanceDay{}, err
	}
	now := e.Now().UTC()
	if err := e.store.SetAttendanceDayKey(ctx, day.ID, key, now); err != nil {
		return model.AttendanceDay{}, err
	}
	day.SelfSignKey = key
	day.KeyRotatedAt = &now
	return day, nil
}

// GenerateKey rotates the day to a fresh URL-safe random key.
func (e *Engine) GenerateKey(ctx context.Context, dayID string) (model.AttendanceDay, error) {
	key, err := crypto.NewSelfSignKey()
	if err != nil {
		return model.AttendanceDay{}, err
	}
	return e.SetKey(ctx, dayID, &key)
}

// Submit validates an anonymous (key, study number) pair and upserts the
// day's record to the attendance's present value. Idempotent per
// (student, day): a re-submission with a valid key overwrites in place.
func (e *Engine) Submit(ctx context.Context, dayID, studyNumber, presentedKey, ip string) (model.AttendanceRecord, error) {
	day, err := e.store.GetAttendanceDayByID(ctx, dayID)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	if day.SelfSignKey == nil || !crypto.KeysEqual(*day.SelfSignKey, presentedKey) {
		return model.AttendanceRecord{}, apperr.ErrInvalidSelfSignKey
	}

	if !ValidStudyNumber(studyNumber) {
		return model.AttendanceRecord{}, apperr.NotFound("student", studyNumber)
	}
	student, err := e.store.GetStudentByStudyNumber(ctx, studyNumber)
	if err != nil {
		return model.AttendanceRecord{}, err
	}

	attendance, err := e.store.GetAttendanceByID(ctx, day.AttendanceID)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	enrolled, err := e.store.IsStudentEnrolled(ctx, attendance.CourseID, student.ID)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	if !enrolled {
		return model.AttendanceRecord{}, apperr.ErrStudentNotInCourse
	}

	now := e.Now().UTC()
	record := model.AttendanceRecord{
		ID:              uuid.NewString(),
		AttendanceDayID: day.ID,
		StudentID:       student.ID,
		ValueID:         attendance.PresentValueID,
		SignedAt:        now,
	}
	if ip != "" {
		record.SubmittedIP = &ip
	}
	if err := e.store.UpsertAttendanceRecord(ctx, record); err != nil {
		return model.AttendanceRecord{}, err
	}

	// Audit trail for the anonymous endpoint.
	log.Printf("selfsign: day=%s student=%s ip=%s", day.ID, student.StudyNumber, ip)

	return record, nil
}
