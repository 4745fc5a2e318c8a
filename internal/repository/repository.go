// Package repository is the pgx-backed store. Lookup misses and unique
// violations are translated into the shared error kinds here so the
// services above never see driver errors.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Engin1980/eng-task-grading-sub001/internal/apperr"
	"github.com/Engin1980/eng-task-grading-sub001/internal/model"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Teachers

func (s *Store) CreateTeacher(ctx context.Context, teacher model.Teacher) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO teachers (id, email, password_hash, is_admin, active, created_at, updated_at)
		VALUES ($1, lower($2), $3, $4, $5, $6, $7)
	`, teacher.ID, teacher.Email, teacher.PasswordHash, teacher.Admin, teacher.Active, teacher.CreatedAt, teacher.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.Duplicate("teacher", teacher.Email)
	}
	return err
}

func (s *Store) GetTeacherByEmail(ctx context.Context, email string) (model.Teacher, error) {
	var teacher model.Teacher
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, is_admin, active, created_at, updated_at
		FROM teachers
		WHERE email = lower($1)
	`, email)
	err := row.Scan(
		&teacher.ID,
		&teacher.Email,
		&teacher.PasswordHash,
		&teacher.Admin,
		&teacher.Active,
		&teacher.CreatedAt,
		&teacher.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Teacher{}, apperr.NotFound("teacher", email)
	}
	return teacher, err
}

func (s *Store) GetTeacherByID(ctx context.Context, id string) (model.Teacher, error) {
	var teacher model.Teacher
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, is_admin, active, created_at, updated_at
		FROM teachers
		WHERE id = $1
	`, id)
	err := row.Scan(
		&teacher.ID,
		&teacher.Email,
		&teacher.PasswordHash,
		&teacher.Admin,
		&teacher.Active,
		&teacher.CreatedAt,
		&teacher.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Teacher{}, apperr.NotFound("teacher", id)
	}
	return teacher, err
}

// Students

func (s *Store) CreateStudent(ctx context.Context, student model.Student) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO students (id, study_number, email, first_name, last_name, active, created_at)
		VALUES ($1, upper($2), $3, $4, $5, $6, $7)
	`, student.ID, student.StudyNumber, student.Email, student.FirstName, student.LastName, student.Active, student.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.Duplicate("student", student.StudyNumber)
	}
	return err
}

func (s *Store) GetStudentByStudyNumber(ctx context.Context, studyNumber string) (model.Student, error) {
	var student model.Student
	row := s.pool.QueryRow(ctx, `
		SELECT id, study_number, email, first_name, last_name, active, created_at
		FROM students
		WHERE study_number = upper($1)
	`, studyNumber)
	err := row.Scan(
		&student.ID,
		&student.StudyNumber,
		&student.Email,
		&student.FirstName,
		&student.LastName,
		&student.Active,
		&student.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Student{}, apperr.NotFound("student", studyNumber)
	}
	return student, err
}

func (s *Store) GetStudentByID(ctx context.Context, id string) (model.Student, error) {
	var student model.Student
	row := s.pool.QueryRow(ctx, `
		SELECT id, study_number, email, first_name, last_name, active, created_at
		FROM students
		WHERE id = $1
	`, id)
	err := row.Scan(
		&student.ID,
		&student.StudyNumber,
		&student.Email,
		&student.FirstName,
		&student.LastName,
		&student.Active,
		&student.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Student{}, apperr.NotFound("student", id)
	}
	return student, err
}

// SubjectActive reports whether the token subject may still authenticate.
func (s *Store) SubjectActive(ctx context.Context, subjectID string, role model.Role) (bool, error) {
	var active bool
	var err error
	switch role {
	case model.RoleStudent:
		err = s.pool.QueryRow(ctx, `SELECT active FROM students WHERE id = $1`, subjectID).Scan(&active)
	default:
		err = s.pool.QueryRow(ctx, `SELECT active FROM teachers WHERE id = $1`, subjectID).Scan(&active)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return active, err
}

// Courses and enrollment

func (s *Store) CreateCourse(ctx context.Context, course model.Course) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO courses (id, title, code, created_at)
		VALUES ($1, $2, $3, $4)
	`, course.ID, course.Title, course.Code, course.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.Duplicate("course", course.Code)
	}
	return err
}

func (s *Store) GetCourseByID(ctx context.Context, id string) (model.Course, error) {
	var course model.Course
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, code, created_at
		FROM courses
		WHERE id = $1
	`, id)
	err := row.Scan(&course.ID, &course.Title, &course.Code, &course.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Course{}, apperr.NotFound("course", id)
	}
	return course, err
}

func (s *Store) EnrollStudent(ctx context.Context, courseID, studentID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO course_students (course_id, student_id)
		VALUES ($1, $2)
		ON CONFLICT (course_id, student_id) DO NOTHING
	`, courseID, studentID)
	return err
}

func (s *Store) IsStudentEnrolled(ctx context.Context, courseID, studentID string) (bool, error) {
	var enrolled bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM course_students WHERE course_id = $1 AND student_id = $2)
	`, courseID, studentID).Scan(&enrolled)
	return enrolled, err
}

func (s *Store) ListCourseStudents(ctx context.Context, courseID string) ([]model.Student, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.study_number, s.email, s.first_name, s.last_name, s.active, s.created_at
		FROM students s
		JOIN course_students cs ON cs.student_id = s.id
		WHERE cs.course_id = $1
		ORDER BY s.study_number
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []model.Student
	for rows.Next() {
		var student model.Student
		if err := rows.Scan(
			&student.ID,
			&student.StudyNumber,
			&student.Email,
			&student.FirstName,
			&student.LastName,
			&student.Active,
			&student.CreatedAt,
		); err != nil {
			return nil, err
		}
		students = append(students, student)
	}
	return students, rows.Err()
}

// Login tokens

func (s *Store) InvalidateLoginTokens(ctx context.Context, studentID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE login_tokens
		SET consumed_at = $1
		WHERE student_id = $2 AND consumed_at IS NULL
	`, now, studentID)
	return err
}

func (s *Store) CreateLoginToken(ctx context.Context, token model.LoginToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO login_tokens (id, student_id, token_hash, issued_at, expires_at, consumed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, token.ID, token.StudentID, token.TokenHash, token.IssuedAt, token.ExpiresAt, token.ConsumedAt)
	return err
}

// ConsumeLoginToken marks the matching unconsumed token consumed in one
// conditional update; concurrent redemption of the same token yields at
// most one winner. Expiry is checked on the returned row so an expired
// token reports Expired, not NotFound.
func (s *Store) ConsumeLoginToken(ctx context.Context, tokenHash string, now time.Time) (model.LoginToken, error) {
	var token model.LoginToken
	row := s.pool.QueryRow(ctx, `
		UPDATE login_tokens
		SET consumed_at = $1
		WHERE token_hash = $2 AND consumed_at IS NULL
		RETURNING id, student_id, token_hash, issued_at, expires_at, consumed_at
	`, now, tokenHash)
	err := row.Scan(&token.ID, &token.StudentID, &token.TokenHash, &token.IssuedAt, &token.ExpiresAt, &token.ConsumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LoginToken{}, apperr.InvalidToken(apperr.TokenNotFound)
	}
	if err != nil {
		return model.LoginToken{}, err
	}
	if !token.ExpiresAt.After(now) {
		return model.LoginToken{}, apperr.InvalidToken(apperr.TokenExpired)
	}
	return token, nil
}

func (s *Store) DeleteExpiredLoginTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM login_tokens
		WHERE expires_at < $1 OR consumed_at IS NOT NULL
	`, now)
	return tag.RowsAffected(), err
}

// Sessions

func (s *Store) CreateSession(ctx context.Context, session model.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, subject_id, role, token_hash, created_at, expires_at, revoked_at, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, session.ID, session.SubjectID, session.Role, session.TokenHash, session.CreatedAt, session.ExpiresAt, session.RevokedAt, session.UserAgent, session.IPAddress)
	return err
}

// ConsumeSession revokes the presented refresh token in one conditional
// update. Exactly one of two concurrent redemptions gets the row back;
// the other sees TokenNotFound.
func (s *Store) ConsumeSession(ctx context.Context, tokenHash string, now time.Time) (model.Session, error) {
	var session model.Session
	row := s.pool.QueryRow(ctx, `
		UPDATE sessions
		SET revoked_at = $1
		WHERE token_hash = $2 AND revoked_at IS NULL
		RETURNING id, subject_id, role, token_hash, created_at, expires_at, revoked_at, user_agent, ip_address
	`, now, tokenHash)
	err := row.Scan(
		&session.ID,
		&session.SubjectID,
		&session.Role,
		&session.TokenHash,
		&session.CreatedAt,
		&session.ExpiresAt,
		&session.RevokedAt,
		&session.UserAgent,
		&session.IPAddress,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, apperr.InvalidToken(apperr.TokenNotFound)
	}
	if err != nil {
		return model.Session{}, err
	}
	if !session.ExpiresAt.After(now) {
		return model.Session{}, apperr.InvalidToken(apperr.TokenExpired)
	}
	return session, nil
}

func (s *Store) RevokeSessionsBySubject(ctx context.Context, subjectID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET revoked_at = $1
		WHERE subject_id = $2 AND revoked_at IS NULL
	`, now, subjectID)
	return err
}

func (s *Store) ListActiveSessions(ctx context.Context, subjectID string, now time.Time) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subject_id, role, token_hash, created_at, expires_at, revoked_at, user_agent, ip_address
		FROM sessions
		WHERE subject_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY created_at DESC
	`, subjectID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var session model.Session
		if err := rows.Scan(
			&session.ID,
			&session.SubjectID,
			&session.Role,
			&session.TokenHash,
			&session.CreatedAt,
			&session.ExpiresAt,
			&session.RevokedAt,
			&session.UserAgent,
			&session.IPAddress,
		); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sessions
		WHERE expires_at < $1
	`, now)
	return tag.RowsAffected(), err
}

// Tasks and grades

func (s *Store) CreateTask(ctx context.Context, task model.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, course_id, title, min_grade, policy)
		VALUES ($1, $2, $3, $4, $5)
	`, task.ID, task.CourseID, task.Title, task.MinGrade, task.Policy)
	return err
}

func (s *Store) GetTaskByID(ctx context.Context, id string) (model.Task, error) {
	var task model.Task
	row := s.pool.QueryRow(ctx, `
		SELECT id, course_id, title, min_grade, policy
		FROM tasks
		WHERE id = $1
	`, id)
	err := row.Scan(&task.ID, &task.CourseID, &task.Title, &task.MinGrade, &task.Policy)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, apperr.NotFound("task", id)
	}
	return task, err
}

func (s *Store) ListCourseTasks(ctx context.Context, courseID string) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, course_id, title, min_grade, policy
		FROM tasks
		WHERE course_id = $1
		ORDER BY title
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var task model.Task
		if err := rows.Scan(&task.ID, &task.CourseID, &task.Title, &task.MinGrade, &task.Policy); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *Store) CreateGrade(ctx context.Context, grade model.Grade) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO grades (id, task_id, student_id, value, graded_at, comment)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, grade.ID, grade.TaskID, grade.StudentID, grade.Value, grade.GradedAt, grade.Comment)
	return err
}

func (s *Store) ListCourseGrades(ctx context.Context, courseID string) ([]model.Grade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT g.id, g.task_id, g.student_id, g.value, g.graded_at, g.comment
		FROM grades g
		JOIN tasks t ON t.id = g.task_id
		WHERE t.course_id = $1
		ORDER BY g.graded_at, g.id
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grades []model.Grade
	for rows.Next() {
		var grade model.Grade
		if err := rows.Scan(&grade.ID, &grade.TaskID, &grade.StudentID, &grade.Value, &grade.GradedAt, &grade.Comment); err != nil {
			return nil, err
		}
		grades = append(grades, grade)
	}
	return grades, rows.Err()
}

// Attendance

// CreateAttendanceWithValues inserts an attendance and its value rows in
// one transaction; a failed value insert leaves no attendance behind a
// dangling present_value_id.
func (s *Store) CreateAttendanceWithValues(ctx context.Context, attendance model.Attendance, values []model.AttendanceValue) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO attendances (id, course_id, title, min_weight, present_value_id)
		VALUES ($1, $2, $3, $4, $5)
	`, attendance.ID, attendance.CourseID, attendance.Title, attendance.MinWeight, attendance.PresentValueID)
	if err != nil {
		return err
	}
	for _, value := range values {
		_, err = tx.Exec(ctx, `
			INSERT INTO attendance_values (id, attendance_id, label, weight)
			VALUES ($1, $2, $3, $4)
		`, value.ID, value.AttendanceID, value.Label, value.Weight)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetAttendanceByID(ctx context.Context, id string) (model.Attendance, error) {
	var attendance model.Attendance
	row := s.pool.QueryRow(ctx, `
		SELECT id, course_id, title, min_weight, present_value_id
		FROM attendances
		WHERE id = $1
	`, id)
	err := row.Scan(&attendance.ID, &attendance.CourseID, &attendance.Title, &attendance.MinWeight, &attendance.PresentValueID)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Attendance{}, apperr.NotFound("attendance", id)
	}
	return attendance, err
}

func (s *Store) ListCourseAttendances(ctx context.Context, courseID string) ([]model.Attendance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, course_id, title, min_weight, present_value_id
		FROM attendances
		WHERE course_id = $1
		ORDER BY title
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attendances []model.Attendance
	for rows.Next() {
		var attendance model.Attendance
		if err := rows.Scan(&attendance.ID, &attendance.CourseID, &attendance.Title, &attendance.MinWeight, &attendance.PresentValueID); err != nil {
			return nil, err
		}
		attendances = append(attendances, attendance)
	}
	return attendances, rows.Err()
}

func (s *Store) ListCourseAttendanceValues(ctx context.Context, courseID string) ([]model.AttendanceValue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.id, v.attendance_id, v.label, v.weight
		FROM attendance_values v
		JOIN attendances a ON a.id = v.attendance_id
		WHERE a.course_id = $1
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []model.AttendanceValue
	for rows.Next() {
		var value model.AttendanceValue
		if err := rows.Scan(&value.ID, &value.AttendanceID, &value.Label, &value.Weight); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

func (s *Store) CreateAttendanceDay(ctx context.Context, day model.AttendanceDay) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attendance_days (id, attendance_id, title, self_sign_key, key_rotated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, day.ID, day.AttendanceID, day.Title, day.SelfSignKey, day.KeyRotatedAt)
	return err
}

func (s *Store) GetAttendanceDayByID(ctx context.Context, id string) (model.AttendanceDay, error) {
	var day model.AttendanceDay
	row := s.pool.QueryRow(ctx, `
		SELECT id, attendance_id, title, self_sign_key, key_rotated_at
		FROM attendance_days
		WHERE id = $1
	`, id)
	err := row.Scan(&day.ID, &day.AttendanceID, &day.Title, &day.SelfSignKey, &day.KeyRotatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AttendanceDay{}, apperr.NotFound("attendance_day", id)
	}
	return day, err
}

func (s *Store) SetAttendanceDayKey(ctx context.Context, dayID string, key *string, rotatedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE attendance_days
		SET self_sign_key = $1, key_rotated_at = $2
		WHERE id = $3
	`, key, rotatedAt, dayID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("attendance_day", dayID)
	}
	return nil
}

func (s *Store) ListCourseAttendanceDays(ctx context.Context, courseID string) ([]model.AttendanceDay, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.attendance_id, d.title, d.self_sign_key, d.key_rotated_at
		FROM attendance_days d
		JOIN attendances a ON a.id = d.attendance_id
		WHERE a.course_id = $1
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var days []model.AttendanceDay
	for rows.Next() {
		var day model.AttendanceDay
		if err := rows.Scan(&day.ID, &day.AttendanceID, &day.Title, &day.SelfSignKey, &day.KeyRotatedAt); err != nil {
			return nil, err
		}
		days = append(days, day)
	}
	return days, rows.Err()
}

// UpsertAttendanceRecord writes the (student, day) record in a single
// atomic statement; a concurrent duplicate submission cannot produce two
// rows, the later write wins.
func (s *Store) UpsertAttendanceRecord(ctx context.Context, record model.AttendanceRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attendance_records (id, attendance_day_id, student_id, value_id, signed_at, submitted_ip)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (attendance_day_id, student_id)
		DO UPDATE SET value_id = EXCLUDED.value_id, signed_at = EXCLUDED.signed_at, submitted_ip = EXCLUDED.submitted_ip
	`, record.ID, record.AttendanceDayID, record.StudentID, record.ValueID, record.SignedAt, record.SubmittedIP)
	return err
}

func (s *Store) ListCourseAttendanceRecords(ctx context.Context, courseID string) ([]model.AttendanceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.attendance_day_id, r.student_id, r.value_id, r.signed_at, r.submitted_ip
		FROM attendance_records r
		JOIN attendance_days d ON d.id = r.attendance_day_id
		JOIN attendances a ON a.id = d.attendance_id
		WHERE a.course_id = $1
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.AttendanceRecord
	for rows.Next() {
		var record model.AttendanceRecord
		if err := rows.Scan(&record.ID, &record.AttendanceDayID, &record.StudentID, &record.ValueID, &record.SignedAt, &record.SubmittedIP); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
