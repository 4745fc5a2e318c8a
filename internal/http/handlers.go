package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Engin1980/eng-task-grading-sub001/internal/aggregate"
	"github.com/Engin1980/eng-task-grading-sub001/internal/apperr"
	"github.com/Engin1980/eng-task-grading-sub001/internal/crypto"
	"github.com/Engin1980/eng-task-grading-sub001/internal/model"
	"github.com/Engin1980/eng-task-grading-sub001/internal/token"
)

// Teacher auth

type teacherRegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type teacherSummary struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Admin  bool   `json:"admin"`
	Active bool   `json:"active"`
}

func (s *Server) handleTeacherRegister(w http.ResponseWriter, r *http.Request) {
	var req teacherRegisterRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	now := time.Now().UTC()
	teacher := model.Teacher{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateTeacher(r.Context(), teacher); err != nil {
		writeMappedError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, teacherSummary{
		ID:     teacher.ID,
		Email:  teacher.Email,
		Admin:  teacher.Admin,
		Active: teacher.Active,
	})
}

type teacherLoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type authResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

func (s *Server) handleTeacherLogin(w http.ResponseWriter, r *http.Request) {
	var req teacherLoginRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	teacher, err := s.store.GetTeacherByEmail(r.Context(), req.Email)
	if err != nil {
		var notFound *apperr.NotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}
		writeMappedError(w, err)
		return
	}
	if err := crypto.CheckPassword(teacher.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}
	if !teacher.Active {
		writeMappedError(w, apperr.ErrUnauthorized)
		return
	}

	pair, err := s.issuer.Issue(r.Context(), teacher.ID, teacher.Role(), s.cfg.RefreshTokenTTL, r.UserAgent(), clientIP(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	pair, err := s.issuer.Redeem(r.Context(), req.RefreshToken, r.UserAgent(), clientIP(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if err := s.issuer.Revoke(r.Context(), claims.SubjectID); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	if claims.Role == model.RoleStudent {
		student, err := s.store.GetStudentByID(r.Context(), claims.SubjectID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, studentSummary{
			ID:          student.ID,
			StudyNumber: student.StudyNumber,
			Email:       student.Email,
			FirstName:   student.FirstName,
			LastName:    student.LastName,
		})
		return
	}

	teacher, err := s.store.GetTeacherByID(r.Context(), claims.SubjectID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, teacherSummary{
		ID:     teacher.ID,
		Email:  teacher.Email,
		Admin:  teacher.Admin,
		Active: teacher.Active,
	})
}

// Student passwordless flow

type studentLoginRequest struct {
	StudyNumber  string `json:"studyNumber" validate:"required,studynum"`
	CaptchaProof string `json:"captchaProof"`
}

func (s *Server) handleStudentLoginRequest(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(r.Context(), "student_login", clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	var req studentLoginRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if err := s.login.RequestLogin(r.Context(), req.StudyNumber, req.CaptchaProof); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

type studentRedeemRequest struct {
	Token           string `json:"token" validate:"required"`
	DurationSeconds int64  `json:"durationSeconds" validate:"required,gt=0"`
}

func (s *Server) handleStudentLoginRedeem(w http.ResponseWriter, r *http.Request) {
	var req studentRedeemRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	pair, err := s.login.Redeem(r.Context(), req.Token, req.DurationSeconds, r.UserAgent(), clientIP(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

type sessionSummary struct {
	ID        string  `json:"id"`
	CreatedAt int64   `json:"createdAt"`
	ExpiresAt int64   `json:"expiresAt"`
	UserAgent *string `json:"userAgent,omitempty"`
	IPAddress *string `json:"ipAddress,omitempty"`
}

func (s *Server) handleStudentSessions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	sessions, err := s.login.ListActiveSessions(r.Context(), claims.SubjectID)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	resp := make([]sessionSummary, 0, len(sessions))
	for _, session := range sessions {
		resp = append(resp, sessionSummary{
			ID:        session.ID,
			CreatedAt: session.CreatedAt.Unix(),
			ExpiresAt: session.ExpiresAt.Unix(),
			UserAgent: session.UserAgent,
			IPAddress: session.IPAddress,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStudentRevokeAll invalidates every session of the caller. The
// current access token stays verifiable until it expires; the response
// tells the client to drop it.
func (s *Server) handleStudentRevokeAll(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if err := s.login.RevokeAll(r.Context(), claims.SubjectID); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "revoked",
		"accessToken": "discard",
	})
}

// Course administration

type createCourseRequest struct {
	Title string `json:"title" validate:"required"`
	Code  string `json:"code" validate:"required"`
}

func (s *Server) handleCreateCourse(w http.ResponseWriter, r *http.Request) {
	var req createCourseRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	course := model.Course{
		ID:        uuid.NewString(),
		Title:     req.Title,
		Code:      strings.TrimSpace(req.Code),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateCourse(r.Context(), course); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, course)
}

type importStudentRequest struct {
	StudyNumber string `json:"studyNumber" validate:"required,studynum"`
	Email       string `json:"email" validate:"required,email"`
	FirstName   string `json:"firstName" validate:"required"`
	LastName    string `json:"lastName" validate:"required"`
}

type studentSummary struct {
	ID          string `json:"id"`
	StudyNumber string `json:"studyNumber"`
	Email       string `json:"email"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
}

// handleImportStudent registers the student on first sight and enrolls
// them into the course; an already known study number is just enrolled.
func (s *Server) handleImportStudent(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseId")
	if _, err := s.store.GetCourseByID(r.Context(), courseID); err != nil {
		writeMappedError(w, err)
		return
	}

	var req importStudentRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	student, err := s.store.GetStudentByStudyNumber(r.Context(), req.StudyNumber)
	if err != nil {
		var notFound *apperr.NotFoundError
		if !errors.As(err, &notFound) {
			writeMappedError(w, err)
			return
		}
		student = model.Student{
			ID:          uuid.NewString(),
			StudyNumber: strings.ToUpper(req.StudyNumber),
			Email:       strings.TrimSpace(strings.ToLower(req.Email)),
			FirstName:   req.FirstName,
			LastName:    req.LastName,
			Active:      true,
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.store.CreateStudent(r.Context(), student); err != nil {
			writeMappedError(w, err)
			return
		}
	}

	if err := s.store.EnrollStudent(r.Context(), courseID, student.ID); err != nil {
		writeMappedError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, studentSummary{
		ID:          student.ID,
		StudyNumber: student.StudyNumber,
		Email:       student.Email,
		FirstName:   student.FirstName,
		LastName:    student.LastName,
	})
}

type createTaskRequest struct {
	Title    string   `json:"title" validate:"required"`
	MinGrade *float64 `json:"minGrade"`
	Policy   string   `json:"policy" validate:"required,oneof=min max avg last"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseId")
	if _, err := s.store.GetCourseByID(r.Context(), courseID); err != nil {
		writeMappedError(w, err)
		return
	}

	var req createTaskRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	task := model.Task{
		ID:       uuid.NewString(),
		CourseID: courseID,
		Title:    req.Title,
		MinGrade: req.MinGrade,
		Policy:   model.AggregationPolicy(req.Policy),
	}
	if err := s.store.CreateTask(r.Context(), task); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

type createGradeRequest struct {
	StudyNumber string  `json:"studyNumber" validate:"required,studynum"`
	Value       float64 `json:"value"`
	Comment     *string `json:"comment"`
}

func (s *Server) handleCreateGrade(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	task, err := s.store.GetTaskByID(r.Context(), taskID)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	var req createGradeRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	student, err := s.store.GetStudentByStudyNumber(r.Context(), req.StudyNumber)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	enrolled, err := s.store.IsStudentEnrolled(r.Context(), task.CourseID, student.ID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if !enrolled {
		writeMappedError(w, apperr.ErrStudentNotInCourse)
		return
	}

	grade := model.Grade{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		StudentID: student.ID,
		Value:     req.Value,
		GradedAt:  time.Now().UTC(),
		Comment:   req.Comment,
	}
	if err := s.store.CreateGrade(r.Context(), grade); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grade)
}

type createAttendanceRequest struct {
	Title     string            `json:"title" validate:"required"`
	MinWeight *float64          `json:"minWeight"`
	Values    []attendanceValue `json:"values" validate:"required,min=1,dive"`
	// PresentLabel names the value recorded on self-sign.
	PresentLabel string `json:"presentLabel" validate:"required"`
}

type attendanceValue struct {
	Label  string  `json:"label" validate:"required"`
	Weight float64 `json:"weight"`
}

func (s *Server) handleCreateAttendance(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseId")
	if _, err := s.store.GetCourseByID(r.Context(), courseID); err != nil {
		writeMappedError(w, err)
		return
	}

	var req createAttendanceRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	attendanceID := uuid.NewString()
	values := make([]model.AttendanceValue, 0, len(req.Values))
	presentValueID := ""
	for _, v := range req.Values {
		value := model.AttendanceValue{
			ID:           uuid.NewString(),
			AttendanceID: attendanceID,
			Label:        v.Label,
			Weight:       v.Weight,
		}
		if v.Label == req.PresentLabel {
			presentValueID = value.ID
		}
		values = append(values, value)
	}
	if presentValueID == "" {
		writeError(w, http.StatusBadRequest, "present_label_unknown")
		return
	}

	attendance := model.Attendance{
		ID:             attendanceID,
		CourseID:       courseID,
		Title:          req.Title,
		MinWeight:      req.MinWeight,
		PresentValueID: presentValueID,
	}
	if err := s.store.CreateAttendanceWithValues(r.Context(), attendance, values); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, attendance)
}

type createAttendanceDayRequest struct {
	Title string `json:"title" validate:"required"`
}

func (s *Server) handleCreateAttendanceDay(w http.ResponseWriter, r *http.Request) {
	attendanceID := chi.URLParam(r, "attendanceId")
	if _, err := s.store.GetAttendanceByID(r.Context(), attendanceID); err != nil {
		writeMappedError(w, err)
		return
	}

	var req createAttendanceDayRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	day := model.AttendanceDay{
		ID:           uuid.NewString(),
		AttendanceID: attendanceID,
		Title:        req.Title,
	}
	if err := s.store.CreateAttendanceDay(r.Context(), day); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, day)
}

// Self-sign key management

type setDayKeyRequest struct {
	// Key sets an explicit value; empty requests a generated one.
	Key string `json:"key"`
}

type dayKeyResponse struct {
	DayID     string `json:"dayId"`
	Key       string `json:"key"`
	Link      string `json:"link"`
	RotatedAt int64  `json:"rotatedAt"`
}

func (s *Server) handleSetDayKey(w http.ResponseWriter, r *http.Request) {
	dayID := chi.URLParam(r, "dayId")

	var req setDayKeyRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	var day model.AttendanceDay
	var err error
	if req.Key == "" {
		day, err = s.selfsign.GenerateKey(r.Context(), dayID)
	} else {
		key := req.Key
		day, err = s.selfsign.SetKey(r.Context(), dayID, &key)
	}
	if err != nil {
		writeMappedError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dayKeyResponse{
		DayID:     day.ID,
		Key:       *day.SelfSignKey,
		Link:      fmt.Sprintf("%s/selfsign/%s?key=%s", s.cfg.FrontendBaseURL, day.ID, *day.SelfSignKey),
		RotatedAt: day.KeyRotatedAt.Unix(),
	})
}

func (s *Server) handleDisableDayKey(w http.ResponseWriter, r *http.Request) {
	dayID := chi.URLParam(r, "dayId")
	if _, err := s.selfsign.SetKey(r.Context(), dayID, nil); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

// Anonymous attendance self-sign

type selfSignRequest struct {
	StudyNumber string `json:"studyNumber" validate:"required"`
	Key         string `json:"key" validate:"required"`
}

func (s *Server) handleSelfSignSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(r.Context(), "selfsign", clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	dayID := chi.URLParam(r, "dayId")
	var req selfSignRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	record, err := s.selfsign.Submit(r.Context(), dayID, req.StudyNumber, req.Key, clientIP(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "recorded",
		"recordId": record.ID,
		"signedAt": record.SignedAt.Unix(),
	})
}

// Aggregated course summary

func (s *Server) handleCourseSummary(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	courseID := chi.URLParam(r, "courseId")

	if _, err := s.store.GetCourseByID(r.Context(), courseID); err != nil {
		writeMappedError(w, err)
		return
	}

	students, err := s.store.ListCourseStudents(r.Context(), courseID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if claims.Role == model.RoleStudent {
		enrolled, err := s.store.IsStudentEnrolled(r.Context(), courseID, claims.SubjectID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		if !enrolled {
			writeMappedError(w, apperr.ErrStudentNotInCourse)
			return
		}
		own := students[:0]
		for _, student := range students {
			if student.ID == claims.SubjectID {
				own = append(own, student)
			}
		}
		students = own
	}

	tasks, err := s.store.ListCourseTasks(r.Context(), courseID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	grades, err := s.store.ListCourseGrades(r.Context(), courseID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	attendances, err := s.store.ListCourseAttendances(r.Context(), courseID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	days, err := s.store.ListCourseAttendanceDays(r.Context(), courseID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	values, err := s.store.ListCourseAttendanceValues(r.Context(), courseID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	records, err := s.store.ListCourseAttendanceRecords(r.Context(), courseID)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	summaries := aggregate.CourseSummary(students, tasks, grades, attendances, days, values, records)
	writeJSON(w, http.StatusOK, summaries)
}

func pairResponse(pair token.Pair) authResponse {
	return authResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.Session.ExpiresAt.Unix(),
	}
}
