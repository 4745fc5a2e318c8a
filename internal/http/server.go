// Package http is the boundary layer: routing, bearer auth, request
// validation and the mapping from error kinds to symbolic codes. No
// store or driver error text ever reaches a response body.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Engin1980/eng-task-grading-sub001/internal/apperr"
	"github.com/Engin1980/eng-task-grading-sub001/internal/auth"
	"github.com/Engin1980/eng-task-grading-sub001/internal/config"
	"github.com/Engin1980/eng-task-grading-sub001/internal/login"
	"github.com/Engin1980/eng-task-grading-sub001/internal/model"
	"github.com/Engin1980/eng-task-grading-sub001/internal/ratelimit"
	"github.com/Engin1980/eng-task-grading-sub001/internal/selfsign"
	"github.com/Engin1980/eng-task-grading-sub001/internal/token"
)

// Store is the slice of the record store the handlers drive directly;
// the pgx repository implements it.
type Store interface {
	CreateTeacher(ctx context.Context, teacher model.Teacher) error
	GetTeacherByEmail(ctx context.Context, email string) (model.Teacher, error)
	GetTeacherByID(ctx context.Context, id string) (model.Teacher, error)

	CreateStudent(ctx context.Context, student model.Student) error
	GetStudentByStudyNumber(ctx context.Context, studyNumber string) (model.Student, error)
	GetStudentByID(ctx context.Context, id string) (model.Student, error)

	CreateCourse(ctx context.Context, course model.Course) error
	GetCourseByID(ctx context.Context, id string) (model.Course, error)
	EnrollStudent(ctx context.Context, courseID, studentID string) error
	IsStudentEnrolled(ctx context.Context, courseID, studentID string) (bool, error)
	ListCourseStudents(ctx context.Context, courseID string) ([]model.Student, error)

	CreateTask(ctx context.Context, task model.Task) error
	GetTaskByID(ctx context.Context, id string) (model.Task, error)
	ListCourseTasks(ctx context.Context, courseID string) ([]model.Task, error)
	CreateGrade(ctx context.Context, grade model.Grade) error
	ListCourseGrades(ctx context.Context, courseID string) ([]model.Grade, error)

	CreateAttendanceWithValues(ctx context.Context, attendance model.Attendance, values []model.AttendanceValue) error
	GetAttendanceByID(ctx context.Context, id string) (model.Attendance, error)
	ListCourseAttendances(ctx context.Context, courseID string) ([]model.Attendance, error)
	ListCourseAttendanceValues(ctx context.Context, courseID string) ([]model.AttendanceValue, error)
	CreateAttendanceDay(ctx context.Context, day model.AttendanceDay) error
	ListCourseAttendanceDays(ctx context.Context, courseID string) ([]model.AttendanceDay, error)
	ListCourseAttendanceRecords(ctx context.Context, courseID string) ([]model.AttendanceRecord, error)
}

type Server struct {
	cfg      config.Config
	store    Store
	issuer   *token.Issuer
	login    *login.Service
	selfsign *selfsign.Engine
	limiter  *ratelimit.Limiter
	validate *validator.Validate
}

func NewServer(cfg config.Config, store Store, issuer *token.Issuer, loginSvc *login.Service, engine *selfsign.Engine, limiter *ratelimit.Limiter) *Server {
	validate := validator.New()
	_ = validate.RegisterValidation("studynum", func(fl validator.FieldLevel) bool {
		return selfsign.ValidStudyNumber(fl.Field().String())
	})
	return &Server{
		cfg:      cfg,
		store:    store,
		issuer:   issuer,
		login:    loginSvc,
		selfsign: engine,
		limiter:  limiter,
		validate: validate,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/register", s.handleTeacherRegister)
	r.Post("/auth/login", s.handleTeacherLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.With(s.authMiddleware).Post("/auth/logout", s.handleLogout)
	r.With(s.authMiddleware).Get("/auth/me", s.handleGetMe)

	// Student passwordless flow; request and redeem are anonymous.
	r.Post("/auth/student/login", s.handleStudentLoginRequest)
	r.Post("/auth/student/redeem", s.handleStudentLoginRedeem)
	r.With(s.authMiddleware, s.requireStudent).Get("/auth/student/sessions", s.handleStudentSessions)
	r.With(s.authMiddleware, s.requireStudent).Post("/auth/student/sessions/revoke", s.handleStudentRevokeAll)

	r.With(s.authMiddleware, s.requireTeacher).Post("/courses", s.handleCreateCourse)
	r.With(s.authMiddleware, s.requireTeacher).Post("/courses/{courseId}/students", s.handleImportStudent)
	r.With(s.authMiddleware, s.requireTeacher).Post("/courses/{courseId}/tasks", s.handleCreateTask)
	r.With(s.authMiddleware, s.requireTeacher).Post("/tasks/{taskId}/grades", s.handleCreateGrade)
	r.With(s.authMiddleware, s.requireTeacher).Post("/courses/{courseId}/attendances", s.handleCreateAttendance)
	r.With(s.authMiddleware, s.requireTeacher).Post("/attendances/{attendanceId}/days", s.handleCreateAttendanceDay)
	r.With(s.authMiddleware).Get("/courses/{courseId}/summary", s.handleCourseSummary)

	r.With(s.authMiddleware, s.requireTeacher).Put("/attendance-days/{dayId}/key", s.handleSetDayKey)
	r.With(s.authMiddleware, s.requireTeacher).Delete("/attendance-days/{dayId}/key", s.handleDisableDayKey)

	// The one core operation open to anonymous callers.
	r.Post("/selfsign/{dayId}", s.handleSelfSignSubmit)

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := bearerToken(r.Header.Get("Authorization"))
		if bearer == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := s.issuer.VerifyAccess(bearer)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func (s *Server) requireTeacher(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || (claims.Role != model.RoleTeacher && claims.Role != model.RoleAdmin) {
			writeError(w, http.StatusForbidden, "teacher_only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireStudent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || claims.Role != model.RoleStudent {
			writeError(w, http.StatusForbidden, "student_only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Helpers

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (s *Server) decodeValid(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	return s.validate.Struct(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// writeMappedError reduces an error to a symbolic code and status. The
// identifier inside a NotFound kind is never echoed back. Everything
// unrecognized is logged with its cause chain and answered generically.
func writeMappedError(w http.ResponseWriter, err error) {
	var notFound *apperr.NotFoundError
	var duplicate *apperr.DuplicateError
	var tokenErr *apperr.TokenError
	var captchaErr *apperr.CaptchaError

	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Entity+"_not_found")
	case errors.As(err, &duplicate):
		writeError(w, http.StatusConflict, "duplicate_"+duplicate.Entity)
	case errors.As(err, &tokenErr):
		writeError(w, http.StatusUnauthorized, "invalid_token_"+string(tokenErr.Reason))
	case errors.As(err, &captchaErr):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "captcha_failed",
			"codes": captchaErr.Codes,
		})
	case errors.Is(err, apperr.ErrInvalidSelfSignKey):
		writeError(w, http.StatusForbidden, "invalid_self_sign_key")
	case errors.Is(err, apperr.ErrStudentNotInCourse):
		writeError(w, http.StatusForbidden, "student_not_in_course")
	case errors.Is(err, apperr.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, apperr.ErrEmailDeliveryFailed):
		log.Printf("email delivery error: %v", err)
		writeError(w, http.StatusBadGateway, "email_delivery_failed")
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
