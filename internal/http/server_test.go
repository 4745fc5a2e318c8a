package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Engin1980/eng-task-grading-sub001/internal/apperr"
	"github.com/Engin1980/eng-task-grading-sub001/internal/auth"
	"github.com/Engin1980/eng-task-grading-sub001/internal/config"
	"github.com/Engin1980/eng-task-grading-sub001/internal/model"
	"github.com/Engin1980/eng-task-grading-sub001/internal/token"
)

type noopSessionStore struct{}

func (noopSessionStore) CreateSession(context.Context, model.Session) error { return nil }
func (noopSessionStore) ConsumeSession(context.Context, string, time.Time) (model.Session, error) {
	return model.Session{}, apperr.InvalidToken(apperr.TokenNotFound)
}
func (noopSessionStore) RevokeSessionsBySubject(context.Context, string, time.Time) error {
	return nil
}
func (noopSessionStore) ListActiveSessions(context.Context, string, time.Time) ([]model.Session, error) {
	return nil, nil
}
func (noopSessionStore) SubjectActive(context.Context, string, model.Role) (bool, error) {
	return true, nil
}

func newTestServer() *Server {
	issuer := token.NewIssuer(noopSessionStore{}, "secret", "grading", 15*time.Minute)
	return NewServer(config.Config{FrontendBaseURL: "https://grading.example.com"}, nil, issuer, nil, nil, nil)
}

func accessToken(t *testing.T, role model.Role) string {
	t.Helper()
	tok, err := auth.NewAccessToken("secret", "grading", 15*time.Minute, auth.Claims{
		SubjectID: "subject-1",
		Role:      role,
	})
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	return tok
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return body["error"]
}

func TestAuthMiddleware(t *testing.T) {
	server := newTestServer()
	var gotClaims *auth.Claims
	handler := server.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = claimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "missing_token" {
		t.Fatalf("expected missing_token, got %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "invalid_token" {
		t.Fatalf("expected invalid_token, got %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken(t, model.RoleTeacher))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if gotClaims == nil || gotClaims.SubjectID != "subject-1" || gotClaims.Role != model.RoleTeacher {
		t.Fatalf("unexpected claims in context: %+v", gotClaims)
	}
}

func TestRequireTeacher(t *testing.T) {
	server := newTestServer()
	handler := server.requireTeacher(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for role, expect := range map[model.Role]int{
		model.RoleTeacher: http.StatusOK,
		model.RoleAdmin:   http.StatusOK,
		model.RoleStudent: http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodPost, "/courses", nil)
		ctx := context.WithValue(req.Context(), claimsKey{}, &auth.Claims{SubjectID: "x", Role: role})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req.WithContext(ctx))
		if rec.Code != expect {
			t.Fatalf("role %s: expected %d, got %d", role, expect, rec.Code)
		}
	}

	// No claims at all.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/courses", nil))
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "teacher_only" {
		t.Fatalf("expected teacher_only, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRequireStudent(t *testing.T) {
	server := newTestServer()
	handler := server.requireStudent(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/student/sessions", nil)
	ctx := context.WithValue(req.Context(), claimsKey{}, &auth.Claims{SubjectID: "x", Role: model.RoleTeacher})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(ctx))
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "student_only" {
		t.Fatalf("expected student_only, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"":                   "",
		"Bearer abc":         "abc",
		"bearer abc":         "abc",
		"Basic dXNlcjpwdw==": "",
		"Bearer":             "",
		"Bearer  abc ":       "abc",
	}
	for header, expect := range cases {
		if got := bearerToken(header); got != expect {
			t.Fatalf("header %q: expected %q, got %q", header, expect, got)
		}
	}
}

func TestWriteMappedError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{apperr.NotFound("course", "c1"), http.StatusNotFound, "course_not_found"},
		{apperr.Duplicate("teacher", "mail"), http.StatusConflict, "duplicate_teacher"},
		{apperr.InvalidToken(apperr.TokenExpired), http.StatusUnauthorized, "invalid_token_expired"},
		{apperr.InvalidToken(apperr.TokenNotFound), http.StatusUnauthorized, "invalid_token_not_found"},
		{&apperr.CaptchaError{Codes: []string{"bad"}}, http.StatusBadRequest, "captcha_failed"},
		{apperr.ErrInvalidSelfSignKey, http.StatusForbidden, "invalid_self_sign_key"},
		{apperr.ErrStudentNotInCourse, http.StatusForbidden, "student_not_in_course"},
		{apperr.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{fmt.Errorf("%w: status 503", apperr.ErrEmailDeliveryFailed), http.StatusBadGateway, "email_delivery_failed"},
		{apperr.Internal(context.DeadlineExceeded), http.StatusInternalServerError, "server_error"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeMappedError(rec, tc.err)
		if rec.Code != tc.status {
			t.Fatalf("%v: expected status %d, got %d", tc.err, tc.status, rec.Code)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if body["error"] != tc.code {
			t.Fatalf("%v: expected code %q, got %q", tc.err, tc.code, body["error"])
		}
	}

	// NotFound responses never echo the identifier.
	rec := httptest.NewRecorder()
	writeMappedError(rec, apperr.NotFound("student", "A12345"))
	if strings.Contains(rec.Body.String(), "A12345") {
		t.Fatalf("identifier leaked into response: %s", rec.Body.String())
	}
}

func TestDecodeValid(t *testing.T) {
	server := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/auth/student/login", strings.NewReader(`{"studyNumber":"A12345"}`))
	var body studentLoginRequest
	if err := server.decodeValid(req, &body); err != nil {
		t.Fatalf("expected valid body, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/auth/student/login", strings.NewReader(`{"studyNumber":"123456"}`))
	body = studentLoginRequest{}
	if err := server.decodeValid(req, &body); err == nil {
		t.Fatalf("expected study number validation to fail")
	}

	req = httptest.NewRequest(http.MethodPost, "/auth/student/login", strings.NewReader(`{"studyNumber":"A12345","bogus":1}`))
	body = studentLoginRequest{}
	if err := server.decodeValid(req, &body); err == nil {
		t.Fatalf("expected unknown field to fail")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4312"
	if got := clientIP(req); got != "192.0.2.7" {
		t.Fatalf("expected remote addr host, got %q", got)
	}

	req.Header.Set("X-Real-IP", "198.51.100.3")
	if got := clientIP(req); got != "198.51.100.3" {
		t.Fatalf("expected real ip, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 198.51.100.3")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
}
