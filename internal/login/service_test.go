package login

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Engin1980/eng-task-grading-sub001/internal/apperr"
	"github.com/Engin1980/eng-task-grading-sub001/internal/mail"
	"github.com/Engin1980/eng-task-grading-sub001/internal/model"
	"github.com/Engin1980/eng-task-grading-sub001/internal/token"
)

// memStore backs both the login flow and the session issuer so the tests
// can run the whole request/redeem path in memory.
type memStore struct {
	mu          sync.Mutex
	students    map[string]model.Student
	loginTokens map[string]model.LoginToken
	sessions    map[string]model.Session
}

func newMemStore() *memStore {
	return &memStore{
		students:    make(map[string]model.Student),
		loginTokens: make(map[string]model.LoginToken),
		sessions:    make(map[string]model.Session),
	}
}

func (m *memStore) GetStudentByStudyNumber(_ context.Context, studyNumber string) (model.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, student := range m.students {
		if student.StudyNumber == strings.ToUpper(studyNumber) {
			return student, nil
		}
	}
	return model.Student{}, apperr.NotFound("student", studyNumber)
}

func (m *memStore) InvalidateLoginTokens(_ context.Context, studentID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, lt := range m.loginTokens {
		if lt.StudentID == studentID && lt.ConsumedAt == nil {
			consumedAt := now
			lt.ConsumedAt = &consumedAt
			m.loginTokens[id] = lt
		}
	}
	return nil
}

func (m *memStore) CreateLoginToken(_ context.Context, lt model.LoginToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginTokens[lt.ID] = lt
	return nil
}

func (m *memStore) ConsumeLoginToken(_ context.Context, tokenHash string, now time.Time) (model.LoginToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, lt := range m.loginTokens {
		if lt.TokenHash != tokenHash || lt.ConsumedAt != nil {
			continue
		}
		consumedAt := now
		lt.ConsumedAt = &consumedAt
		m.loginTokens[id] = lt
		if !now.Before(lt.ExpiresAt) {
			return model.LoginToken{}, apperr.InvalidToken(apperr.TokenExpired)
		}
		return lt, nil
	}
	return model.LoginToken{}, apperr.InvalidToken(apperr.TokenNotFound)
}

func (m *memStore) CreateSession(_ context.Context, session model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
	return nil
}

func (m *memStore) ConsumeSession(_ context.Context, tokenHash string, now time.Time) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, session := range m.sessions {
		if session.TokenHash != tokenHash || session.RevokedAt != nil {
			continue
		}
		revokedAt := now
		session.RevokedAt = &revokedAt
		m.sessions[id] = session
		if !now.Before(session.ExpiresAt) {
			return model.Session{}, apperr.InvalidToken(apperr.TokenExpired)
		}
		return session, nil
	}
	return model.Session{}, apperr.InvalidToken(apperr.TokenNotFound)
}

func (m *memStore) RevokeSessionsBySubject(_ context.Context, subjectID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, session := range m.sessions {
		if session.SubjectID == subjectID && session.RevokedAt == nil {
			revokedAt := now
			session.RevokedAt = &revokedAt
			m.sessions[id] = session
		}
	}
	return nil
}

func (m *memStore) ListActiveSessions(_ context.Context, subjectID string, now time.Time) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []model.Session
	for _, session := range m.sessions {
		if session.SubjectID == subjectID && session.Active(now) {
			active = append(active, session)
		}
	}
	return active, nil
}

func (m *memStore) SubjectActive(_ context.Context, subjectID string, _ model.Role) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	student, ok := m.students[subjectID]
	if !ok {
		return false, nil
	}
	return student.Active, nil
}

// captureMailer records the last message instead of sending it.
type captureMailer struct {
	last *mail.Message
}

func (c *captureMailer) Send(_ context.Context, msg mail.Message) error {
	c.last = &msg
	return nil
}

// failingMailer simulates a provider outage.
type failingMailer struct{}

func (failingMailer) Send(context.Context, mail.Message) error {
	return fmt.Errorf("%w: status 503", apperr.ErrEmailDeliveryFailed)
}

type rejectingCaptcha struct{}

func (rejectingCaptcha) Verify(context.Context, string) error {
	return &apperr.CaptchaError{Codes: []string{"invalid-input-response"}}
}

type passingCaptcha struct{}

func (passingCaptcha) Verify(context.Context, string) error { return nil }

var testDurations = []int64{300, 1800, 86400, 604800}

func newTestService(store *memStore, mailer mail.Mailer) (*Service, *token.Issuer) {
	issuer := token.NewIssuer(store, "secret", "grading", 15*time.Minute)
	svc := NewService(store, issuer, mailer, passingCaptcha{}, 15*time.Minute, testDurations, "https://grading.example.com")
	return svc, issuer
}

func seedStudent(store *memStore) model.Student {
	student := model.Student{
		ID:          "student-1",
		StudyNumber: "A12345",
		Email:       "a12345@school.test",
		FirstName:   "Jana",
		LastName:    "Novak",
		Active:      true,
	}
	store.students[student.ID] = student
	return student
}

// linkToken pulls the raw token out of the emailed login link.
func linkToken(t *testing.T, msg *mail.Message) string {
	t.Helper()
	if msg == nil {
		t.Fatalf("expected a mail to be sent")
	}
	marker := "confirm?token="
	idx := strings.Index(msg.TextBody, marker)
	if idx < 0 {
		t.Fatalf("no login link in mail body: %q", msg.TextBody)
	}
	rest := msg.TextBody[idx+len(marker):]
	if end := strings.IndexAny(rest, " \n"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

func TestRequestAndRedeem(t *testing.T) {
	store := newMemStore()
	seedStudent(store)
	mailer := &captureMailer{}
	svc, _ := newTestService(store, mailer)

	if err := svc.RequestLogin(context.Background(), "a12345", "proof"); err != nil {
		t.Fatalf("request error: %v", err)
	}
	raw := linkToken(t, mailer.last)

	pair, err := svc.Redeem(context.Background(), raw, 1800, "ua", "10.0.0.9")
	if err != nil {
		t.Fatalf("redeem error: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected full token pair")
	}
	ttl := pair.Session.ExpiresAt.Sub(pair.Session.CreatedAt)
	if ttl != 1800*time.Second {
		t.Fatalf("expected 1800s session, got %v", ttl)
	}

	// The login token is single use.
	_, err = svc.Redeem(context.Background(), raw, 1800, "", "")
	var tokenErr *apperr.TokenError
	if !errors.As(err, &tokenErr) || tokenErr.Reason != apperr.TokenNotFound {
		t.Fatalf("expected not_found for reused login token, got %v", err)
	}
}

func TestRequestLoginCaptchaRejected(t *testing.T) {
	store := newMemStore()
	seedStudent(store)
	mailer := &captureMailer{}
	issuer := token.NewIssuer(store, "secret", "grading", 15*time.Minute)
	svc := NewService(store, issuer, mailer, rejectingCaptcha{}, 15*time.Minute, testDurations, "https://grading.example.com")

	err := svc.RequestLogin(context.Background(), "A12345", "bogus")
	var captchaErr *apperr.CaptchaError
	if !errors.As(err, &captchaErr) {
		t.Fatalf("expected captcha error, got %v", err)
	}
	if mailer.last != nil {
		t.Fatalf("expected no mail on captcha rejection")
	}
}

func TestRequestLoginMailFailure(t *testing.T) {
	store := newMemStore()
	seedStudent(store)
	issuer := token.NewIssuer(store, "secret", "grading", 15*time.Minute)
	svc := NewService(store, issuer, failingMailer{}, passingCaptcha{}, 15*time.Minute, testDurations, "https://grading.example.com")

	err := svc.RequestLogin(context.Background(), "A12345", "proof")
	if !errors.Is(err, apperr.ErrEmailDeliveryFailed) {
		t.Fatalf("expected typed delivery failure, got %v", err)
	}
}

func TestRequestLoginUnknownStudent(t *testing.T) {
	store := newMemStore()
	mailer := &captureMailer{}
	svc, _ := newTestService(store, mailer)

	err := svc.RequestLogin(context.Background(), "Z99999", "proof")
	var notFound *apperr.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewRequestInvalidatesOldToken(t *testing.T) {
	store := newMemStore()
	seedStudent(store)
	mailer := &captureMailer{}
	svc, _ := newTestService(store, mailer)

	if err := svc.RequestLogin(context.Background(), "A12345", "proof"); err != nil {
		t.Fatalf("request error: %v", err)
	}
	first := linkToken(t, mailer.last)

	if err := svc.RequestLogin(context.Background(), "A12345", "proof"); err != nil {
		t.Fatalf("request error: %v", err)
	}
	second := linkToken(t, mailer.last)

	_, err := svc.Redeem(context.Background(), first, 1800, "", "")
	var tokenErr *apperr.TokenError
	if !errors.As(err, &tokenErr) || tokenErr.Reason != apperr.TokenNotFound {
		t.Fatalf("expected first token to be invalidated, got %v", err)
	}
	if _, err := svc.Redeem(context.Background(), second, 1800, "", ""); err != nil {
		t.Fatalf("expected second token to redeem: %v", err)
	}
}

func TestRedeemExpiredLoginToken(t *testing.T) {
	store := newMemStore()
	seedStudent(store)
	mailer := &captureMailer{}
	svc, _ := newTestService(store, mailer)

	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return start }
	if err := svc.RequestLogin(context.Background(), "A12345", "proof"); err != nil {
		t.Fatalf("request error: %v", err)
	}
	raw := linkToken(t, mailer.last)

	svc.Now = func() time.Time { return start.Add(16 * time.Minute) }
	_, err := svc.Redeem(context.Background(), raw, 1800, "", "")
	var tokenErr *apperr.TokenError
	if !errors.As(err, &tokenErr) || tokenErr.Reason != apperr.TokenExpired {
		t.Fatalf("expected expired login token, got %v", err)
	}
}

func TestClampDuration(t *testing.T) {
	svc := &Service{allowedDurations: testDurations}
	cases := map[int64]int64{
		1800:   1800,   // exact match
		2000:   1800,   // snaps down
		10:     300,    // below minimum gets minimum
		999999: 604800, // above maximum gets maximum
	}
	for requested, expected := range cases {
		if got := svc.clampDuration(requested); got != expected {
			t.Fatalf("clamp(%d): expected %d, got %d", requested, expected, got)
		}
	}
}

func TestClampDurationUnsortedSet(t *testing.T) {
	// The allowed set comes from an operator-supplied CSV and may arrive
	// in any order; the clamp must never grant more time than requested.
	svc := &Service{allowedDurations: []int64{86400, 300, 1800}}
	cases := map[int64]int64{
		2000:   1800,
		1800:   1800,
		86400:  86400,
		500000: 86400,
		10:     300,
	}
	for requested, expected := range cases {
		if got := svc.clampDuration(requested); got != expected {
			t.Fatalf("clamp(%d): expected %d, got %d", requested, expected, got)
		}
	}
}

func TestRevokeAllEndsSessions(t *testing.T) {
	store := newMemStore()
	seedStudent(store)
	mailer := &captureMailer{}
	svc, issuer := newTestService(store, mailer)

	if err := svc.RequestLogin(context.Background(), "A12345", "proof"); err != nil {
		t.Fatalf("request error: %v", err)
	}
	pair, err := svc.Redeem(context.Background(), linkToken(t, mailer.last), 86400, "", "")
	if err != nil {
		t.Fatalf("redeem error: %v", err)
	}

	if err := svc.RevokeAll(context.Background(), "student-1"); err != nil {
		t.Fatalf("revoke error: %v", err)
	}
	sessions, err := svc.ListActiveSessions(context.Background(), "student-1")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no active sessions, got %d", len(sessions))
	}

	if _, err := issuer.Redeem(context.Background(), pair.RefreshToken, "", ""); err == nil {
		t.Fatalf("expected revoked refresh token to fail")
	}
}
