// Package login implements the passwordless student login flow: a
// short-lived emailed token redeems into a session whose refresh lifetime
// the student picks from an allowed set.
package login

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Engin1980/eng-task-grading-sub001/internal/captcha"
	"github.com/Engin1980/eng-task-grading-sub001/internal/crypto"
	"github.com/Engin1980/eng-task-grading-sub001/internal/mail"
	"github.com/Engin1980/eng-task-grading-sub001/internal/model"
	"github.com/Engin1980/eng-task-grading-sub001/internal/token"
)

type Store interface {
	GetStudentByStudyNumber(ctx context.Context, studyNumber string) (model.Student, error)
	InvalidateLoginTokens(ctx context.Context, studentID string, now time.Time) error
	CreateLoginToken(ctx context.Context, token model.LoginToken) error
	ConsumeLoginToken(ctx context.Context, tokenHash string, now time.Time) (model.LoginToken, error)
}

type Service struct {
	store            Store
	issuer           *token.Issuer
	mailer           mail.Mailer
	captcha          captcha.Oracle
	loginTokenTTL    time.Duration
	allowedDurations []int64
	frontendBaseURL  string

	Now func() time.Time
}

func NewService(store Store, issuer *token.Issuer, mailer mail.Mailer, oracle captcha.Oracle, loginTokenTTL time.Duration, allowedDurations []int64, frontendBaseURL string) *Service {
	return &Service{
		store:            store,
		issuer:           issuer,
		mailer:           mailer,
		captcha:          oracle,
		loginTokenTTL:    loginTokenTTL,
		allowedDurations: allowedDurations,
		frontendBaseURL:  frontendBaseURL,
		Now:              time.Now,
	}
}

// RequestLogin verifies the captcha proof, invalidates any earlier
// unconsumed token for the student and emails a fresh login link. The raw
// token value exists only inside the emailed link; the store keeps the
// hash. The lookup deliberately reports NotFound for unknown study
// numbers, matching the historical behavior (see §7 of DESIGN.md).
func (s *Service) RequestLogin(ctx context.Context, studyNumber, captchaProof string) error {
	if err := s.captcha.Verify(ctx, captchaProof); err != nil {
		return err
	}

	student, err := s.store.GetStudentByStudyNumber(ctx, studyNumber)
	if err != nil {
		return err
	}

	now := s.Now().UTC()
	if err := s.store.InvalidateLoginTokens(ctx, student.ID, now); err != nil {
		return err
	}

	rawToken, err := crypto.NewToken()
	if err != nil {
		return err
	}
	loginToken := model.LoginToken{
		ID:        uuid.NewString(),
		StudentID: student.ID,
		TokenHash: crypto.HashToken(rawToken),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.loginTokenTTL),
	}
	if err := s.store.CreateLoginToken(ctx, loginToken); err != nil {
		return err
	}

	link := fmt.Sprintf("%s/login/student/confirm?token=%s", s.frontendBaseURL, rawToken)
	return s.mailer.Send(ctx, mail.Message{
		To:      student.Email,
		ToName:  student.FirstName + " " + student.LastName,
		Subject: "Your login link",
		TextBody: fmt.Sprintf(
			"Hello %s,\n\nuse the link below to sign in. It expires in %d minutes.\n\n%s\n",
			student.FirstName, int(s.loginTokenTTL.Minutes()), link,
		),
		HTMLBody: fmt.Sprintf(`<p>Hello %s,</p><p><a href="%s">Sign in</a> (expires in %d minutes).</p>`,
			student.FirstName, link, int(s.loginTokenTTL.Minutes())),
	})
}

// Redeem consumes the emailed token and issues a session whose refresh
// TTL is the requested duration clamped to the allowed set.
func (s *Service) Redeem(ctx context.Context, rawToken string, durationSeconds int64, userAgent, ip string) (token.Pair, error) {
	now := s.Now().UTC()
	loginToken, err := s.store.ConsumeLoginToken(ctx, crypto.HashToken(rawToken), now)
	if err != nil {
		return token.Pair{}, err
	}

	refreshTTL := time.Duration(s.clampDuration(durationSeconds)) * time.Second
	return s.issuer.Issue(ctx, loginToken.StudentID, model.RoleStudent, refreshTTL, userAgent, ip)
}

// clampDuration snaps the request to the largest allowed duration not
// exceeding it; requests below the minimum get the minimum. The allowed
// set is operator-supplied and carries no order guarantee, so the result
// never depends on the configured order.
func (s *Service) clampDuration(requested int64) int64 {
	var best, lowest int64
	for _, allowed := range s.allowedDurations {
		if lowest == 0 || allowed < lowest {
			lowest = allowed
		}
		if allowed <= requested && allowed > best {
			best = allowed
		}
	}
	if best == 0 {
		return lowest
	}
	return best
}

func (s *Service) ListActiveSessions(ctx context.Context, studentID string) ([]model.Session, error) {
	return s.issuer.ListActiveSessions(ctx, studentID)
}

// RevokeAll invalidates every session of the student. Access tokens
// already handed out stay valid until their natural expiry (a staleness
// window up to the access TTL); clients must discard them on revocation.
func (s *Service) RevokeAll(ctx context.Context, studentID string) error {
	return s.issuer.Revoke(ctx, studentID)
}
