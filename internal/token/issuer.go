// Package token is the shared token machinery of both identity classes:
// signed stateless access tokens plus server-tracked opaque refresh
// tokens. It performs no network calls; everything is token algebra over
// the session store.
package token

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Engin1980/eng-task-grading-sub001/internal/apperr"
	"github.com/Engin1980/eng-task-grading-sub001/internal/auth"
	"github.com/Engin1980/eng-task-grading-sub001/internal/crypto"
	"github.com/Engin1980/eng-task-grading-sub001/internal/model"
)

// SessionStore is the slice of the record store the issuer needs. The
// conditional consume must be atomic at the storage layer; the issuer
// never assumes in-process locking is enough.
type SessionStore interface {
	CreateSession(ctx context.Context, session model.Session) error
	ConsumeSession(ctx context.Context, tokenHash string, now time.Time) (model.Session, error)
	RevokeSessionsBySubject(ctx context.Context, subjectID string, now time.Time) error
	ListActiveSessions(ctx context.Context, subjectID string, now time.Time) ([]model.Session, error)
	SubjectActive(ctx context.Context, subjectID string, role model.Role) (bool, error)
}

type Pair struct {
	AccessToken  string
	RefreshToken string
	Session      model.Session
}

type Issuer struct {
	store     SessionStore
	secret    string
	issuer    string
	accessTTL time.Duration

	// Now is swappable in tests.
	Now func() time.Time
}

func NewIssuer(store SessionStore, secret, issuer string, accessTTL time.Duration) *Issuer {
	return &Issuer{
		store:     store,
		secret:    secret,
		issuer:    issuer,
		accessTTL: accessTTL,
		Now:       time.Now,
	}
}

// Issue mints an access/refresh pair for the subject. The refresh token
// leaves this method raw exactly once; only its hash is stored.
func (i *Issuer) Issue(ctx context.Context, subjectID string, role model.Role, refreshTTL time.Duration, userAgent, ip string) (Pair, error) {
	accessToken, err := auth.NewAccessToken(i.secret, i.issuer, i.accessTTL, auth.Claims{
		SubjectID: subjectID,
		Role:      role,
	})
	if err != nil {
		return Pair{}, err
	}

	refreshToken, err := crypto.NewToken()
	if err != nil {
		return Pair{}, err
	}

	now := i.Now().UTC()
	session := model.Session{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Role:      role,
		TokenHash: crypto.HashToken(refreshToken),
		CreatedAt: now,
		ExpiresAt: now.Add(refreshTTL),
	}
	if userAgent != "" {
		session.UserAgent = &userAgent
	}
	if ip != "" {
		session.IPAddress = &ip
	}

	if err := i.store.CreateSession(ctx, session); err != nil {
		return Pair{}, err
	}

	return Pair{AccessToken: accessToken, RefreshToken: refreshToken, Session: session}, nil
}

func (i *Issuer) VerifyAccess(token string) (*auth.Claims, error) {
	return auth.ParseToken(i.secret, i.issuer, token)
}

// Redeem rotates the presented refresh token: the old session is revoked
// in the same conditional update that loads it, and the replacement keeps
// the original expiry horizon so the duration chosen at login stands.
func (i *Issuer) Redeem(ctx context.Context, refreshToken, userAgent, ip string) (Pair, error) {
	now := i.Now().UTC()
	session, err := i.store.ConsumeSession(ctx, crypto.HashToken(refreshToken), now)
	if err != nil {
		return Pair{}, err
	}

	active, err := i.store.SubjectActive(ctx, session.SubjectID, session.Role)
	if err != nil {
		return Pair{}, err
	}
	if !active {
		return Pair{}, apperr.InvalidToken(apperr.TokenInvalidOwner)
	}

	return i.Issue(ctx, session.SubjectID, session.Role, session.ExpiresAt.Sub(now), userAgent, ip)
}

// Revoke invalidates every session of the subject. Outstanding access
// tokens stay valid until their natural expiry; callers must discard them.
func (i *Issuer) Revoke(ctx context.Context, subjectID string) error {
	return i.store.RevokeSessionsBySubject(ctx, subjectID, i.Now().UTC())
}

func (i *Issuer) ListActiveSessions(ctx context.Context, subjectID string) ([]model.Session, error) {
	return i.store.ListActiveSessions(ctx, subjectID, i.Now().UTC())
}
