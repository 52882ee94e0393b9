package hsm

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/google/uuid"

	"github.com/anya-org/anya-core/internal/errs"
	"github.com/anya-org/anya-core/internal/storage"
)

// Authenticator validates a principal's credential. Real credential schemes
// (password hashing, mTLS, etc.) are out of scope; the HSM
// only requires the comparison to be constant-time, enforced by
// subtle.ConstantTimeCompare in the default implementation below.
type Authenticator interface {
	CredentialDigest(ctx context.Context, principal string) ([]byte, error)
}

// StaticAuthenticator is the default Authenticator: a fixed map of
// principal -> expected credential digest, suitable for tests and
// single-operator deployments.
type StaticAuthenticator map[string][]byte

func (a StaticAuthenticator) CredentialDigest(_ context.Context, principal string) ([]byte, error) {
	d, ok := a[principal]
	if !ok {
		return nil, errs.New(errs.AuthFailed, "unknown principal")
	}
	return d, nil
}

// Login validates the credential via the configured Authenticator using a
// constant-time comparison, then establishes a session bound to scopes and
// expiry.
func (h *HSM) Login(ctx context.Context, principal string, credentialDigest []byte, requestedScopes []string, ttl time.Duration) (string, error) {
	if h.auth == nil {
		return "", errs.New(errs.AuthFailed, "no authenticator configured")
	}
	expected, err := h.auth.CredentialDigest(ctx, principal)
	if err != nil {
		return "", err
	}
	if len(expected) != len(credentialDigest) || subtle.ConstantTimeCompare(expected, credentialDigest) != 1 {
		return "", errs.New(errs.AuthFailed, "credential mismatch")
	}

	if ttl <= 0 {
		ttl = h.sessionTTL
	}
	sessionID := uuid.New().String()
	now := time.Now()
	rec := storage.SessionRecord{
		SessionID:     sessionID,
		Principal:     principal,
		EstablishedAt: now,
		ExpiresAt:     now.Add(ttl),
		Scopes:        requestedScopes,
	}

	tx, err := h.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	tx.Sessions().Put(rec)
	h.appendAudit(tx, principal, "login", sessionID, "ok")
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return sessionID, nil
}

// Logout closes a session explicitly.
func (h *HSM) Logout(ctx context.Context, sessionID string) error {
	tx, err := h.store.Begin(ctx)
	if err != nil {
		return err
	}
	rec, err := tx.Sessions().Get(sessionID)
	if err != nil {
		tx.Rollback()
		return err
	}
	rec.Closed = true
	tx.Sessions().Put(rec)
	h.appendAudit(tx, rec.Principal, "logout", sessionID, "ok")
	return tx.Commit()
}

// requireScope loads the session, checking it is open, unexpired, and
// carries the required scope.
func (h *HSM) requireScope(ctx context.Context, sessionID, scope string) (storage.SessionRecord, error) {
	tx, err := h.store.Begin(ctx)
	if err != nil {
		return storage.SessionRecord{}, err
	}
	defer tx.Rollback()

	rec, err := tx.Sessions().Get(sessionID)
	if err != nil {
		return storage.SessionRecord{}, err
	}
	if rec.Closed || time.Now().After(rec.ExpiresAt) {
		return storage.SessionRecord{}, errs.New(errs.AuthFailed, "session closed or expired")
	}
	for _, s := range rec.Scopes {
		if s == scope {
			return rec, nil
		}
	}
	return storage.SessionRecord{}, errs.New(errs.ScopeDenied, "scope not granted: "+scope)
}
