package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/notekeep/internal/model"
	"github.com/hitoshi/notekeep/internal/repository"
)

func createUser(t *testing.T, s *Store, id, email string) {
	t.Helper()
	now := time.Now()
	err := s.Users().Create(context.Background(), &model.User{
		ID: id, Email: email, PasswordHash: "hash", CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("Create user: %v", err)
	}
}

func TestUsers_CreateAndFind(t *testing.T) {
	s := New()
	ctx := context.Background()
	createUser(t, s, "user-1", "a@example.com")

	byID, err := s.Users().FindByID(ctx, "user-1")
	if err != nil || byID == nil || byID.Email != "a@example.com" {
		t.Fatalf("FindByID = %+v, %v", byID, err)
	}
	byEmail, err := s.Users().FindByEmail(ctx, "a@example.com")
	if err != nil || byEmail == nil || byEmail.ID != "user-1" {
		t.Fatalf("FindByEmail = %+v, %v", byEmail, err)
	}

	missing, err := s.Users().FindByEmail(ctx, "b@example.com")
	if err != nil || missing != nil {
		t.Fatalf("FindByEmail(missing) = %+v, %v; want nil, nil", missing, err)
	}
}

func TestUsers_DuplicateEmail(t *testing.T) {
	s := New()
	createUser(t, s, "user-1", "a@example.com")

	err := s.Users().Create(context.Background(), &model.User{ID: "user-2", Email: "a@example.com"})
	if !errors.Is(err, repository.ErrDuplicateEmail) {
		t.Fatalf("Create error = %v, want ErrDuplicateEmail", err)
	}
}

func TestUsers_UpdateUnknownUser(t *testing.T) {
	s := New()
	if err := s.Users().UpdatePasswordHash(context.Background(), "ghost", "h", time.Now()); err == nil {
		t.Error("UpdatePasswordHash should fail for unknown user")
	}
	if err := s.Users().MarkEmailVerified(context.Background(), "ghost", time.Now()); err == nil {
		t.Error("MarkEmailVerified should fail for unknown user")
	}
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	createUser(t, s, "user-1", "a@example.com")

	failure := errors.New("effect failed")
	err := s.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		if err := tx.Users().MarkEmailVerified(ctx, "user-1", time.Now()); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("WithinTx error = %v, want %v", err, failure)
	}

	u, _ := s.Users().FindByID(ctx, "user-1")
	if u.EmailVerified {
		t.Error("write inside a failed transaction must not be visible")
	}
}

func TestWithinTx_CommitsOnSuccess(t *testing.T) {
	s := New()
	ctx := context.Background()
	createUser(t, s, "user-1", "a@example.com")

	err := s.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		return tx.Users().UpdatePasswordHash(ctx, "user-1", "new-hash", time.Now())
	})
	if err != nil {
		t.Fatalf("WithinTx error: %v", err)
	}

	u, _ := s.Users().FindByID(ctx, "user-1")
	if u.PasswordHash != "new-hash" {
		t.Errorf("PasswordHash = %q, want new-hash", u.PasswordHash)
	}
}

func TestSessions_RevokeAllCountsOnlyLive(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	for i, hash := range []string{"1", "2", "3"} {
		err := s.Sessions().Create(ctx, &model.Session{
			ID: hash, UserID: "user-1", TokenHash: strings.Repeat(hash, 64),
			IssuedAt: now.Add(time.Duration(i) * time.Second), ExpiresAt: now.Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("Create session: %v", err)
		}
	}
	if err := s.Sessions().RevokeByTokenHash(ctx, strings.Repeat("1", 64), now); err != nil {
		t.Fatalf("RevokeByTokenHash: %v", err)
	}

	n, err := s.Sessions().RevokeAllByUserID(ctx, "user-1", now)
	if err != nil {
		t.Fatalf("RevokeAllByUserID: %v", err)
	}
	if n != 2 {
		t.Errorf("revoked = %d, want 2", n)
	}

	sessions := s.ListSessions("user-1")
	if len(sessions) != 3 {
		t.Fatalf("ListSessions len = %d, want 3", len(sessions))
	}
	for _, sess := range sessions {
		if sess.ActiveAt(now) {
			t.Errorf("session %s should be revoked", sess.ID)
		}
	}
	if sessions[0].ID != "1" || sessions[2].ID != "3" {
		t.Error("ListSessions should be ordered by issue time")
	}
}

func TestTokens_ConsumeLive(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	hash := strings.Repeat("a", 64)

	if err := s.Tokens().Create(ctx, &model.SingleUseToken{
		TokenHash: hash, UserID: "user-1", Purpose: model.PurposePasswordReset, ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}); err != nil {
		t.Fatalf("Create token: %v", err)
	}

	// 用途不一致では消費されない
	tok, err := s.Tokens().ConsumeLive(ctx, hash, model.PurposeEmailVerification, now)
	if err != nil || tok != nil {
		t.Fatalf("ConsumeLive(wrong purpose) = %+v, %v", tok, err)
	}

	tok, err = s.Tokens().ConsumeLive(ctx, hash, model.PurposePasswordReset, now)
	if err != nil || tok == nil || tok.UserID != "user-1" {
		t.Fatalf("ConsumeLive = %+v, %v", tok, err)
	}

	// 2回目は消費できない
	tok, err = s.Tokens().ConsumeLive(ctx, hash, model.PurposePasswordReset, now)
	if err != nil || tok != nil {
		t.Fatalf("second ConsumeLive = %+v, %v; want nil", tok, err)
	}
}

func TestTokens_ExpiredAndInvalidated(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	expired := strings.Repeat("b", 64)
	live := strings.Repeat("c", 64)

	for _, tok := range []*model.SingleUseToken{
		{TokenHash: expired, UserID: "user-1", Purpose: model.PurposeEmailVerification, ExpiresAt: now, CreatedAt: now.Add(-time.Hour)},
		{TokenHash: live, UserID: "user-1", Purpose: model.PurposeEmailVerification, ExpiresAt: now.Add(time.Hour), CreatedAt: now},
	} {
		if err := s.Tokens().Create(ctx, tok); err != nil {
			t.Fatalf("Create token: %v", err)
		}
	}

	// 有効期限ちょうどは期限切れ
	if tok, _ := s.Tokens().ConsumeLive(ctx, expired, model.PurposeEmailVerification, now); tok != nil {
		t.Error("expired token must not be consumable")
	}

	if err := s.Tokens().InvalidateLive(ctx, "user-1", model.PurposeEmailVerification, now); err != nil {
		t.Fatalf("InvalidateLive: %v", err)
	}
	if tok, _ := s.Tokens().ConsumeLive(ctx, live, model.PurposeEmailVerification, now); tok != nil {
		t.Error("invalidated token must not be consumable")
	}
}

func TestTokens_ConcurrentConsumeSucceedsOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	hash := strings.Repeat("d", 64)

	if err := s.Tokens().Create(ctx, &model.SingleUseToken{
		TokenHash: hash, UserID: "user-1", Purpose: model.PurposePasswordReset, ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}); err != nil {
		t.Fatalf("Create token: %v", err)
	}

	var wg sync.WaitGroup
	var consumed atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
				tok, err := tx.Tokens().ConsumeLive(ctx, hash, model.PurposePasswordReset, now)
				if err != nil {
					return err
				}
				if tok != nil {
					consumed.Add(1)
				}
				return nil
			})
		}()
	}
	wg.Wait()

	if got := consumed.Load(); got != 1 {
		t.Errorf("consumed %d times, want exactly 1", got)
	}
}

func TestDeleteExpired(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	_ = s.Sessions().Create(ctx, &model.Session{ID: "old", UserID: "u", TokenHash: strings.Repeat("1", 64), IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)})
	_ = s.Sessions().Create(ctx, &model.Session{ID: "new", UserID: "u", TokenHash: strings.Repeat("2", 64), IssuedAt: now, ExpiresAt: now.Add(time.Hour)})

	n, err := s.Sessions().DeleteExpired(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("DeleteExpired = %d, %v; want 1", n, err)
	}
	if s.SessionCount() != 1 {
		t.Errorf("SessionCount = %d, want 1", s.SessionCount())
	}
}
