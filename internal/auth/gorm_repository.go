package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/elskow/modhub-identity/internal/events"
)

type repository struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewRepository returns the Postgres-backed credential store. Every call is bounded by
// timeout when it is positive.
func NewRepository(db *gorm.DB, timeout time.Duration) Repository {
	return &repository{db: db, timeout: timeout}
}

func (r *repository) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if r.timeout <= 0 {
		return r.db.WithContext(ctx), func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	return r.db.WithContext(ctx), cancel
}

func (r *repository) CreateUser(ctx context.Context, user *User, event *events.Event) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.Version = 1
	row := toUserRow(user)

	return db.Transaction(func(tx *gorm.DB) error {
		for _, l := range row.Links {
			var n int64
			if err := tx.Model(&oauthLinkRow{}).
				Where("provider = ? AND subject_id = ?", l.Provider, l.SubjectID).
				Count(&n).Error; err != nil {
				return fmt.Errorf("check provider link: %w", err)
			}
			if n > 0 {
				return ErrProviderAlreadyLinked
			}
		}

		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrUserExists
			}
			return fmt.Errorf("insert user: %w", err)
		}

		if event != nil {
			if err := events.NewGormOutbox(tx).Enqueue(ctx, *event); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *repository) GetUserByID(ctx context.Context, id string) (*User, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var row userRow
	if err := db.Preload("Links").Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return fromUserRow(&row), nil
}

func (r *repository) GetUserByEmailOrUsername(ctx context.Context, identifier string) (*User, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var row userRow
	err := db.Preload("Links").
		Where("lower(email) = lower(?) OR lower(username) = lower(?)", identifier, identifier).
		Order("is_active DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return fromUserRow(&row), nil
}

func (r *repository) GetUserByProvider(ctx context.Context, provider, subjectID string) (*User, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var link oauthLinkRow
	err := db.Where("provider = ? AND subject_id = ?", provider, subjectID).First(&link).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	var row userRow
	if err := db.Preload("Links").Where("id = ?", link.UserID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return fromUserRow(&row), nil
}

func (r *repository) UpdateUser(ctx context.Context, id string, version int64, update UserUpdate) (*User, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var out *User
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := updateUserTx(tx, id, version, update); err != nil {
			return err
		}
		var row userRow
		if err := tx.Preload("Links").Where("id = ?", id).First(&row).Error; err != nil {
			return err
		}
		out = fromUserRow(&row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func updateUserTx(tx *gorm.DB, id string, version int64, update UserUpdate) error {
	cols := userUpdateColumns(update, time.Now().UTC())
	cols["version"] = gorm.Expr("version + 1")

	res := tx.Model(&userRow{}).Where("id = ? AND version = ?", id, version).Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("update user: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var n int64
	if err := tx.Model(&userRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return ErrVersionConflict
}

func (r *repository) SaveOAuthLink(ctx context.Context, userID string, link OAuthLink) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	return db.Transaction(func(tx *gorm.DB) error {
		var existing oauthLinkRow
		err := tx.Where("provider = ? AND subject_id = ?", link.Provider, link.SubjectID).First(&existing).Error
		switch {
		case err == nil && existing.UserID != userID:
			return ErrProviderAlreadyLinked
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		var n int64
		if err := tx.Model(&oauthLinkRow{}).Where("user_id = ? AND provider = ?", userID, link.Provider).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrProviderLinkExists
		}

		row := toOAuthLinkRow(userID, link)
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrProviderAlreadyLinked
			}
			return fmt.Errorf("insert oauth link: %w", err)
		}

		res := tx.Model(&userRow{}).Where("id = ?", userID).Updates(map[string]any{
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

func (r *repository) TouchOAuthLink(ctx context.Context, provider, subjectID string, at time.Time) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Model(&oauthLinkRow{}).
		Where("provider = ? AND subject_id = ?", provider, subjectID).
		Update("last_used_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrProviderNotLinked
	}
	return nil
}

func (r *repository) DeleteOAuthLink(ctx context.Context, userID, provider string, version int64) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	return db.Transaction(func(tx *gorm.DB) error {
		// The guarded bump holds the user row until commit, so the links read below
		// cannot change under a concurrent unlink.
		if err := updateUserTx(tx, userID, version, UserUpdate{}); err != nil {
			return err
		}
		var row userRow
		if err := tx.Preload("Links").Where("id = ?", userID).First(&row).Error; err != nil {
			return err
		}
		if err := checkUnlink(fromUserRow(&row), provider); err != nil {
			return err
		}

		res := tx.Where("user_id = ? AND provider = ?", userID, provider).Delete(&oauthLinkRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrProviderNotLinked
		}
		return nil
	})
}

func (r *repository) SaveLoginAttempt(ctx context.Context, attempt *LoginAttempt) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	row := toLoginAttemptRow(attempt)
	if err := db.Create(&row).Error; err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

func (r *repository) GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var row refreshTokenRow
	if err := db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, err
	}
	return fromRefreshTokenRow(&row), nil
}

func (r *repository) SaveRefreshToken(ctx context.Context, token *RefreshToken) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	row := toRefreshTokenRow(token)
	if err := db.Create(&row).Error; err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (r *repository) RotateRefreshToken(ctx context.Context, oldID string, next *RefreshToken, at time.Time) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	return db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&refreshTokenRow{}).
			Where("id = ? AND revoked_at IS NULL", oldID).
			Updates(map[string]any{
				"revoked_at":  at.UTC(),
				"replaced_by": next.ID,
			})
		if res.Error != nil {
			return fmt.Errorf("revoke rotated refresh token: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&refreshTokenRow{}).Where("id = ?", oldID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrRefreshTokenNotFound
			}
			return ErrRefreshTokenAlreadyUsed
		}

		row := toRefreshTokenRow(next)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert rotated refresh token: %w", err)
		}
		return nil
	})
}

func (r *repository) RevokeRefreshToken(ctx context.Context, id string, at time.Time) (bool, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Model(&refreshTokenRow{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", at.UTC())
	if res.Error != nil {
		return false, fmt.Errorf("revoke refresh token: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) RevokeChain(ctx context.Context, chainID string, at time.Time) (int64, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Model(&refreshTokenRow{}).
		Where("chain_id = ? AND revoked_at IS NULL", chainID).
		Update("revoked_at", at.UTC())
	if res.Error != nil {
		return 0, fmt.Errorf("revoke refresh chain: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *repository) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Model(&refreshTokenRow{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", at.UTC())
	if res.Error != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *repository) UpdateUserRevokingSessions(ctx context.Context, id string, version int64, update UserUpdate, at time.Time) (int64, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var revoked int64
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := updateUserTx(tx, id, version, update); err != nil {
			return err
		}
		res := tx.Model(&refreshTokenRow{}).
			Where("user_id = ? AND revoked_at IS NULL", id).
			Update("revoked_at", at.UTC())
		if res.Error != nil {
			return fmt.Errorf("revoke user refresh tokens: %w", res.Error)
		}
		revoked = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}

func (r *repository) SaveChallenge(ctx context.Context, challenge *Challenge) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	row := toChallengeRow(challenge)
	if err := db.Create(&row).Error; err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

func (r *repository) GetChallenge(ctx context.Context, id string) (*Challenge, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var row challengeRow
	if err := db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, err
	}
	return fromChallengeRow(&row), nil
}

func (r *repository) UpdateChallenge(ctx context.Context, id string, expectedAttempts, attempts int, status ChallengeStatus) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	return updateChallengeTx(db, id, expectedAttempts, attempts, status)
}

func updateChallengeTx(tx *gorm.DB, id string, expectedAttempts, attempts int, status ChallengeStatus) error {
	res := tx.Model(&challengeRow{}).
		Where("id = ? AND attempts = ? AND status = ?", id, expectedAttempts, string(ChallengePending)).
		Updates(map[string]any{
			"attempts": attempts,
			"status":   string(status),
		})
	if res.Error != nil {
		return fmt.Errorf("update challenge: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := tx.Model(&challengeRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrChallengeNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (r *repository) CommitLogin(ctx context.Context, commit LoginCommit) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	return db.Transaction(func(tx *gorm.DB) error {
		if err := updateUserTx(tx, commit.UserID, commit.Version, commit.Update); err != nil {
			return err
		}

		if commit.ChallengeID != "" {
			if err := updateChallengeTx(tx, commit.ChallengeID, commit.ChallengeAttempts, commit.ChallengeAttempts, ChallengeCompleted); err != nil {
				return err
			}
		}

		if commit.Token != nil {
			row := toRefreshTokenRow(commit.Token)
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("insert refresh token: %w", err)
			}
		}

		if commit.Attempt != nil {
			row := toLoginAttemptRow(commit.Attempt)
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("insert login attempt: %w", err)
			}
		}

		if commit.Event.ID != "" {
			if err := events.NewGormOutbox(tx).Enqueue(ctx, commit.Event); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *repository) EnqueueEvent(ctx context.Context, event events.Event) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	return events.NewGormOutbox(db).Enqueue(ctx, event)
}

func (r *repository) PurgeStale(ctx context.Context, cutoff PurgeCutoff) (PurgeResult, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var res PurgeResult
	if !cutoff.TokensExpiredBefore.IsZero() {
		q := db.Where("expires_at < ?", cutoff.TokensExpiredBefore.UTC()).Delete(&refreshTokenRow{})
		if q.Error != nil {
			return res, fmt.Errorf("purge refresh tokens: %w", q.Error)
		}
		res.Tokens = q.RowsAffected
	}
	if !cutoff.ChallengesExpiredBefore.IsZero() {
		q := db.Where("expires_at < ?", cutoff.ChallengesExpiredBefore.UTC()).Delete(&challengeRow{})
		if q.Error != nil {
			return res, fmt.Errorf("purge challenges: %w", q.Error)
		}
		res.Challenges = q.RowsAffected
	}
	if !cutoff.AttemptsBefore.IsZero() {
		q := db.Where("created_at < ?", cutoff.AttemptsBefore.UTC()).Delete(&loginAttemptRow{})
		if q.Error != nil {
			return res, fmt.Errorf("purge login attempts: %w", q.Error)
		}
		res.Attempts = q.RowsAffected
	}
	return res, nil
}
