package auth

import (
	"time"

	"github.com/lib/pq"
)

type userRow struct {
	ID                     string `gorm:"primaryKey;type:uuid"`
	Username               string `gorm:"not null"`
	Email                  string `gorm:"not null"`
	PasswordHash           string
	IsActive               bool `gorm:"not null;default:true"`
	TwoFactorEnabled       bool `gorm:"not null;default:false"`
	TwoFactorSecret        string
	PendingTwoFactorSecret string
	LastTOTPCounter        int64 `gorm:"column:last_totp_counter;not null;default:0"`
	FailedLoginAttempts    int   `gorm:"not null;default:0"`
	LastFailedLoginAt      *time.Time
	LockedUntil            *time.Time
	LockoutCount           int            `gorm:"not null;default:0"`
	Roles                  pq.StringArray `gorm:"type:text[]"`
	Links                  []oauthLinkRow `gorm:"foreignKey:UserID"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
	LastLoginAt            *time.Time
	Version                int64 `gorm:"not null;default:1"`
}

func (userRow) TableName() string {
	return "users"
}

type oauthLinkRow struct {
	ID          string `gorm:"primaryKey;type:uuid"`
	UserID      string `gorm:"type:uuid;not null;uniqueIndex:idx_oauth_user_provider"`
	Provider    string `gorm:"not null;uniqueIndex:idx_oauth_provider_subject;uniqueIndex:idx_oauth_user_provider"`
	SubjectID   string `gorm:"not null;uniqueIndex:idx_oauth_provider_subject"`
	Email       string
	ConnectedAt time.Time
	LastUsedAt  *time.Time
}

func (oauthLinkRow) TableName() string {
	return "oauth_links"
}

type loginAttemptRow struct {
	ID         string `gorm:"primaryKey;type:uuid"`
	UserID     *string
	Identifier string `gorm:"not null"`
	Outcome    string `gorm:"not null"`
	Reason     string
	Method     string
	IPAddress  string
	UserAgent  string
	CreatedAt  time.Time
}

func (loginAttemptRow) TableName() string {
	return "login_attempts"
}

type refreshTokenRow struct {
	ID         string `gorm:"primaryKey;type:uuid"`
	UserID     string `gorm:"type:uuid;not null;index"`
	ChainID    string `gorm:"type:uuid;not null;index"`
	ParentID   *string
	SecretHash string `gorm:"not null"`
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy *string
}

func (refreshTokenRow) TableName() string {
	return "refresh_tokens"
}

type challengeRow struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"type:uuid;not null"`
	Method    string
	Attempts  int    `gorm:"not null;default:0"`
	Status    string `gorm:"not null"`
	IPAddress string
	UserAgent string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (challengeRow) TableName() string {
	return "second_factor_challenges"
}

func toUserRow(u *User) userRow {
	row := userRow{
		ID:                     u.ID,
		Username:               u.Username,
		Email:                  u.Email,
		PasswordHash:           u.PasswordHash,
		IsActive:               u.IsActive,
		TwoFactorEnabled:       u.TwoFactorEnabled,
		TwoFactorSecret:        u.TwoFactorSecret,
		PendingTwoFactorSecret: u.PendingTwoFactorSecret,
		LastTOTPCounter:        u.LastTOTPCounter,
		FailedLoginAttempts:    u.FailedLoginAttempts,
		LastFailedLoginAt:      u.LastFailedLoginAt,
		LockedUntil:            u.LockedUntil,
		LockoutCount:           u.LockoutCount,
		Roles:                  pq.StringArray(u.Roles),
		CreatedAt:              u.CreatedAt,
		UpdatedAt:              u.UpdatedAt,
		LastLoginAt:            u.LastLoginAt,
		Version:                u.Version,
	}
	for _, l := range u.Links {
		row.Links = append(row.Links, toOAuthLinkRow(u.ID, l))
	}
	return row
}

func fromUserRow(r *userRow) *User {
	u := &User{
		ID:                     r.ID,
		Username:               r.Username,
		Email:                  r.Email,
		PasswordHash:           r.PasswordHash,
		IsActive:               r.IsActive,
		TwoFactorEnabled:       r.TwoFactorEnabled,
		TwoFactorSecret:        r.TwoFactorSecret,
		PendingTwoFactorSecret: r.PendingTwoFactorSecret,
		LastTOTPCounter:        r.LastTOTPCounter,
		FailedLoginAttempts:    r.FailedLoginAttempts,
		LastFailedLoginAt:      r.LastFailedLoginAt,
		LockedUntil:            r.LockedUntil,
		LockoutCount:           r.LockoutCount,
		Roles:                  []string(r.Roles),
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
		LastLoginAt:            r.LastLoginAt,
		Version:                r.Version,
	}
	for _, l := range r.Links {
		u.Links = append(u.Links, OAuthLink{
			Provider:    l.Provider,
			SubjectID:   l.SubjectID,
			Email:       l.Email,
			ConnectedAt: l.ConnectedAt,
			LastUsedAt:  l.LastUsedAt,
		})
	}
	return u
}

func toOAuthLinkRow(userID string, l OAuthLink) oauthLinkRow {
	return oauthLinkRow{
		ID:          newID(),
		UserID:      userID,
		Provider:    l.Provider,
		SubjectID:   l.SubjectID,
		Email:       l.Email,
		ConnectedAt: l.ConnectedAt,
		LastUsedAt:  l.LastUsedAt,
	}
}

// userUpdateColumns translates a UserUpdate into the column map gorm writes.
func userUpdateColumns(update UserUpdate, now time.Time) map[string]any {
	cols := map[string]any{"updated_at": now}
	if update.PasswordHash != nil {
		cols["password_hash"] = *update.PasswordHash
	}
	if update.IsActive != nil {
		cols["is_active"] = *update.IsActive
	}
	if update.TwoFactorEnabled != nil {
		cols["two_factor_enabled"] = *update.TwoFactorEnabled
	}
	if update.TwoFactorSecret != nil {
		cols["two_factor_secret"] = *update.TwoFactorSecret
	}
	if update.PendingTwoFactorSecret != nil {
		cols["pending_two_factor_secret"] = *update.PendingTwoFactorSecret
	}
	if update.LastTOTPCounter != nil {
		cols["last_totp_counter"] = *update.LastTOTPCounter
	}
	if update.FailedLoginAttempts != nil {
		cols["failed_login_attempts"] = *update.FailedLoginAttempts
	}
	if update.LastFailedLoginAt != nil {
		cols["last_failed_login_at"] = *update.LastFailedLoginAt
	}
	if update.ClearLockedUntil {
		cols["locked_until"] = nil
	} else if update.LockedUntil != nil {
		cols["locked_until"] = *update.LockedUntil
	}
	if update.LockoutCount != nil {
		cols["lockout_count"] = *update.LockoutCount
	}
	if update.LastLoginAt != nil {
		cols["last_login_at"] = *update.LastLoginAt
	}
	if update.Roles != nil {
		cols["roles"] = pq.StringArray(update.Roles)
	}
	return cols
}

func toLoginAttemptRow(a *LoginAttempt) loginAttemptRow {
	row := loginAttemptRow{
		ID:         a.ID,
		Identifier: a.Identifier,
		Outcome:    string(a.Outcome),
		Reason:     a.Reason,
		Method:     a.Method,
		IPAddress:  a.Source.IP,
		UserAgent:  a.Source.UserAgent,
		CreatedAt:  a.CreatedAt,
	}
	if a.UserID != "" {
		row.UserID = &a.UserID
	}
	return row
}

func toRefreshTokenRow(t *RefreshToken) refreshTokenRow {
	return refreshTokenRow{
		ID:         t.ID,
		UserID:     t.UserID,
		ChainID:    t.ChainID,
		ParentID:   optionalString(t.ParentID),
		SecretHash: t.SecretHash,
		IssuedAt:   t.IssuedAt,
		ExpiresAt:  t.ExpiresAt,
		RevokedAt:  t.RevokedAt,
		ReplacedBy: optionalString(t.ReplacedBy),
	}
}

func fromRefreshTokenRow(r *refreshTokenRow) *RefreshToken {
	t := &RefreshToken{
		ID:         r.ID,
		UserID:     r.UserID,
		ChainID:    r.ChainID,
		SecretHash: r.SecretHash,
		IssuedAt:   r.IssuedAt,
		ExpiresAt:  r.ExpiresAt,
		RevokedAt:  r.RevokedAt,
	}
	if r.ParentID != nil {
		t.ParentID = *r.ParentID
	}
	if r.ReplacedBy != nil {
		t.ReplacedBy = *r.ReplacedBy
	}
	return t
}

func toChallengeRow(c *Challenge) challengeRow {
	return challengeRow{
		ID:        c.ID,
		UserID:    c.UserID,
		Method:    c.Method,
		Attempts:  c.Attempts,
		Status:    string(c.Status),
		IPAddress: c.Source.IP,
		UserAgent: c.Source.UserAgent,
		CreatedAt: c.CreatedAt,
		ExpiresAt: c.ExpiresAt,
	}
}

func fromChallengeRow(r *challengeRow) *Challenge {
	return &Challenge{
		ID:        r.ID,
		UserID:    r.UserID,
		Method:    r.Method,
		Attempts:  r.Attempts,
		Status:    ChallengeStatus(r.Status),
		Source:    Source{IP: r.IPAddress, UserAgent: r.UserAgent},
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
