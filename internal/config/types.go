package config

import "time"

type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        string `mapstructure:"port"`
	MetricsPort string `mapstructure:"metrics_port"`
}

type GRPCConfig struct {
	EnableReflection      bool `mapstructure:"enable_reflection"`
	MaxReceiveMessageSize int  `mapstructure:"max_receive_message_size"`
	MaxSendMessageSize    int  `mapstructure:"max_send_message_size"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	// StatementTimeout bounds every credential-store round trip.
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

type AuthConfig struct {
	JWTSecret            string        `mapstructure:"jwt_secret"`
	Issuer               string        `mapstructure:"issuer"`
	Audience             string        `mapstructure:"audience"`
	AccessTokenDuration  time.Duration `mapstructure:"access_token_duration"`
	RefreshTokenDuration time.Duration `mapstructure:"refresh_token_duration"`
	RefreshTokenEnabled  bool          `mapstructure:"refresh_token_enabled"`
	// ReplayRevokesAccount widens replay revocation from the rotation chain to every
	// refresh token the user holds.
	ReplayRevokesAccount bool     `mapstructure:"replay_revokes_account"`
	BcryptCost           int      `mapstructure:"bcrypt_cost"`
	DefaultRoles         []string `mapstructure:"default_roles"`
}

type BackoffPolicy string

const (
	BackoffFixed       BackoffPolicy = "fixed"
	BackoffExponential BackoffPolicy = "exponential"
)

type LockoutConfig struct {
	Threshold   int           `mapstructure:"threshold"`
	Window      time.Duration `mapstructure:"window"`
	Policy      BackoffPolicy `mapstructure:"policy"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

type TwoFactorConfig struct {
	Issuer string `mapstructure:"issuer"`
	// Period is the TOTP window size in seconds.
	Period uint `mapstructure:"period"`
	// Skew is the number of adjacent windows accepted on either side.
	Skew         uint          `mapstructure:"skew"`
	Digits       int           `mapstructure:"digits"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	ChallengeTTL time.Duration `mapstructure:"challenge_ttl"`
	// SecretKey is a base64 encoded 32 byte key used to seal TOTP secrets at rest.
	SecretKey string `mapstructure:"secret_key"`
}

type OAuthProviderConfig struct {
	Name         string   `mapstructure:"name"`
	IssuerURL    string   `mapstructure:"issuer_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`
}

type OAuthConfig struct {
	Providers []OAuthProviderConfig `mapstructure:"providers"`
}

type EventsConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Concurrency  int           `mapstructure:"concurrency"`
	RetryBase    time.Duration `mapstructure:"retry_base"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Burst    int           `mapstructure:"burst"`
	MaxPeers int           `mapstructure:"max_peers"`
}

// RetentionConfig controls the periodic purge of records that no longer serve sign-in.
// A zero retention keeps that kind of record forever.
type RetentionConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// ExpiredTokens is how long expired refresh tokens stay for audit.
	ExpiredTokens   time.Duration `mapstructure:"expired_tokens"`
	Challenges      time.Duration `mapstructure:"challenges"`
	LoginAttempts   time.Duration `mapstructure:"login_attempts"`
	DeliveredEvents time.Duration `mapstructure:"delivered_events"`
}

type ObservabilityConfig struct {
	SentryDSN string `mapstructure:"sentry_dsn"`
}

type AppConfig struct {
	Server        ServerConfig        `mapstructure:"server"`
	GRPC          GRPCConfig          `mapstructure:"grpc"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Lockout       LockoutConfig       `mapstructure:"lockout"`
	TwoFactor     TwoFactorConfig     `mapstructure:"two_factor"`
	OAuth         OAuthConfig         `mapstructure:"oauth"`
	Events        EventsConfig        `mapstructure:"events"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Retention     RetentionConfig     `mapstructure:"retention"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}
