package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Account lifecycle events announced to the other marketplace services.
const (
	UserRegistered      = "auth.user_registered"
	LoginSucceeded      = "auth.login_succeeded"
	AccountLocked       = "auth.account_locked"
	RefreshChainRevoked = "auth.refresh_chain_revoked"
	SessionsRevoked     = "auth.sessions_revoked"
	PasswordChanged     = "auth.password_changed"
	UserDeactivated     = "auth.user_deactivated"
	TwoFactorEnabled    = "auth.two_factor_enabled"
	TwoFactorDisabled   = "auth.two_factor_disabled"
	ProviderLinked      = "auth.provider_linked"
	ProviderUnlinked    = "auth.provider_unlinked"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

type Event struct {
	ID            string
	Name          string
	Payload       string
	DedupeKey     string
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	DeliveredAt   *time.Time
}

// NewEvent builds a pending outbox event. Payload values must be JSON compatible
// (strings, numbers, bools, nested maps and slices of those).
func NewEvent(name, dedupeKey string, payload map[string]any, now time.Time) (Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Event{}, fmt.Errorf("generate event id: %w", err)
	}

	body, err := EncodePayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", name, err)
	}

	if dedupeKey == "" {
		dedupeKey = name + ":" + id.String()
	}

	return Event{
		ID:            id.String(),
		Name:          name,
		Payload:       body,
		DedupeKey:     dedupeKey,
		Status:        StatusPending,
		NextAttemptAt: now.UTC(),
		CreatedAt:     now.UTC(),
	}, nil
}

func EncodePayload(payload map[string]any) (string, error) {
	s, err := structpb.NewStruct(payload)
	if err != nil {
		return "", err
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodePayload(body string) (map[string]any, error) {
	var s structpb.Struct
	if err := protojson.Unmarshal([]byte(body), &s); err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}
