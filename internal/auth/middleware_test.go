package auth

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func TestAuthMiddleware_AuthenticationMiddleware(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "bearer")
	token, _, err := env.tokens.IssueAccessToken(user, "chain-1")
	require.NoError(t, err)

	middleware := NewAuthMiddleware(env.tokens)

	tests := []struct {
		name    string
		ctx     context.Context
		advance time.Duration
		wantMsg string
	}{
		{
			name: "bearer token",
			ctx:  metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token)),
		},
		{
			name: "bare token",
			ctx:  metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", token)),
		},
		{
			name:    "no metadata",
			ctx:     context.Background(),
			wantMsg: "missing metadata",
		},
		{
			name:    "no authorization header",
			ctx:     metadata.NewIncomingContext(context.Background(), metadata.Pairs("user-agent", "x")),
			wantMsg: "missing token",
		},
		{
			name:    "other scheme",
			ctx:     metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic dXNlcjpwYXNz")),
			wantMsg: "missing token",
		},
		{
			name:    "invalid token",
			ctx:     metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer nope")),
			wantMsg: "invalid token",
		},
		{
			name:    "expired token",
			ctx:     metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token)),
			advance: 16 * time.Minute,
			wantMsg: "token expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.clock.Advance(tt.advance)

			ctx, err := middleware.AuthenticationMiddleware(tt.ctx)
			if tt.wantMsg != "" {
				st, ok := status.FromError(err)
				require.True(t, ok)
				assert.Equal(t, codes.Unauthenticated, st.Code())
				assert.Equal(t, tt.wantMsg, st.Message())
				return
			}

			require.NoError(t, err)
			userID, err := GetUserFromContext(ctx)
			require.NoError(t, err)
			assert.Equal(t, user.ID, userID)

			claims, err := ClaimsFromContext(ctx)
			require.NoError(t, err)
			assert.Equal(t, "chain-1", claims.SessionID)
		})
	}
}

func TestGetUserFromContext_Missing(t *testing.T) {
	_, err := GetUserFromContext(context.Background())
	assert.Error(t, err)
}

func TestPeerHost(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{name: "no peer", ctx: context.Background(), want: ""},
		{
			name: "tcp peer",
			ctx:  peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("198.51.100.4"), Port: 5555}}),
			want: "198.51.100.4",
		},
		{
			name: "unix peer",
			ctx:  peer.NewContext(context.Background(), &peer.Peer{Addr: &net.UnixAddr{Name: "/tmp/identity.sock", Net: "unix"}}),
			want: "/tmp/identity.sock",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PeerHost(tt.ctx))
		})
	}
}
