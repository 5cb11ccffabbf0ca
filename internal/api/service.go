package api

import (
	"context"

	"google.golang.org/grpc"
)

// IdentityServer is implemented by the identity service handler.
type IdentityServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Login(context.Context, *LoginRequest) (*LoginResponse, error)
	CompleteSecondFactor(context.Context, *CompleteSecondFactorRequest) (*LoginResponse, error)
	ProviderLogin(context.Context, *ProviderLoginRequest) (*LoginResponse, error)
	ProviderAuthURL(context.Context, *ProviderAuthURLRequest) (*ProviderAuthURLResponse, error)
	ProviderCallback(context.Context, *ProviderCallbackRequest) (*LoginResponse, error)
	Refresh(context.Context, *RefreshRequest) (*RefreshResponse, error)
	Logout(context.Context, *LogoutRequest) (*Empty, error)
	ValidateToken(context.Context, *ValidateTokenRequest) (*ValidateTokenResponse, error)

	Me(context.Context, *Empty) (*UserResponse, error)
	ChangePassword(context.Context, *ChangePasswordRequest) (*Empty, error)
	LogoutAll(context.Context, *Empty) (*LogoutAllResponse, error)
	Deactivate(context.Context, *Empty) (*Empty, error)
	EnrollTwoFactor(context.Context, *Empty) (*EnrollTwoFactorResponse, error)
	ConfirmTwoFactor(context.Context, *TwoFactorCodeRequest) (*Empty, error)
	DisableTwoFactor(context.Context, *TwoFactorCodeRequest) (*Empty, error)
	LinkProvider(context.Context, *LinkProviderRequest) (*Empty, error)
	UnlinkProvider(context.Context, *UnlinkProviderRequest) (*Empty, error)
}

func unary[Req, Resp any](name string, call func(IdentityServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + IdentityService + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(IdentityServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(IdentityServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// IdentityServiceDesc describes the identity service for grpc.Server.RegisterService.
var IdentityServiceDesc = grpc.ServiceDesc{
	ServiceName: IdentityService,
	HandlerType: (*IdentityServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Register", IdentityServer.Register),
		unary("Login", IdentityServer.Login),
		unary("CompleteSecondFactor", IdentityServer.CompleteSecondFactor),
		unary("ProviderLogin", IdentityServer.ProviderLogin),
		unary("ProviderAuthURL", IdentityServer.ProviderAuthURL),
		unary("ProviderCallback", IdentityServer.ProviderCallback),
		unary("Refresh", IdentityServer.Refresh),
		unary("Logout", IdentityServer.Logout),
		unary("ValidateToken", IdentityServer.ValidateToken),
		unary("Me", IdentityServer.Me),
		unary("ChangePassword", IdentityServer.ChangePassword),
		unary("LogoutAll", IdentityServer.LogoutAll),
		unary("Deactivate", IdentityServer.Deactivate),
		unary("EnrollTwoFactor", IdentityServer.EnrollTwoFactor),
		unary("ConfirmTwoFactor", IdentityServer.ConfirmTwoFactor),
		unary("DisableTwoFactor", IdentityServer.DisableTwoFactor),
		unary("LinkProvider", IdentityServer.LinkProvider),
		unary("UnlinkProvider", IdentityServer.UnlinkProvider),
	},
	Metadata: "modhub/identity/v1",
}

func RegisterIdentityServer(s grpc.ServiceRegistrar, srv IdentityServer) {
	s.RegisterService(&IdentityServiceDesc, srv)
}

// IdentityClient calls the identity service over a connection using the JSON codec.
type IdentityClient struct {
	cc grpc.ClientConnInterface
}

func NewIdentityClient(cc grpc.ClientConnInterface) *IdentityClient {
	return &IdentityClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *IdentityClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	return invoke[RegisterResponse](ctx, c.cc, IdentityRegister, in, opts)
}

func (c *IdentityClient) Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*LoginResponse, error) {
	return invoke[LoginResponse](ctx, c.cc, IdentityLogin, in, opts)
}

func (c *IdentityClient) CompleteSecondFactor(ctx context.Context, in *CompleteSecondFactorRequest, opts ...grpc.CallOption) (*LoginResponse, error) {
	return invoke[LoginResponse](ctx, c.cc, IdentityCompleteSecondFactor, in, opts)
}

func (c *IdentityClient) ProviderLogin(ctx context.Context, in *ProviderLoginRequest, opts ...grpc.CallOption) (*LoginResponse, error) {
	return invoke[LoginResponse](ctx, c.cc, IdentityProviderLogin, in, opts)
}

func (c *IdentityClient) ProviderAuthURL(ctx context.Context, in *ProviderAuthURLRequest, opts ...grpc.CallOption) (*ProviderAuthURLResponse, error) {
	return invoke[ProviderAuthURLResponse](ctx, c.cc, IdentityProviderAuthURL, in, opts)
}

func (c *IdentityClient) ProviderCallback(ctx context.Context, in *ProviderCallbackRequest, opts ...grpc.CallOption) (*LoginResponse, error) {
	return invoke[LoginResponse](ctx, c.cc, IdentityProviderCallback, in, opts)
}

func (c *IdentityClient) Refresh(ctx context.Context, in *RefreshRequest, opts ...grpc.CallOption) (*RefreshResponse, error) {
	return invoke[RefreshResponse](ctx, c.cc, IdentityRefresh, in, opts)
}

func (c *IdentityClient) Logout(ctx context.Context, in *LogoutRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, IdentityLogout, in, opts)
}

func (c *IdentityClient) ValidateToken(ctx context.Context, in *ValidateTokenRequest, opts ...grpc.CallOption) (*ValidateTokenResponse, error) {
	return invoke[ValidateTokenResponse](ctx, c.cc, IdentityValidateToken, in, opts)
}

func (c *IdentityClient) Me(ctx context.Context, opts ...grpc.CallOption) (*UserResponse, error) {
	return invoke[UserResponse](ctx, c.cc, IdentityMe, &Empty{}, opts)
}

func (c *IdentityClient) ChangePassword(ctx context.Context, in *ChangePasswordRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, IdentityChangePassword, in, opts)
}

func (c *IdentityClient) LogoutAll(ctx context.Context, opts ...grpc.CallOption) (*LogoutAllResponse, error) {
	return invoke[LogoutAllResponse](ctx, c.cc, IdentityLogoutAll, &Empty{}, opts)
}

func (c *IdentityClient) Deactivate(ctx context.Context, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, IdentityDeactivate, &Empty{}, opts)
}

func (c *IdentityClient) EnrollTwoFactor(ctx context.Context, opts ...grpc.CallOption) (*EnrollTwoFactorResponse, error) {
	return invoke[EnrollTwoFactorResponse](ctx, c.cc, IdentityEnrollTwoFactor, &Empty{}, opts)
}

func (c *IdentityClient) ConfirmTwoFactor(ctx context.Context, in *TwoFactorCodeRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, IdentityConfirmTwoFactor, in, opts)
}

func (c *IdentityClient) DisableTwoFactor(ctx context.Context, in *TwoFactorCodeRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, IdentityDisableTwoFactor, in, opts)
}

func (c *IdentityClient) LinkProvider(ctx context.Context, in *LinkProviderRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, IdentityLinkProvider, in, opts)
}

func (c *IdentityClient) UnlinkProvider(ctx context.Context, in *UnlinkProviderRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, IdentityUnlinkProvider, in, opts)
}
