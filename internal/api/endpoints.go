package api

// Identity service endpoints
const (
	// Service name
	IdentityService = "modhub.identity.v1.Identity"

	// Sign-in and session endpoints
	IdentityRegister             = "/modhub.identity.v1.Identity/Register"
	IdentityLogin                = "/modhub.identity.v1.Identity/Login"
	IdentityCompleteSecondFactor = "/modhub.identity.v1.Identity/CompleteSecondFactor"
	IdentityProviderLogin        = "/modhub.identity.v1.Identity/ProviderLogin"
	IdentityProviderAuthURL      = "/modhub.identity.v1.Identity/ProviderAuthURL"
	IdentityProviderCallback     = "/modhub.identity.v1.Identity/ProviderCallback"
	IdentityRefresh              = "/modhub.identity.v1.Identity/Refresh"
	IdentityLogout               = "/modhub.identity.v1.Identity/Logout"
	IdentityValidateToken        = "/modhub.identity.v1.Identity/ValidateToken"

	// Account endpoints
	IdentityMe               = "/modhub.identity.v1.Identity/Me"
	IdentityChangePassword   = "/modhub.identity.v1.Identity/ChangePassword"
	IdentityLogoutAll        = "/modhub.identity.v1.Identity/LogoutAll"
	IdentityDeactivate       = "/modhub.identity.v1.Identity/Deactivate"
	IdentityEnrollTwoFactor  = "/modhub.identity.v1.Identity/EnrollTwoFactor"
	IdentityConfirmTwoFactor = "/modhub.identity.v1.Identity/ConfirmTwoFactor"
	IdentityDisableTwoFactor = "/modhub.identity.v1.Identity/DisableTwoFactor"
	IdentityLinkProvider     = "/modhub.identity.v1.Identity/LinkProvider"
	IdentityUnlinkProvider   = "/modhub.identity.v1.Identity/UnlinkProvider"
)

// PublicEndpoints defines endpoints that don't require authentication
var PublicEndpoints = map[string]bool{
	IdentityRegister:             true,
	IdentityLogin:                true,
	IdentityCompleteSecondFactor: true,
	IdentityProviderLogin:        true,
	IdentityProviderAuthURL:      true,
	IdentityProviderCallback:     true,
	IdentityRefresh:              true,
	IdentityLogout:               true,
	IdentityValidateToken:        true,
}

// ThrottledEndpoints are rate limited per peer address.
var ThrottledEndpoints = map[string]bool{
	IdentityRegister:             true,
	IdentityLogin:                true,
	IdentityCompleteSecondFactor: true,
	IdentityProviderLogin:        true,
	IdentityProviderCallback:     true,
	IdentityRefresh:              true,
}
