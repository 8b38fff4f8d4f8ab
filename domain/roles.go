package domain

// Standard roles carried on the identity's role claim.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Landing destinations after a fully trusted login.
const (
	AdminLandingPath = "/admin"
	UserLandingPath  = "/dashboard"
)

// LandingPath maps a role claim to the post-login destination. Unknown or
// absent roles get the non-privileged destination.
func LandingPath(role string) string {
	if role == RoleAdmin {
		return AdminLandingPath
	}
	return UserLandingPath
}
