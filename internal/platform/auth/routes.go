package auth

import "github.com/medcare/medcare/internal/platform/hospital"

// LoginPath is where unauthenticated and unroutable requests land.
const LoginPath = "/login"

// roleRoutes maps each role to its landing page. Doctors and nurses share
// the clinical dashboard; students and employees share the patient portal.
var roleRoutes = map[string]string{
	hospital.RoleAdmin:      "/admin",
	hospital.RolePrincipal:  "/principal",
	hospital.RoleHOD:        "/hod",
	hospital.RoleDoctor:     "/dashboard",
	hospital.RoleNurse:      "/dashboard",
	hospital.RolePharmacist: "/pharmacist",
	hospital.RoleStudent:    "/patient",
	hospital.RoleEmployee:   "/patient",
}

// RouteForRole returns the landing page for a role. Unknown roles fall back
// to the login page rather than guessing at a destination.
func RouteForRole(role string) string {
	if path, ok := roleRoutes[role]; ok {
		return path
	}
	return LoginPath
}
