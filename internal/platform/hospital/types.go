package hospital

// User is the hospital API's user record as returned by the auth endpoints.
// user_type carries the role tag the gateway routes on; the remaining fields
// are role-specific and optional.
type User struct {
	ID          int64   `json:"id"`
	Username    string  `json:"username"`
	Email       string  `json:"email,omitempty"`
	FirstName   string  `json:"first_name,omitempty"`
	LastName    string  `json:"last_name,omitempty"`
	UserType    string  `json:"user_type"`
	Phone       string  `json:"phone,omitempty"`
	EmployeeID  *string `json:"employee_id,omitempty"`
	StudentID   *string `json:"student_id,omitempty"`
	Department  string  `json:"department,omitempty"`
	Designation string  `json:"designation,omitempty"`
	YearOfStudy string  `json:"year_of_study,omitempty"`
	Course      string  `json:"course,omitempty"`
	IsAvailable bool    `json:"is_available,omitempty"`
	IsApproved  bool    `json:"is_approved,omitempty"`
}

// Roles known to the hospital API.
const (
	RoleAdmin      = "admin"
	RolePrincipal  = "principal"
	RoleHOD        = "hod"
	RoleDoctor     = "doctor"
	RoleNurse      = "nurse"
	RolePharmacist = "pharmacist"
	RoleEmployee   = "employee"
	RoleStudent    = "student"
)

// Credentials is the login request payload.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterData is the registration payload for both the staff and the
// patient (student/employee) endpoints. The API validates which ID field is
// required for which user_type.
type RegisterData struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Email       string `json:"email,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	UserType    string `json:"user_type"`
	Phone       string `json:"phone,omitempty"`
	EmployeeID  string `json:"employee_id,omitempty"`
	StudentID   string `json:"student_id,omitempty"`
	Department  string `json:"department,omitempty"`
	Designation string `json:"designation,omitempty"`
	YearOfStudy string `json:"year_of_study,omitempty"`
	Course      string `json:"course,omitempty"`
}

// AuthResponse is the shape of successful login/registration responses.
// Token is empty when the account still needs admin approval (staff
// registration).
type AuthResponse struct {
	Token   string `json:"token"`
	User    User   `json:"user"`
	Message string `json:"message"`
}

// ChangePasswordRequest is the authenticated password change payload.
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}
