package service

// Roles recognised at the API boundary.
const (
	RoleStudent = "student"
	RoleFaculty = "faculty"
	RoleAdmin   = "admin"
)

// Actor is the authenticated caller of a service operation.
type Actor struct {
	ID            uint
	Role          string
	Department    string
	CorrelationID string
}

// IsAdmin reports whether the actor holds the administrative role.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// SystemActor is used for background work such as the SLA monitor.
func SystemActor() Actor {
	return Actor{Role: "system"}
}
