package models

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Identity is the authenticated caller as issued by the auth layer.
type Identity struct {
	ID   string
	Role Role
}

func (i Identity) IsStaff() bool {
	return i.Role == RoleDoctor || i.Role == RoleAdmin
}
