package model

type Role string

const (
	RoleCaregiver Role = "caregiver"
	RolePatient   Role = "patient"
)

// Identity is the signed-in user as supplied by the session provider.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email" validate:"required,email"`
	Role  Role   `json:"role"`
}
