package model

import "time"

// ActivePointer is the persisted form of a caregiver's active patient.
type ActivePointer struct {
	Profile Profile   `json:"profile"`
	SetAt   time.Time `json:"setAt"`
}

// Email returns the normalized email of the pointed-to patient.
func (a *ActivePointer) Email() string {
	if a == nil {
		return ""
	}
	return NormalizeEmail(a.Profile.Email)
}
