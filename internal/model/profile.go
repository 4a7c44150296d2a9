package model

import (
	"strings"
	"time"
)

// PlaceholderName is the display name of a synthesized profile.
const PlaceholderName = "Unknown User"

// NormalizeEmail is the only way an email becomes an identity key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MedicalInfo carries the patient's medical fields as entered on the
// profile screens.
type MedicalInfo struct {
	Conditions  string `json:"conditions,omitempty"`
	Medications string `json:"medications,omitempty"`
	Allergies   string `json:"allergies,omitempty"`
	BloodType   string `json:"bloodType,omitempty"`
}

func (m MedicalInfo) IsEmpty() bool {
	return m == MedicalInfo{}
}

// Profile describes a caregiver or a patient. Email is the identity; ID may
// have been generated on another device and is not trusted across devices.
type Profile struct {
	ID           string      `json:"id"`
	Email        string      `json:"email" validate:"required,email"`
	Name         string      `json:"name"`
	ProfileImage string      `json:"profileImage,omitempty"`
	Phone        string      `json:"phone,omitempty"`
	MedicalInfo  MedicalInfo `json:"medicalInfo"`
	LastUpdate   time.Time   `json:"lastUpdate"`
	// Stale is set once the server confirmed the account no longer exists.
	Stale bool `json:"stale,omitempty"`
}

// HasUsableName reports whether the profile can win a reconciliation.
func (p *Profile) HasUsableName() bool {
	if p == nil {
		return false
	}
	name := strings.TrimSpace(p.Name)
	return name != "" && name != PlaceholderName && !strings.EqualFold(name, p.Email)
}

// IsPlaceholder reports whether the profile was synthesized locally.
func (p *Profile) IsPlaceholder() bool {
	return p != nil && strings.TrimSpace(p.Name) == PlaceholderName
}

// FillFrom copies optional fields that p lacks from other, and the ID when
// p has none. Name and email are never touched.
func (p *Profile) FillFrom(other *Profile) {
	if other == nil {
		return
	}
	if p.ProfileImage == "" {
		p.ProfileImage = other.ProfileImage
	}
	if p.Phone == "" {
		p.Phone = other.Phone
	}
	if p.MedicalInfo.IsEmpty() {
		p.MedicalInfo = other.MedicalInfo
	}
	if p.ID == "" {
		p.ID = other.ID
	}
}

// Normalized returns a copy whose email is normalized and whose timestamp is
// in UTC, so two encodings of one profile are byte-identical.
func (p Profile) Normalized() Profile {
	p.Email = NormalizeEmail(p.Email)
	p.Name = strings.TrimSpace(p.Name)
	if !p.LastUpdate.IsZero() {
		p.LastUpdate = p.LastUpdate.UTC()
	}
	return p
}
