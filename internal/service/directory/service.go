// Package directory is the in-memory account and connection store behind the
// development server of record.
package directory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/carelink/internal/model"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
)

type DirectoryService interface {
	Upsert(ctx context.Context, account Account) (Account, error)
	Get(ctx context.Context, email string) (Account, error)
	Delete(ctx context.Context, email string) error
	Register(ctx context.Context, profile model.Profile, force bool) (model.Profile, bool, error)
	Connect(ctx context.Context, caregiverID, patientEmail string) error
	Disconnect(ctx context.Context, caregiverID, patientEmail string) error
	Connected(ctx context.Context, caregiverID, patientEmail string) bool
	Patients(ctx context.Context, caregiverID string) []string
}

type Account struct {
	Profile model.Profile `json:"profile"`
	Role    model.Role    `json:"role"`
}

type Service struct {
	mu       sync.RWMutex
	accounts map[string]Account
	// links maps a caregiver ID to patient emails in connection order.
	links map[string][]string
	now   func() time.Time
}

func NewService() *Service {
	return &Service{
		accounts: make(map[string]Account),
		links:    make(map[string][]string),
		now:      time.Now,
	}
}

// Upsert creates or replaces an account. A missing ID or LastUpdate is
// filled in.
func (s *Service) Upsert(_ context.Context, account Account) (Account, error) {
	p := account.Profile.Normalized()
	if p.Email == "" {
		return Account{}, apperrors.BadRequest("email is required", nil)
	}
	if account.Role == "" {
		account.Role = model.RolePatient
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		if existing, ok := s.accounts[p.Email]; ok {
			p.ID = existing.Profile.ID
		} else {
			p.ID = uuid.New().String()
		}
	}
	if p.LastUpdate.IsZero() {
		p.LastUpdate = s.now().UTC()
	}
	p.Stale = false
	account.Profile = p
	s.accounts[p.Email] = account
	return account, nil
}

func (s *Service) Get(_ context.Context, email string) (Account, error) {
	email = model.NormalizeEmail(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[email]
	if !ok {
		return Account{}, apperrors.NotFound("account "+email, nil)
	}
	return a, nil
}

// Delete removes the account and every connection it takes part in.
func (s *Service) Delete(_ context.Context, email string) error {
	email = model.NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[email]
	if !ok {
		return apperrors.NotFound("account "+email, nil)
	}
	delete(s.accounts, email)
	delete(s.links, a.Profile.ID)
	for id, patients := range s.links {
		s.links[id] = slices.DeleteFunc(patients, func(p string) bool { return p == email })
	}
	return nil
}

// Register creates a profile from a client. Without force an existing
// account is left alone; with force it is replaced when the incoming copy
// is newer. The bool reports whether a new account was created.
func (s *Service) Register(ctx context.Context, profile model.Profile, force bool) (model.Profile, bool, error) {
	profile = profile.Normalized()
	if profile.Email == "" {
		return model.Profile{}, false, apperrors.BadRequest("email is required", nil)
	}

	s.mu.RLock()
	existing, exists := s.accounts[profile.Email]
	s.mu.RUnlock()

	if exists {
		if !force || !profile.LastUpdate.After(existing.Profile.LastUpdate) {
			return existing.Profile, false, nil
		}
		profile.ID = existing.Profile.ID
		profile.FillFrom(&existing.Profile)
		a, err := s.Upsert(ctx, Account{Profile: profile, Role: existing.Role})
		return a.Profile, false, err
	}
	a, err := s.Upsert(ctx, Account{Profile: profile, Role: model.RolePatient})
	return a.Profile, true, err
}

func (s *Service) Connect(_ context.Context, caregiverID, patientEmail string) error {
	patientEmail = model.NormalizeEmail(patientEmail)
	if caregiverID == "" {
		return apperrors.BadRequest("caregiverId is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[patientEmail]; !ok {
		return apperrors.NotFound("patient "+patientEmail, nil)
	}
	if !slices.Contains(s.links[caregiverID], patientEmail) {
		s.links[caregiverID] = append(s.links[caregiverID], patientEmail)
	}
	return nil
}

func (s *Service) Disconnect(_ context.Context, caregiverID, patientEmail string) error {
	patientEmail = model.NormalizeEmail(patientEmail)
	s.mu.Lock()
	defer s.mu.Unlock()
	patients := s.links[caregiverID]
	i := slices.Index(patients, patientEmail)
	if i < 0 {
		return apperrors.NotFound("connection to "+patientEmail, nil)
	}
	s.links[caregiverID] = slices.Delete(patients, i, i+1)
	return nil
}

func (s *Service) Connected(_ context.Context, caregiverID, patientEmail string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.links[caregiverID], model.NormalizeEmail(patientEmail))
}

func (s *Service) Patients(_ context.Context, caregiverID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.links[caregiverID])
}
