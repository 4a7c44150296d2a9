package remote

import (
	"context"
	"net/http"

	"github.com/jwalitptl/carelink/internal/model"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
)

// profilePaths are tried in order by LookupProfile.
var profilePaths = []string{"/users/profile/", "/users/lookup/", "/caregivers/lookup/"}

type existsResponse struct {
	Exists bool `json:"exists"`
}

type connectedResponse struct {
	Connected bool `json:"connected"`
}

// RegisterRequest creates a minimal remote profile.
type RegisterRequest struct {
	model.Profile
	ForceCreate bool `json:"forceCreate"`
}

// CheckPatient asks whether an account exists for email.
func (c *Client) CheckPatient(ctx context.Context, email string) (bool, error) {
	var resp existsResponse
	if err := c.do(ctx, "check_patient", http.MethodGet, "/caregivers/check-patient/"+escape(model.NormalizeEmail(email)), nil, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

func (c *Client) VerifyConnection(ctx context.Context, caregiverID, email string) (bool, error) {
	var resp connectedResponse
	path := "/caregivers/verify-connection/" + escape(caregiverID) + "/" + escape(model.NormalizeEmail(email))
	if err := c.do(ctx, "verify_connection", http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Connected, nil
}

func (c *Client) Connect(ctx context.Context, caregiverID, patientEmail string) error {
	return c.do(ctx, "connect", http.MethodPost, "/caregivers/connect", model.ConnectPayload{
		CaregiverID:  caregiverID,
		PatientEmail: model.NormalizeEmail(patientEmail),
	}, nil)
}

func (c *Client) Disconnect(ctx context.Context, caregiverID, patientEmail string) error {
	return c.do(ctx, "disconnect", http.MethodPost, "/caregivers/disconnect", model.ConnectPayload{
		CaregiverID:  caregiverID,
		PatientEmail: model.NormalizeEmail(patientEmail),
	}, nil)
}

// LookupProfile tries each profile endpoint in turn. It returns NotFound only
// when every endpoint answered 404; a transient failure on any of them makes
// the whole lookup Unavailable.
func (c *Client) LookupProfile(ctx context.Context, email string) (*model.Profile, error) {
	email = model.NormalizeEmail(email)
	var transient error
	for _, path := range profilePaths {
		var p model.Profile
		err := c.do(ctx, "lookup_profile", http.MethodGet, path+escape(email), nil, &p)
		if err == nil {
			if p.Email == "" {
				p.Email = email
			}
			p = p.Normalized()
			return &p, nil
		}
		if apperrors.IsUnavailable(err) {
			transient = err
			continue
		}
		if !apperrors.IsNotFound(err) {
			c.logger.Debug("Profile lookup rejected", "path", path, "error", err.Error())
		}
	}
	if transient != nil {
		return nil, transient
	}
	return nil, apperrors.NotFound("profile "+email, nil)
}

// RegisterProfile posts profile with forceCreate so the server creates it
// even when the account is not fully signed up.
func (c *Client) RegisterProfile(ctx context.Context, profile model.Profile) error {
	return c.do(ctx, "register_profile", http.MethodPost, "/users/register/profile", RegisterRequest{
		Profile:     profile.Normalized(),
		ForceCreate: true,
	}, nil)
}
