package link

import (
	"context"

	"github.com/jwalitptl/carelink/internal/model"
)

// VerifyPatientExists asks the server whether an account exists. Anything
// short of an explicit answer is Unknown.
func (r *Registry) VerifyPatientExists(ctx context.Context, email string) model.Verdict {
	v := model.Unknown
	if r.prober.IsReachable(ctx) {
		exists, err := r.server.CheckPatient(ctx, model.NormalizeEmail(email))
		if err == nil {
			v = model.VerdictOf(exists)
		} else {
			r.logger.Debug("Patient existence check inconclusive", "patient", email, "error", err.Error())
		}
	}
	r.observe("exists", v)
	return v
}

// VerifyConnection asks the server whether the caregiver is still linked to
// the patient. Anything short of an explicit answer is Unknown.
func (r *Registry) VerifyConnection(ctx context.Context, caregiverID, email string) model.Verdict {
	v := model.Unknown
	if r.prober.IsReachable(ctx) {
		connected, err := r.server.VerifyConnection(ctx, caregiverID, model.NormalizeEmail(email))
		if err == nil {
			v = model.VerdictOf(connected)
		} else {
			r.logger.Debug("Connection check inconclusive", "patient", email, "error", err.Error())
		}
	}
	r.observe("connection", v)
	return v
}

func (r *Registry) observe(check string, v model.Verdict) {
	if r.metrics != nil {
		r.metrics.VerifyTotal.WithLabelValues(check, v.String()).Inc()
	}
}
