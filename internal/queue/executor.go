package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jwalitptl/carelink/internal/model"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
)

// Remote is the part of the remote client pending operations replay against.
type Remote interface {
	Connect(ctx context.Context, caregiverID, patientEmail string) error
	Disconnect(ctx context.Context, caregiverID, patientEmail string) error
	RegisterProfile(ctx context.Context, profile model.Profile) error
}

// RemoteExecutor dispatches pending operations by kind.
type RemoteExecutor struct {
	remote Remote
}

func NewRemoteExecutor(remote Remote) *RemoteExecutor {
	return &RemoteExecutor{remote: remote}
}

func (e *RemoteExecutor) Execute(ctx context.Context, op *model.PendingOp) error {
	switch op.Kind {
	case model.OpShareProfile:
		var p model.Profile
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return apperrors.BadRequest("malformed share_profile payload", err)
		}
		return e.remote.RegisterProfile(ctx, p)
	case model.OpConnect, model.OpDisconnect:
		var payload model.ConnectPayload
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			return apperrors.BadRequest(fmt.Sprintf("malformed %s payload", op.Kind), err)
		}
		if op.Kind == model.OpConnect {
			return e.remote.Connect(ctx, payload.CaregiverID, payload.PatientEmail)
		}
		return e.remote.Disconnect(ctx, payload.CaregiverID, payload.PatientEmail)
	}
	return apperrors.BadRequest(fmt.Sprintf("unknown pending operation kind %q", op.Kind), nil)
}
