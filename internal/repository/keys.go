package repository

import (
	"strings"

	"github.com/jwalitptl/carelink/internal/model"
)

// Slot is a local profile cache slot. The order of the constants is the
// reconciliation priority among local slots.
type Slot int

const (
	// SlotSelf holds what the subject set about themselves.
	SlotSelf Slot = iota + 1
	// SlotDirect holds cross-device data seeded by earlier reconciliations.
	SlotDirect
	// SlotSynced holds data last synced from the server.
	SlotSynced
	// SlotFormatted is the generic per-email display copy.
	SlotFormatted
)

// ProfileSlots lists every local profile slot in priority order.
var ProfileSlots = []Slot{SlotSelf, SlotDirect, SlotSynced, SlotFormatted}

func (s Slot) prefix() string {
	switch s {
	case SlotSelf:
		return "userData_"
	case SlotDirect:
		return "directPatientData_"
	case SlotSynced:
		return "syncedUserData_"
	case SlotFormatted:
		return "formattedProfile_"
	}
	return "profile_"
}

func (s Slot) String() string {
	return strings.TrimSuffix(s.prefix(), "_")
}

// Key families. Every key the engine reads or writes is built here.
const (
	CaregiverPatientsMapKey  = "caregiverPatientsMap"
	LastDirectSyncTimeKey    = "lastDirectSyncTime"
	BlockAutoReactivationKey = "blockAutoReactivation"
	PendingOpsKey            = "pendingSyncOps"
	LastPendingDrainKey      = "lastPendingDrain"

	connectedPatientsPrefix       = "connectedPatients_"
	activePatientPrefix           = "activePatient_"
	lastPatientLoadPrefix         = "lastPatientLoad_"
	lastFocusPatientLoadPrefix    = "lastFocusPatientLoad_"
	lastPatientVerificationPrefix = "lastPatientVerification_"
)

func ProfileKey(slot Slot, email string) string {
	return slot.prefix() + model.NormalizeEmail(email)
}

func ConnectedPatientsKey(caregiverEmail string) string {
	return connectedPatientsPrefix + model.NormalizeEmail(caregiverEmail)
}

func ActivePatientKey(caregiverEmail string) string {
	return activePatientPrefix + model.NormalizeEmail(caregiverEmail)
}

func LastPatientLoadKey(caregiverEmail string) string {
	return lastPatientLoadPrefix + model.NormalizeEmail(caregiverEmail)
}

func LastFocusPatientLoadKey(caregiverEmail string) string {
	return lastFocusPatientLoadPrefix + model.NormalizeEmail(caregiverEmail)
}

func LastPatientVerificationKey(patientEmail string) string {
	return lastPatientVerificationPrefix + model.NormalizeEmail(patientEmail)
}

// IsProfileCandidateKey reports whether a key may hold a bare profile and
// therefore takes part in the exhaustive scan.
func IsProfileCandidateKey(key string) bool {
	for _, p := range []string{
		connectedPatientsPrefix,
		activePatientPrefix,
		lastPatientLoadPrefix,
		lastFocusPatientLoadPrefix,
		lastPatientVerificationPrefix,
	} {
		if strings.HasPrefix(key, p) {
			return false
		}
	}
	switch key {
	case CaregiverPatientsMapKey, LastDirectSyncTimeKey, BlockAutoReactivationKey, PendingOpsKey, LastPendingDrainKey:
		return false
	}
	return true
}
