package model

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
)

const caregiverKeyPrefix = "caregiver_"

// LinkMap is the caregiverPatientsMap object. It is stored as one flat JSON
// object holding both directions:
//
//	{"p@x.com": "c@x.com", "caregiver_c@x.com": ["p@x.com", ...]}
type LinkMap struct {
	PatientCaregiver  map[string]string
	CaregiverPatients map[string][]string
}

func NewLinkMap() *LinkMap {
	return &LinkMap{
		PatientCaregiver:  map[string]string{},
		CaregiverPatients: map[string][]string{},
	}
}

// Patients returns the caregiver's patients in insertion order.
func (m *LinkMap) Patients(caregiver string) []string {
	out := make([]string, len(m.CaregiverPatients[caregiver]))
	copy(out, m.CaregiverPatients[caregiver])
	return out
}

func (m *LinkMap) Has(caregiver, patient string) bool {
	for _, p := range m.CaregiverPatients[caregiver] {
		if p == patient {
			return true
		}
	}
	return false
}

// Link records caregiver -> patient and the inverse. The inverse is last
// writer wins. Returns false when the link already existed.
func (m *LinkMap) Link(caregiver, patient string) bool {
	m.PatientCaregiver[patient] = caregiver
	if m.Has(caregiver, patient) {
		return false
	}
	m.CaregiverPatients[caregiver] = append(m.CaregiverPatients[caregiver], patient)
	return true
}

// Unlink removes caregiver -> patient. The inverse entry is dropped only if
// it still names this caregiver.
func (m *LinkMap) Unlink(caregiver, patient string) bool {
	list := m.CaregiverPatients[caregiver]
	removed := false
	kept := list[:0:0]
	for _, p := range list {
		if p == patient {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		delete(m.CaregiverPatients, caregiver)
	} else {
		m.CaregiverPatients[caregiver] = kept
	}
	if m.PatientCaregiver[patient] == caregiver {
		delete(m.PatientCaregiver, patient)
	}
	return removed
}

func (m *LinkMap) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(m.PatientCaregiver)+len(m.CaregiverPatients))
	for p, c := range m.PatientCaregiver {
		flat[p] = c
	}
	for c, ps := range m.CaregiverPatients {
		flat[caregiverKeyPrefix+c] = ps
	}
	return json.Marshal(flat)
}

func (m *LinkMap) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	out := NewLinkMap()
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw := flat[k]
		if strings.HasPrefix(k, caregiverKeyPrefix) {
			var patients []string
			if err := json.Unmarshal(raw, &patients); err != nil {
				return err
			}
			caregiver := NormalizeEmail(strings.TrimPrefix(k, caregiverKeyPrefix))
			for _, p := range patients {
				p = NormalizeEmail(p)
				if p != "" && !out.Has(caregiver, p) {
					out.CaregiverPatients[caregiver] = append(out.CaregiverPatients[caregiver], p)
				}
			}
			continue
		}
		var caregiver string
		if err := json.Unmarshal(raw, &caregiver); err != nil {
			return err
		}
		out.PatientCaregiver[NormalizeEmail(k)] = NormalizeEmail(caregiver)
	}
	*m = *out
	return nil
}

// ReplaceSnapshot swaps the entry of list whose email matches p. It reports
// whether the list changed; a missing entry is not added.
func ReplaceSnapshot(list []Profile, p Profile) ([]Profile, bool) {
	email := NormalizeEmail(p.Email)
	for i := range list {
		if NormalizeEmail(list[i].Email) != email {
			continue
		}
		if reflect.DeepEqual(list[i].Normalized(), p.Normalized()) {
			return list, false
		}
		out := make([]Profile, len(list))
		copy(out, list)
		out[i] = p.Normalized()
		return out, true
	}
	return list, false
}
