package camera

import (
	"strings"
)

// Role is the position of a camera on the device
type Role string

const (
	RoleFront   Role = "front"
	RoleBack    Role = "back"
	RoleUnknown Role = "unknown"
)

// ParseRole parses a role name, returning RoleUnknown for anything else
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleFront:
		return RoleFront
	case RoleBack:
		return RoleBack
	default:
		return RoleUnknown
	}
}

// RolePolicy controls how roles are assigned to enumerated devices
type RolePolicy struct {
	// FrontID and BackID pin roles to device IDs, overriding label inference
	FrontID string
	BackID  string

	// RequirePair fills a missing role from the remaining devices when only
	// one label keyword matched
	RequirePair bool
}

// Assignment maps roles to device IDs. Empty means unset.
type Assignment struct {
	Front string `json:"front,omitempty"`
	Back  string `json:"back,omitempty"`
}

// For returns the device ID assigned to a role
func (a Assignment) For(role Role) string {
	switch role {
	case RoleFront:
		return a.Front
	case RoleBack:
		return a.Back
	default:
		return ""
	}
}

// ClassifyRoles infers front/back roles for video devices, in enumeration order.
//
// Labels are scanned case-insensitively for "front" and "back". When no label
// matches, the first device becomes front and back stays unset.
func ClassifyRoles(infos []DeviceInfo, policy RolePolicy) ([]Device, Assignment) {
	var a Assignment

	exists := func(id string) bool {
		for _, d := range infos {
			if d.ID == id {
				return true
			}
		}
		return false
	}
	if policy.FrontID != "" && exists(policy.FrontID) {
		a.Front = policy.FrontID
	}
	if policy.BackID != "" && exists(policy.BackID) && policy.BackID != a.Front {
		a.Back = policy.BackID
	}

	keyword := func(word, skip string) string {
		for _, d := range infos {
			if d.ID != skip && strings.Contains(strings.ToLower(d.Label), word) {
				return d.ID
			}
		}
		return ""
	}

	inferred := false
	if a.Front == "" {
		if id := keyword("front", a.Back); id != "" {
			a.Front = id
			inferred = true
		}
	}
	if a.Back == "" {
		if id := keyword("back", a.Front); id != "" {
			a.Back = id
			inferred = true
		}
	}

	switch {
	case a.Front == "" && a.Back == "" && len(infos) > 0:
		a.Front = infos[0].ID
	case inferred && policy.RequirePair && (a.Front == "" || a.Back == ""):
		for _, d := range infos {
			if d.ID == a.Front || d.ID == a.Back {
				continue
			}
			if a.Front == "" {
				a.Front = d.ID
			} else {
				a.Back = d.ID
			}
			break
		}
	}

	devices := make([]Device, len(infos))
	for i, d := range infos {
		role := RoleUnknown
		switch d.ID {
		case a.Front:
			role = RoleFront
		case a.Back:
			role = RoleBack
		}
		devices[i] = Device{ID: d.ID, Label: d.Label, Role: role}
	}
	return devices, a
}
