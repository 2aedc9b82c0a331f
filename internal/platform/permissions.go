package platform

import (
	"fmt"
	"strings"

	"possum/internal/location"
)

// Permission policies.
const (
	PolicyAuto    = "auto"
	PolicyGranted = "granted"
	PolicyDenied  = "denied"
)

// Permissions is the permission oracle of the host. Under the auto
// policy fine location is granted when the GPS device can be read by
// this process.
type Permissions struct {
	policy string
	device string
	access func(path string) error
}

var _ location.Permissions = (*Permissions)(nil)

// NewPermissions creates an oracle for policy, checking device under the
// auto policy.
func NewPermissions(policy, device string) (*Permissions, error) {
	policy = strings.ToLower(strings.TrimSpace(policy))
	if policy == "" {
		policy = PolicyAuto
	}
	switch policy {
	case PolicyAuto, PolicyGranted, PolicyDenied:
	default:
		return nil, fmt.Errorf("platform: unknown permission policy %q", policy)
	}
	return &Permissions{policy: policy, device: device, access: readable}, nil
}

// CheckPermission reports whether name is granted. Only fine location is
// known.
func (p *Permissions) CheckPermission(name string) bool {
	if name != location.FineLocation {
		return false
	}
	switch p.policy {
	case PolicyGranted:
		return true
	case PolicyDenied:
		return false
	}
	if p.device == "" {
		return false
	}
	return p.access(p.device) == nil
}
