// Package permission contains permission keys, the permission set type and
// the priority table used to pick a landing route.
package permission

import (
	"encoding/json"
	"sort"
)

// Known permission keys.
const (
	EmailList      = "email_list"
	SendEmail      = "send_email"
	BulkSend       = "bulk_send"
	UserManagement = "user_management"
	RoleManagement = "role_management"
	FAQ            = "faq"
)

// Role identifiers returned by the backend.
const (
	RoleSuperAdmin      = 0
	RoleUser            = 1
	RoleRestrictedAdmin = 2
)

// IsSuperAdmin reports whether roleID is the super-admin role.
// A nil role is never super-admin.
func IsSuperAdmin(roleID *int) bool {
	return roleID != nil && *roleID == RoleSuperAdmin
}

// Set is an unordered set of permission keys.
type Set map[string]struct{}

// NewSet builds a Set from keys.
func NewSet(keys ...string) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		if k != "" {
			s[k] = struct{}{}
		}
	}
	return s
}

// Has reports whether key is in the set. A nil set has no members.
func (s Set) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Keys returns the members in ascending order.
func (s Set) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Keys())
}

// UnmarshalJSON decodes an array of keys.
func (s *Set) UnmarshalJSON(data []byte) error {
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	*s = NewSet(keys...)
	return nil
}
