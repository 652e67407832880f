package session

import (
	"encoding/json"
	"fmt"

	"github.com/Mailria/mailria/internal/domain/permission"
	"github.com/Mailria/mailria/internal/domain/storage"
)

// snapshotVersion is written into every envelope.
const snapshotVersion = 0

// envelope is the durable representation under StorageKey:
//
//	{"state":{"token":..,"refreshToken":..,...},"version":0}
//
// Other components parse this shape directly, so it must not change.
type envelope struct {
	State   storedState `json:"state"`
	Version int         `json:"version"`
}

type storedState struct {
	Token        *string        `json:"token"`
	RefreshToken *string        `json:"refreshToken"`
	Email        string         `json:"email,omitempty"`
	RoleID       *int           `json:"roleId"`
	Permissions  permission.Set `json:"permissions"`
	RememberMe   bool           `json:"rememberMe"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// EncodeSnapshot renders s in the durable envelope format.
func EncodeSnapshot(s Session) (string, error) {
	env := envelope{
		State: storedState{
			Token:        optional(s.AccessToken),
			RefreshToken: optional(s.RefreshToken),
			Email:        s.Email,
			RoleID:       s.RoleID,
			Permissions:  s.Permissions,
			RememberMe:   s.RememberMe,
		},
		Version: snapshotVersion,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode session snapshot: %w", err)
	}
	return string(data), nil
}

// DecodeSnapshot parses a durable envelope.
func DecodeSnapshot(raw string) (Session, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Session{}, fmt.Errorf("decode session snapshot: %w", err)
	}
	st := env.State
	return Session{
		AccessToken:  deref(st.Token),
		RefreshToken: deref(st.RefreshToken),
		Email:        st.Email,
		RoleID:       st.RoleID,
		Permissions:  st.Permissions,
		RememberMe:   st.RememberMe,
	}, nil
}

// ReadSnapshot loads the snapshot from kv. The boolean is false when no
// snapshot is stored.
func ReadSnapshot(kv storage.KeyValue) (Session, bool, error) {
	raw, ok := kv.GetItem(StorageKey)
	if !ok || raw == "" {
		return Session{}, false, nil
	}
	s, err := DecodeSnapshot(raw)
	if err != nil {
		return Session{}, false, err
	}
	return s, true, nil
}
