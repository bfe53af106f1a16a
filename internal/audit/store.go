package audit

import (
	"context"
	"time"
)

type Kind string

const (
	KindGranted        Kind = "granted"
	KindRenewed        Kind = "renewed"
	KindRegisterFailed Kind = "register_failed"
	KindRevoked        Kind = "revoked"
	KindRevokeFailed   Kind = "revoke_failed"
	KindReconciled     Kind = "reconciled"
)

// Event is one entry in the lease journal. The journal is for operators; it
// is never read back to rebuild lease state.
type Event struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	ClientID     string    `json:"client_id"`
	ResourceName string    `json:"resource_name,omitempty"`
	Manual       bool      `json:"manual,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

type Store interface {
	Append(ctx context.Context, event Event) error
	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]Event, error)
}
