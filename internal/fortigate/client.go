package fortigate

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConnectivity = errors.New("fortigate unreachable")
	ErrPermission   = errors.New("fortigate permission denied")
	ErrNotFound     = errors.New("fortigate resource not found")
)

// Mode is the capability level granted by the API token.
type Mode string

const (
	ModeUnknown   Mode = "unknown"
	ModeFull      Mode = "full"
	ModeGroupOnly Mode = "address_group_only"
)

// ManagesObjects reports whether address objects can be created and deleted,
// not just moved in and out of groups.
func (m Mode) ManagesObjects() bool {
	return m == ModeFull
}

// ReadsObjects reports whether individual address objects can be listed.
func (m Mode) ReadsObjects() bool {
	return m == ModeFull
}

type Address struct {
	Name   string `json:"name"`
	Subnet string `json:"subnet,omitempty"`
}

// IP returns the host part of the subnet. FortiGate reports subnets either as
// "10.0.0.5/32" or "10.0.0.5 255.255.255.255".
func (a Address) IP() string {
	fields := strings.FieldsFunc(strings.TrimSpace(a.Subnet), func(r rune) bool {
		return r == '/' || r == ' '
	})
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

type Client interface {
	TestConnection(ctx context.Context) (Mode, error)
	ListAddresses(ctx context.Context) ([]Address, error)
	ListGroupMembers(ctx context.Context, group string) ([]string, error)
	CreateAddress(ctx context.Context, name, ip string) error
	DeleteAddress(ctx context.Context, name string) error
	AddToGroup(ctx context.Context, group, name string) error
	RemoveFromGroup(ctx context.Context, group, name string) error
}

// StatusError is returned when the firewall answers with an unexpected status.
type StatusError struct {
	Op         string
	Resource   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.Resource, e.StatusCode)
	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + body
	}
	return msg
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrPermission:
		return e.StatusCode == 401 || e.StatusCode == 403
	case ErrNotFound:
		return e.StatusCode == 404
	}
	return false
}
