// Package gate talks to the external ingress-control authority that actually opens and
// closes network access for a client address.
package gate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/charlesng35/knockgate/pkg/validator"
)

// RedactedGroupID replaces the security group identifier in any surfaced message.
const RedactedGroupID = "sg-XXXXXXXX"

// DefaultProtocol is the IP protocol authorised when a rule does not name one.
const DefaultProtocol = "tcp"

// Gate authorises and revokes a single-address ingress rule. Implementations are stateless,
// safe for concurrent use and never retry on their own.
type Gate interface {
	Authorize(ctx context.Context, rule Rule) error
	Revoke(ctx context.Context, rule Rule) error
}

// Rule describes one ingress permission: a client address allowed on a port of a group.
type Rule struct {
	Address  string `json:"address" validate:"required,ip"`
	Port     int    `json:"port" validate:"gte=1,lte=65535"`
	GroupID  string `json:"group_id" validate:"required"`
	Protocol string `json:"protocol"`
}

// Validate checks the rule before it is sent to the gate.
func (r Rule) Validate() error {
	if err := validator.ValidateStruct(r); err != nil {
		return fmt.Errorf("gate: invalid rule: %w", err)
	}
	return nil
}

// CIDR returns the single-host network for the rule's address.
func (r Rule) CIDR() string {
	ip := net.ParseIP(strings.TrimSpace(r.Address))
	if ip == nil {
		return r.Address
	}
	if ip.To4() != nil {
		return ip.String() + "/32"
	}
	return ip.String() + "/128"
}

// IsIPv6 reports whether the rule targets an IPv6 address.
func (r Rule) IsIPv6() bool {
	ip := net.ParseIP(strings.TrimSpace(r.Address))
	return ip != nil && ip.To4() == nil
}

func (r Rule) protocol() string {
	if p := strings.TrimSpace(r.Protocol); p != "" {
		return strings.ToLower(p)
	}
	return DefaultProtocol
}

// Template binds the configured port, group and protocol so callers only supply an address.
type Template struct {
	Port     int
	GroupID  string
	Protocol string
}

// For builds the rule for an address.
func (t Template) For(address string) Rule {
	return Rule{
		Address:  strings.TrimSpace(address),
		Port:     t.Port,
		GroupID:  t.GroupID,
		Protocol: t.Protocol,
	}
}

// Error reports a failed gate call. Message never contains the group identifier.
type Error struct {
	Op      string
	Address string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Code != "" {
		return fmt.Sprintf("gate: %s %s: %s: %s", e.Op, e.Address, e.Code, e.Message)
	}
	return fmt.Sprintf("gate: %s %s: %s", e.Op, e.Address, e.Message)
}

// Unwrap exposes the provider error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Redact removes every occurrence of groupID from message.
func Redact(message, groupID string) string {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return message
	}
	return strings.ReplaceAll(message, groupID, RedactedGroupID)
}

// newError wraps a provider failure, redacting the group id from the surfaced message.
func newError(op string, rule Rule, code, message string, err error) *Error {
	message = strings.TrimSpace(message)
	if message == "" && err != nil {
		message = err.Error()
	}
	if message == "" {
		message = "No exception message exists."
	}
	return &Error{
		Op:      op,
		Address: rule.Address,
		Code:    code,
		Message: Redact(message, rule.GroupID),
		Err:     err,
	}
}

// AsError extracts a *Error from err when present.
func AsError(err error) (*Error, bool) {
	var gateErr *Error
	if errors.As(err, &gateErr) {
		return gateErr, true
	}
	return nil, false
}
