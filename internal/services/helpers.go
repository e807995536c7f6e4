package services

import (
	"context"
	"net"
	"strings"

	"github.com/charlesng35/knockgate/pkg/validator"
)

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// detachedContext keeps ctx values but drops its cancellation, bounded by storeWriteTimeout.
func detachedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ensureContext(ctx)), storeWriteTimeout)
}

// normaliseAddress returns the canonical text form of an IP address, or "" when invalid.
func normaliseAddress(address string) string {
	address = strings.TrimSpace(address)
	if err := validator.ValidateVar(address, "required,ip"); err != nil {
		return ""
	}
	ip := net.ParseIP(address)
	if ip == nil {
		return ""
	}
	return ip.String()
}
