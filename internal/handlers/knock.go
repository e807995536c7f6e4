package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"

	"github.com/charlesng35/knockgate/internal/gate"
	"github.com/charlesng35/knockgate/internal/monitoring"
	"github.com/charlesng35/knockgate/internal/services"
	appErrors "github.com/charlesng35/knockgate/pkg/errors"
	"github.com/charlesng35/knockgate/pkg/response"
)

// ExpiryLayout formats the expiry time shown to knocking clients.
const ExpiryLayout = "Jan 2 2006 03:04 PM MST"

// IngressLifecycle is the part of the lifecycle manager the HTTP surface needs.
type IngressLifecycle interface {
	Authorize(ctx context.Context, address string) (services.Grant, error)
	Goodbye(ctx context.Context, address string) (services.RevocationResult, error)
}

// KnockHandler serves the knock and goodbye endpoints.
type KnockHandler struct {
	lifecycle  IngressLifecycle
	byePath    string
	totpSecret string
}

// NewKnockHandler constructs the handler. byePath is the goodbye route advertised to clients
// whose grant could not be tracked. An empty totpSecret disables the knock code check.
func NewKnockHandler(lifecycle IngressLifecycle, byePath, totpSecret string) (*KnockHandler, error) {
	if lifecycle == nil {
		return nil, errors.New("knock handler: lifecycle is required")
	}
	return &KnockHandler{
		lifecycle:  lifecycle,
		byePath:    byePath,
		totpSecret: strings.TrimSpace(totpSecret),
	}, nil
}

// Knock opens ingress for the caller's address.
func (h *KnockHandler) Knock(c *gin.Context) {
	if !h.authorised(c) {
		monitoring.RecordKnock("denied")
		response.NegotiatedError(c, appErrors.ErrKnockCodeInvalid)
		return
	}

	ip := c.ClientIP()
	grant, err := h.lifecycle.Authorize(c.Request.Context(), ip)
	if err != nil {
		writeFailure(c, "Hello", ip, err)
		return
	}

	if !grant.Tracked {
		text := fmt.Sprintf("Hello %s -- !! we have failed to track your session in the database, when finished, "+
			"please explicitly close your session the URL: %s", ip, h.byeURL(c))
		response.Negotiated(c, http.StatusOK, text, gin.H{
			"address": grant.Address,
			"tracked": false,
			"bye_url": h.byeURL(c),
		})
		return
	}

	text := fmt.Sprintf("Hello %s your session will expire at %s", ip, grant.ExpiresAt.Local().Format(ExpiryLayout))
	response.Negotiated(c, http.StatusOK, text, grant)
}

// Bye revokes ingress for the caller's address.
func (h *KnockHandler) Bye(c *gin.Context) {
	if !h.authorised(c) {
		monitoring.RecordGoodbye("denied")
		response.NegotiatedError(c, appErrors.ErrKnockCodeInvalid)
		return
	}

	ip := c.ClientIP()
	result, err := h.lifecycle.Goodbye(c.Request.Context(), ip)
	if err != nil {
		writeFailure(c, "Goodbye", ip, err)
		return
	}

	response.Negotiated(c, http.StatusOK, "Goodbye "+ip, result)
}

func (h *KnockHandler) authorised(c *gin.Context) bool {
	if h.totpSecret == "" {
		return true
	}
	code := strings.TrimSpace(c.Query("code"))
	return code != "" && totp.Validate(code, h.totpSecret)
}

func (h *KnockHandler) byeURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	return scheme + "://" + c.Request.Host + h.byePath
}

func writeFailure(c *gin.Context, verb, ip string, err error) {
	if errors.Is(err, services.ErrInvalidAddress) {
		response.NegotiatedError(c, appErrors.ErrBadRequest.WithMessage(fmt.Sprintf("Failed %s %s -- invalid client address", verb, ip)))
		return
	}

	message := err.Error()
	if gateErr, ok := gate.AsError(err); ok {
		message = gateErr.Message
	}
	response.NegotiatedError(c, appErrors.ErrGateUnavailable.WithMessage(fmt.Sprintf("Failed %s %s -- %s", verb, ip, message)))
}
