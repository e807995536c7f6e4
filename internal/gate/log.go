package gate

import (
	"context"

	"go.uber.org/zap"

	"github.com/charlesng35/knockgate/pkg/logger"
)

// logGroupID stands in for the security group when the log driver runs without one.
const logGroupID = "log"

// LogGate only records what it would have done. It backs local development and tests
// where no cloud credentials are available.
type LogGate struct {
	log *zap.Logger
}

// NewLogGate returns a gate that logs every call and always succeeds.
func NewLogGate() *LogGate {
	return &LogGate{log: logger.WithModule("gate")}
}

func (g *LogGate) Authorize(ctx context.Context, rule Rule) error {
	rule = withLogGroup(rule)
	if err := rule.Validate(); err != nil {
		return newError("authorize", rule, "", err.Error(), err)
	}
	g.log.Info("ingress authorized (log driver)",
		zap.String("cidr", rule.CIDR()),
		zap.Int("port", rule.Port),
		zap.String("protocol", rule.protocol()),
	)
	return nil
}

func (g *LogGate) Revoke(ctx context.Context, rule Rule) error {
	rule = withLogGroup(rule)
	if err := rule.Validate(); err != nil {
		return newError("revoke", rule, "", err.Error(), err)
	}
	g.log.Info("ingress revoked (log driver)",
		zap.String("cidr", rule.CIDR()),
		zap.Int("port", rule.Port),
		zap.String("protocol", rule.protocol()),
	)
	return nil
}

func withLogGroup(rule Rule) Rule {
	if rule.GroupID == "" {
		rule.GroupID = logGroupID
	}
	return rule
}
