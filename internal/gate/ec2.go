package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/charlesng35/knockgate/pkg/logger"
)

const (
	defaultEC2Timeout = 10 * time.Second
	ruleDescription   = "knockgate temporary ingress"

	codePermissionDuplicate = "InvalidPermission.Duplicate"
	codePermissionNotFound  = "InvalidPermission.NotFound"
)

// ec2API is the subset of the EC2 client used by the gate.
type ec2API interface {
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, params *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
}

// EC2Config configures the EC2 security group gate.
type EC2Config struct {
	Region  string
	Profile string
	Timeout time.Duration
}

// EC2Gate opens and closes ingress by editing an EC2 security group.
type EC2Gate struct {
	client  ec2API
	timeout time.Duration
	log     *zap.Logger
}

// NewEC2Gate builds a gate using the AWS default credential chain.
func NewEC2Gate(ctx context.Context, cfg EC2Config) (*EC2Gate, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region := strings.TrimSpace(cfg.Region); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile := strings.TrimSpace(cfg.Profile); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gate: load aws config: %w", err)
	}

	return newEC2Gate(ec2.NewFromConfig(awsCfg), cfg.Timeout), nil
}

func newEC2Gate(client ec2API, timeout time.Duration) *EC2Gate {
	if timeout <= 0 {
		timeout = defaultEC2Timeout
	}
	return &EC2Gate{
		client:  client,
		timeout: timeout,
		log:     logger.WithModule("gate"),
	}
}

// Authorize adds the ingress rule. A rule that already exists counts as granted.
func (g *EC2Gate) Authorize(ctx context.Context, rule Rule) error {
	if err := rule.Validate(); err != nil {
		return newError("authorize", rule, "", err.Error(), err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.client.AuthorizeSecurityGroupIngress(callCtx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(rule.GroupID),
		IpPermissions: []types.IpPermission{permission(rule, true)},
	})
	if err == nil {
		return nil
	}

	code, message := classify(err)
	if code == codePermissionDuplicate {
		g.log.Debug("ingress rule already present", zap.String("address", rule.Address))
		return nil
	}
	return newError("authorize", rule, code, message, err)
}

// Revoke removes the ingress rule. Revoking a rule that is already gone succeeds, which is
// what lets an explicit goodbye and the expiration sweep race safely.
func (g *EC2Gate) Revoke(ctx context.Context, rule Rule) error {
	if err := rule.Validate(); err != nil {
		return newError("revoke", rule, "", err.Error(), err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.client.RevokeSecurityGroupIngress(callCtx, &ec2.RevokeSecurityGroupIngressInput{
		GroupId:       aws.String(rule.GroupID),
		IpPermissions: []types.IpPermission{permission(rule, false)},
	})
	if err != nil {
		code, message := classify(err)
		if code == codePermissionNotFound {
			g.log.Debug("ingress rule already absent", zap.String("address", rule.Address))
			return nil
		}
		return newError("revoke", rule, code, message, err)
	}

	if out != nil && len(out.UnknownIpPermissions) > 0 {
		g.log.Debug("ingress rule unknown to security group", zap.String("address", rule.Address))
	}
	return nil
}

func permission(rule Rule, describe bool) types.IpPermission {
	perm := types.IpPermission{
		FromPort:   aws.Int32(int32(rule.Port)),
		ToPort:     aws.Int32(int32(rule.Port)),
		IpProtocol: aws.String(rule.protocol()),
	}

	if rule.IsIPv6() {
		r := types.Ipv6Range{CidrIpv6: aws.String(rule.CIDR())}
		if describe {
			r.Description = aws.String(ruleDescription)
		}
		perm.Ipv6Ranges = []types.Ipv6Range{r}
		return perm
	}

	r := types.IpRange{CidrIp: aws.String(rule.CIDR())}
	if describe {
		r.Description = aws.String(ruleDescription)
	}
	perm.IpRanges = []types.IpRange{r}
	return perm
}

func classify(err error) (code, message string) {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode(), apiErr.ErrorMessage()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Timeout", "gate request timed out"
	}
	return "", err.Error()
}
