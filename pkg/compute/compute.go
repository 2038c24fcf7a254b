// Package compute requests and terminates the transient EC2 instances that run
// ETL jobs.
package compute

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

const (
	MarketSpot     = "spot"
	MarketOnDemand = "on-demand"
)

var (
	// ErrProvisioning is returned when no compute unit could be created.
	ErrProvisioning = errors.New("provisioning failed")
	// ErrTermination is returned when a unit could not be terminated for a
	// reason other than it already being gone.
	ErrTermination = errors.New("termination failed")
	// ErrInvalidInstanceID is returned for identifiers that cannot name an instance.
	ErrInvalidInstanceID = errors.New("invalid instance id")
)

var instanceIDPattern = regexp.MustCompile(`^i-[0-9a-f]{1,17}$`)

// ValidInstanceID reports whether id has the shape of an EC2 instance id.
func ValidInstanceID(id string) bool {
	return instanceIDPattern.MatchString(id)
}

// Handle identifies a provisioning request and, once fulfilled, its instance.
type Handle struct {
	RequestID  string  `json:"request_id"`
	InstanceID *string `json:"instance_id,omitempty"`
}

// Spec describes the single compute unit to launch.
type Spec struct {
	ImageID           string
	InstanceType      string
	Subnet            string
	SecurityGroupID   string
	CapabilityProfile string
	Market            string
	// UserData is the plain-text bootstrap script; it is base64 encoded on the wire.
	UserData string
	Tags     map[string]string
}

// Termination is the normalized result of a termination request.
type Termination string

const (
	Terminated  Termination = "terminated"
	AlreadyGone Termination = "already_gone"
)

// EC2API is the subset of the EC2 client used by Provisioner.
type EC2API interface {
	RequestSpotInstances(ctx context.Context, params *ec2.RequestSpotInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeSpotInstanceRequests(ctx context.Context, params *ec2.DescribeSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error)
}

// Provisioner launches and terminates instances through EC2.
type Provisioner struct {
	api EC2API
}

// NewProvisioner wraps an EC2 client.
func NewProvisioner(api EC2API) (*Provisioner, error) {
	if api == nil {
		return nil, errors.New("ec2 client is required")
	}
	return &Provisioner{api: api}, nil
}

// NewProvisionerFromConfig builds the EC2 client from an SDK config.
func NewProvisionerFromConfig(cfg aws.Config) *Provisioner {
	return &Provisioner{api: ec2.NewFromConfig(cfg)}
}

// Provision issues exactly one request for one instance.
func (p *Provisioner) Provision(ctx context.Context, spec Spec) (Handle, error) {
	if p == nil {
		return Handle{}, errors.New("nil provisioner")
	}
	if err := spec.validate(); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	switch spec.Market {
	case MarketOnDemand:
		return p.runInstance(ctx, spec)
	default:
		return p.requestSpot(ctx, spec)
	}
}

func (p *Provisioner) requestSpot(ctx context.Context, spec Spec) (Handle, error) {
	out, err := p.api.RequestSpotInstances(ctx, &ec2.RequestSpotInstancesInput{
		InstanceCount: aws.Int32(1),
		Type:          ec2types.SpotInstanceTypeOneTime,
		LaunchSpecification: &ec2types.RequestSpotLaunchSpecification{
			ImageId:            aws.String(spec.ImageID),
			InstanceType:       ec2types.InstanceType(spec.InstanceType),
			SubnetId:           aws.String(spec.Subnet),
			SecurityGroupIds:   []string{spec.SecurityGroupID},
			IamInstanceProfile: instanceProfile(spec.CapabilityProfile),
			UserData:           aws.String(encodeUserData(spec.UserData)),
		},
		TagSpecifications: tagSpecifications(ec2types.ResourceTypeSpotInstancesRequest, spec.Tags),
	})
	if err != nil {
		return Handle{}, fmt.Errorf("%w: request spot instance: %v", ErrProvisioning, err)
	}
	if len(out.SpotInstanceRequests) == 0 {
		return Handle{}, fmt.Errorf("%w: empty spot instance response", ErrProvisioning)
	}

	req := out.SpotInstanceRequests[0]
	requestID := aws.ToString(req.SpotInstanceRequestId)
	if requestID == "" {
		return Handle{}, fmt.Errorf("%w: spot request id missing", ErrProvisioning)
	}
	return Handle{RequestID: requestID, InstanceID: nonEmpty(req.InstanceId)}, nil
}

func (p *Provisioner) runInstance(ctx context.Context, spec Spec) (Handle, error) {
	out, err := p.api.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:                           aws.String(spec.ImageID),
		InstanceType:                      ec2types.InstanceType(spec.InstanceType),
		MinCount:                          aws.Int32(1),
		MaxCount:                          aws.Int32(1),
		SubnetId:                          aws.String(spec.Subnet),
		SecurityGroupIds:                  []string{spec.SecurityGroupID},
		IamInstanceProfile:                instanceProfile(spec.CapabilityProfile),
		UserData:                          aws.String(encodeUserData(spec.UserData)),
		InstanceInitiatedShutdownBehavior: ec2types.ShutdownBehaviorTerminate,
		TagSpecifications:                 tagSpecifications(ec2types.ResourceTypeInstance, spec.Tags),
	})
	if err != nil {
		return Handle{}, fmt.Errorf("%w: run instance: %v", ErrProvisioning, err)
	}

	requestID := aws.ToString(out.ReservationId)
	if requestID == "" {
		return Handle{}, fmt.Errorf("%w: reservation id missing", ErrProvisioning)
	}
	h := Handle{RequestID: requestID}
	if len(out.Instances) > 0 {
		h.InstanceID = nonEmpty(out.Instances[0].InstanceId)
	}
	return h, nil
}

// Describe refreshes a spot request handle with its fulfilled instance id.
func (p *Provisioner) Describe(ctx context.Context, requestID string) (Handle, error) {
	if p == nil {
		return Handle{}, errors.New("nil provisioner")
	}
	out, err := p.api.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []string{requestID},
	})
	if err != nil {
		return Handle{}, fmt.Errorf("describe spot request %s: %w", requestID, err)
	}
	if len(out.SpotInstanceRequests) == 0 {
		return Handle{}, fmt.Errorf("spot request %s not found", requestID)
	}
	return Handle{RequestID: requestID, InstanceID: nonEmpty(out.SpotInstanceRequests[0].InstanceId)}, nil
}

// Terminate requests termination of instanceID. Instances that no longer exist
// or were already terminated report AlreadyGone with a nil error.
func (p *Provisioner) Terminate(ctx context.Context, instanceID string) (Termination, error) {
	if p == nil {
		return "", errors.New("nil provisioner")
	}
	if !ValidInstanceID(instanceID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidInstanceID, instanceID)
	}

	out, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "InvalidInstanceID.NotFound":
				return AlreadyGone, nil
			case "InvalidInstanceID.Malformed":
				return "", fmt.Errorf("%w: %s", ErrInvalidInstanceID, apiErr.ErrorMessage())
			}
		}
		return "", fmt.Errorf("%w: terminate %s: %v", ErrTermination, instanceID, err)
	}

	for _, change := range out.TerminatingInstances {
		if aws.ToString(change.InstanceId) != instanceID || change.PreviousState == nil {
			continue
		}
		switch change.PreviousState.Name {
		case ec2types.InstanceStateNameTerminated, ec2types.InstanceStateNameShuttingDown:
			return AlreadyGone, nil
		}
	}
	return Terminated, nil
}

func (s Spec) validate() error {
	required := []struct{ name, value string }{
		{"image id", s.ImageID},
		{"instance type", s.InstanceType},
		{"subnet", s.Subnet},
		{"security group", s.SecurityGroupID},
		{"capability profile", s.CapabilityProfile},
		{"user data", s.UserData},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}
	switch s.Market {
	case "", MarketSpot, MarketOnDemand:
		return nil
	default:
		return fmt.Errorf("unknown market %q", s.Market)
	}
}

func instanceProfile(profile string) *ec2types.IamInstanceProfileSpecification {
	if strings.HasPrefix(profile, "arn:") {
		return &ec2types.IamInstanceProfileSpecification{Arn: aws.String(profile)}
	}
	return &ec2types.IamInstanceProfileSpecification{Name: aws.String(profile)}
}

func encodeUserData(script string) string {
	return base64.StdEncoding.EncodeToString([]byte(script))
}

func tagSpecifications(resource ec2types.ResourceType, tags map[string]string) []ec2types.TagSpecification {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]ec2types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return []ec2types.TagSpecification{{ResourceType: resource, Tags: out}}
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := *s
	return &v
}
