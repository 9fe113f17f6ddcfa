// Package aws is the AWS provider. AWS has no resource group object: a
// group is the set of resources carrying the group tag, so listing goes
// through the EC2 tag index and deleting the group checks that set is
// empty.
package aws

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/regiondeploy/internal/cleanup"
	"github.com/chainguard-dev/regiondeploy/internal/log"
	"github.com/chainguard-dev/regiondeploy/internal/types"
)

// Supported resource types.
const (
	TypeInstance       = "AWS::EC2::Instance"
	TypeSecurityGroup  = "AWS::EC2::SecurityGroup"
	TypeSubnet         = "AWS::EC2::Subnet"
	TypeVPC            = "AWS::EC2::VPC"
	TypeIAMRole        = "AWS::IAM::Role"
	TypeLambdaFunction = "AWS::Lambda::Function"
)

const (
	instanceTerminateTimeout = 10 * time.Minute
	// EC2 caps the number of values in a single filter.
	maxFilterValues = 200
)

// liveInstanceStates are the states of instances that still exist. EC2 keeps
// returning terminated instances, tags included, for a while after they are
// gone.
var liveInstanceStates = []string{
	string(ec2types.InstanceStateNamePending),
	string(ec2types.InstanceStateNameRunning),
	string(ec2types.InstanceStateNameStopping),
	string(ec2types.InstanceStateNameStopped),
}

var ec2ResourceTypes = map[ec2types.ResourceType]string{
	ec2types.ResourceTypeInstance:      TypeInstance,
	ec2types.ResourceTypeSecurityGroup: TypeSecurityGroup,
	ec2types.ResourceTypeSubnet:        TypeSubnet,
	ec2types.ResourceTypeVpc:           TypeVPC,
}

// deleteOrder ranks types so dependents are deleted before what they
// depend on.
var deleteOrder = map[string]int{
	TypeLambdaFunction: 0,
	TypeInstance:       1,
	TypeSecurityGroup:  2,
	TypeSubnet:         3,
	TypeVPC:            4,
	TypeIAMRole:        5,
}

// Error codes meaning the object is already gone.
var notFoundCodes = map[string]bool{
	"InvalidInstanceID.NotFound": true,
	"InvalidGroup.NotFound":      true,
	"InvalidGroupId.NotFound":    true,
	"InvalidSubnetID.NotFound":   true,
	"InvalidVpcID.NotFound":      true,
	"NoSuchEntity":               true,
	"ResourceNotFoundException":  true,
}

type ec2API interface {
	ec2.DescribeTagsAPIClient
	ec2.DescribeInstancesAPIClient
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DeleteSecurityGroup(ctx context.Context, params *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
	DeleteSubnet(ctx context.Context, params *ec2.DeleteSubnetInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error)
	DeleteVpc(ctx context.Context, params *ec2.DeleteVpcInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error)
}

type iamAPI interface {
	iam.ListAttachedRolePoliciesAPIClient
	DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	DeleteRole(ctx context.Context, params *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
}

type lambdaAPI interface {
	DeleteFunction(ctx context.Context, params *lambda.DeleteFunctionInput, optFns ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error)
}

type clients struct {
	ec2    ec2API
	iam    iamAPI
	lambda lambdaAPI
}

// Options configures New.
type Options struct {
	// GroupTagKey is the tag whose value names a resource's group.
	GroupTagKey string
	// Locations maps resource groups to the AWS region they live in.
	Locations map[string]string
}

type Provider struct {
	tagKey    string
	locations map[string]string

	mu        sync.Mutex
	byRegion  map[string]*clients
	newClient func(ctx context.Context, region string) (*clients, error)
}

func New(opts Options) *Provider {
	return &Provider{
		tagKey:    opts.GroupTagKey,
		locations: opts.Locations,
		byRegion:  make(map[string]*clients),
		newClient: loadClients,
	}
}

func loadClients(ctx context.Context, region string) (*clients, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for %s: %w", region, err)
	}
	return &clients{
		ec2:    ec2.NewFromConfig(cfg),
		iam:    iam.NewFromConfig(cfg),
		lambda: lambda.NewFromConfig(cfg),
	}, nil
}

// clientsFor returns the clients of the region group lives in. Groups with
// no known location use the default region of the environment.
func (p *Provider) clientsFor(ctx context.Context, group string) (*clients, error) {
	region := p.locations[group]

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.byRegion[region]; ok {
		return c, nil
	}
	c, err := p.newClient(ctx, region)
	if err != nil {
		return nil, err
	}
	p.byRegion[region] = c
	return c, nil
}

// ListResources implements cleanup.Provider. A group with no tagged
// resources does not exist.
func (p *Provider) ListResources(ctx context.Context, group string) ([]types.ResourceDescriptor, error) {
	c, err := p.clientsFor(ctx, group)
	if err != nil {
		return nil, err
	}

	out, err := p.tagged(ctx, c, group)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no resources tagged %s=%s: %w", p.tagKey, group, cleanup.ErrNotFound)
	}
	return out, nil
}

func (p *Provider) tagged(ctx context.Context, c *clients, group string) ([]types.ResourceDescriptor, error) {
	paginator := ec2.NewDescribeTagsPaginator(c.ec2, &ec2.DescribeTagsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("key"), Values: []string{p.tagKey}},
			{Name: aws.String("value"), Values: []string{group}},
		},
	})

	var out []types.ResourceDescriptor
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describing tags of %s: %w", group, err)
		}
		for _, tag := range page.Tags {
			typ, ok := ec2ResourceTypes[tag.ResourceType]
			if !ok {
				log.Warn(ctx, "skipping tagged resource of unsupported type", "id", aws.ToString(tag.ResourceId), "type", tag.ResourceType)
				continue
			}
			id := aws.ToString(tag.ResourceId)
			out = append(out, types.ResourceDescriptor{
				ResourceGroup: group,
				Name:          id,
				Type:          typ,
				Mode:          types.DefaultMode,
				ID:            id,
			})
		}
	}

	out, err := dropDeadInstances(ctx, c.ec2, out)
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(out, func(a, b types.ResourceDescriptor) int {
		return deleteOrder[a.Type] - deleteOrder[b.Type]
	})
	return out, nil
}

// dropDeadInstances removes terminated and shutting-down instances from rs.
func dropDeadInstances(ctx context.Context, client ec2API, rs []types.ResourceDescriptor) ([]types.ResourceDescriptor, error) {
	var ids []string
	for _, r := range rs {
		if r.Type == TypeInstance {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return rs, nil
	}

	live := make(map[string]bool, len(ids))
	for chunk := range slices.Chunk(ids, maxFilterValues) {
		paginator := ec2.NewDescribeInstancesPaginator(client, &ec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{
				{Name: aws.String("instance-id"), Values: chunk},
				{Name: aws.String("instance-state-name"), Values: liveInstanceStates},
			},
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("describing instances: %w", err)
			}
			for _, reservation := range page.Reservations {
				for _, instance := range reservation.Instances {
					live[aws.ToString(instance.InstanceId)] = true
				}
			}
		}
	}

	return slices.DeleteFunc(rs, func(r types.ResourceDescriptor) bool {
		if r.Type != TypeInstance || live[r.ID] {
			return false
		}
		log.Debug(ctx, "skipping instance that is already terminated", "instance_id", r.ID)
		return true
	}), nil
}

// DeleteResource implements cleanup.Provider.
func (p *Provider) DeleteResource(ctx context.Context, r types.ResourceDescriptor) error {
	c, err := p.clientsFor(ctx, r.ResourceGroup)
	if err != nil {
		return err
	}

	id := r.ID
	if id == "" {
		id = r.Name
	}

	switch r.Type {
	case TypeInstance:
		err = terminateInstance(ctx, c.ec2, id)
	case TypeSecurityGroup:
		_, err = c.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id)})
	case TypeSubnet:
		_, err = c.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(id)})
	case TypeVPC:
		_, err = c.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(id)})
	case TypeIAMRole:
		err = deleteRole(ctx, c.iam, id)
	case TypeLambdaFunction:
		_, err = c.lambda.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: aws.String(id)})
	default:
		return fmt.Errorf("unsupported resource type %q", r.Type)
	}
	if err != nil {
		return classify(fmt.Errorf("deleting %s %s: %w", r.Type, id, err))
	}
	return nil
}

// DeleteGroup implements cleanup.Provider. It only verifies that nothing
// tagged with the group is left.
func (p *Provider) DeleteGroup(ctx context.Context, group string) error {
	c, err := p.clientsFor(ctx, group)
	if err != nil {
		return err
	}
	left, err := p.tagged(ctx, c, group)
	if err != nil {
		return err
	}
	if len(left) > 0 {
		return fmt.Errorf("resource group %s still has %d tagged resources", group, len(left))
	}
	return nil
}

func terminateInstance(ctx context.Context, client ec2API, id string) error {
	if _, err := client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	}); err != nil {
		return err
	}

	log.Info(ctx, "waiting for instance termination", "instance_id", id)
	waiter := ec2.NewInstanceTerminatedWaiter(client)
	return waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, instanceTerminateTimeout)
}

// deleteRole detaches the role's managed policies, then deletes it.
func deleteRole(ctx context.Context, client iamAPI, name string) error {
	paginator := iam.NewListAttachedRolePoliciesPaginator(client, &iam.ListAttachedRolePoliciesInput{
		RoleName: aws.String(name),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, policy := range page.AttachedPolicies {
			if _, err := client.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
				RoleName:  aws.String(name),
				PolicyArn: policy.PolicyArn,
			}); err != nil && !IsNotFound(err) {
				return fmt.Errorf("detaching %s: %w", aws.ToString(policy.PolicyArn), err)
			}
		}
	}

	_, err := client.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)})
	return err
}

func classify(err error) error {
	if IsNotFound(err) {
		return fmt.Errorf("%w: %w", cleanup.ErrNotFound, err)
	}
	return err
}

func IsNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && notFoundCodes[apiErr.ErrorCode()]
}
