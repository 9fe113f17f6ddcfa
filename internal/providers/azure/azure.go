// Package azure is the Azure Resource Manager provider: resource groups are
// real resource groups, resources are deleted through their typed clients
// when one is known and by ID otherwise.
package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/chainguard-dev/regiondeploy/internal/cleanup"
	"github.com/chainguard-dev/regiondeploy/internal/log"
	"github.com/chainguard-dev/regiondeploy/internal/types"
)

const (
	pollFrequency = 10 * time.Second

	// TagRunID is set on every resource group created by a run.
	TagRunID = "regiondeploy-run-id"
)

// Resource types with a dedicated deleter.
const (
	TypeManagedCluster       = "Microsoft.ContainerService/managedClusters"
	TypeUserAssignedIdentity = "Microsoft.ManagedIdentity/userAssignedIdentities"
	TypeContainerRegistry    = "Microsoft.ContainerRegistry/registries"
	TypeRoleAssignment       = "Microsoft.Authorization/roleAssignments"
)

// deleteOrder ranks lowercased types so a resource is deleted before what it
// depends on. Unlisted types get defaultDeleteRank.
var deleteOrder = map[string]int{
	"microsoft.authorization/roleassignments":          0,
	"microsoft.containerservice/managedclusters":       1,
	"microsoft.compute/virtualmachinescalesets":        1,
	"microsoft.compute/virtualmachines":                1,
	"microsoft.network/networkinterfaces":              2,
	"microsoft.network/loadbalancers":                  2,
	"microsoft.network/privateendpoints":               2,
	"microsoft.compute/disks":                          3,
	"microsoft.network/publicipaddresses":              3,
	"microsoft.network/virtualnetworks":                4,
	"microsoft.network/networksecuritygroups":          5,
	"microsoft.network/routetables":                    5,
	"microsoft.managedidentity/userassignedidentities": 6,
}

const defaultDeleteRank = 3

func deleteRank(typ string) int {
	if rank, ok := deleteOrder[strings.ToLower(typ)]; ok {
		return rank
	}
	return defaultDeleteRank
}

// Resource is a resource as listed in a group.
type Resource struct {
	ID   string
	Name string
	Type string
}

type groupsAPI interface {
	Exists(ctx context.Context, group string) (bool, error)
	CreateOrUpdate(ctx context.Context, group, location string, tags map[string]*string) error
	Delete(ctx context.Context, group string) error
}

type resourcesAPI interface {
	List(ctx context.Context, group string) ([]Resource, error)
	DeleteByID(ctx context.Context, id, apiVersion string) error
	// APIVersions returns the API versions of a resource type, newest first.
	APIVersions(ctx context.Context, namespace, typ string) ([]string, error)
}

// deleteFunc deletes one resource of a known type and waits for it.
type deleteFunc func(ctx context.Context, r types.ResourceDescriptor) error

type Provider struct {
	subscriptionID string
	tags           map[string]*string

	groups    groupsAPI
	resources resourcesAPI
	deleters  map[string]deleteFunc

	mu          sync.Mutex
	apiVersions map[string]string
}

// Options configures New.
type Options struct {
	SubscriptionID string
	RunID          string
	Tags           map[string]string
}

func newProvider(opts Options, groups groupsAPI, resources resourcesAPI, deleters map[string]deleteFunc) *Provider {
	tags := make(map[string]*string, len(opts.Tags)+1)
	for k, v := range opts.Tags {
		tags[k] = to.Ptr(v)
	}
	if opts.RunID != "" {
		tags[TagRunID] = to.Ptr(opts.RunID)
	}

	normalized := make(map[string]deleteFunc, len(deleters))
	for t, fn := range deleters {
		normalized[strings.ToLower(t)] = fn
	}

	return &Provider{
		subscriptionID: opts.SubscriptionID,
		tags:           tags,
		groups:         groups,
		resources:      resources,
		deleters:       normalized,
		apiVersions:    make(map[string]string),
	}
}

// EnsureGroup implements executor.GroupEnsurer.
func (p *Provider) EnsureGroup(ctx context.Context, group, location string) (bool, error) {
	exists, err := p.groups.Exists(ctx, group)
	if err != nil {
		return false, fmt.Errorf("checking resource group %s: %w", group, err)
	}
	if exists {
		log.Info(ctx, "using existing resource group")
		return false, nil
	}

	log.Info(ctx, "creating resource group", "location", location)
	if err := p.groups.CreateOrUpdate(ctx, group, location, p.tags); err != nil {
		return false, fmt.Errorf("creating resource group %s: %w", group, err)
	}
	return true, nil
}

// ListResources implements cleanup.Provider.
func (p *Provider) ListResources(ctx context.Context, group string) ([]types.ResourceDescriptor, error) {
	rs, err := p.resources.List(ctx, group)
	if err != nil {
		return nil, classify(fmt.Errorf("listing resource group %s: %w", group, err))
	}

	out := make([]types.ResourceDescriptor, 0, len(rs))
	for _, r := range rs {
		out = append(out, types.ResourceDescriptor{
			ResourceGroup: group,
			Name:          r.Name,
			Type:          r.Type,
			Mode:          types.DefaultMode,
			ID:            r.ID,
		})
	}
	slices.SortStableFunc(out, func(a, b types.ResourceDescriptor) int {
		return deleteRank(a.Type) - deleteRank(b.Type)
	})
	return out, nil
}

// DeleteResource implements cleanup.Provider.
func (p *Provider) DeleteResource(ctx context.Context, r types.ResourceDescriptor) error {
	if fn, ok := p.deleters[strings.ToLower(r.Type)]; ok {
		return classify(fn(ctx, r))
	}

	version := r.APIVersion
	if version == "" {
		v, err := p.apiVersion(ctx, r.Type)
		if err != nil {
			return err
		}
		version = v
	}

	id := r.ID
	if id == "" {
		id = p.resourceID(r)
	}
	return classify(p.resources.DeleteByID(ctx, id, version))
}

// DeleteGroup implements cleanup.Provider.
func (p *Provider) DeleteGroup(ctx context.Context, group string) error {
	return classify(p.groups.Delete(ctx, group))
}

func (p *Provider) resourceID(r types.ResourceDescriptor) string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/%s/%s",
		p.subscriptionID, r.ResourceGroup, r.Type, r.Name)
}

// apiVersion resolves the newest API version of typ, caching the answer.
func (p *Provider) apiVersion(ctx context.Context, typ string) (string, error) {
	key := strings.ToLower(typ)

	p.mu.Lock()
	v, ok := p.apiVersions[key]
	p.mu.Unlock()
	if ok {
		return v, nil
	}

	ns, rest, ok := strings.Cut(typ, "/")
	if !ok {
		return "", fmt.Errorf("resource type %q is not of the form Namespace/type", typ)
	}
	versions, err := p.resources.APIVersions(ctx, ns, rest)
	if err != nil {
		return "", fmt.Errorf("resolving api version of %s: %w", typ, err)
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("no api version available for %s", typ)
	}

	v = newestStable(versions)
	p.mu.Lock()
	p.apiVersions[key] = v
	p.mu.Unlock()
	return v, nil
}

// newestStable prefers the first non-preview version, falling back to the
// newest one.
func newestStable(versions []string) string {
	for _, v := range versions {
		if !strings.Contains(v, "preview") {
			return v
		}
	}
	return versions[0]
}

// classify maps ARM "not found" responses to cleanup.ErrNotFound.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) {
		return fmt.Errorf("%w: %w", cleanup.ErrNotFound, err)
	}
	return err
}

func IsNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	switch respErr.ErrorCode {
	case "ResourceGroupNotFound", "ResourceNotFound", "NotFound":
		return true
	}
	return respErr.StatusCode == http.StatusNotFound
}
