package azure

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/authorization/armauthorization/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/containerregistry/armcontainerregistry"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/containerservice/armcontainerservice/v8"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/msi/armmsi"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/chainguard-dev/regiondeploy/internal/log"
	"github.com/chainguard-dev/regiondeploy/internal/types"
)

const envSubscriptionID = "AZURE_SUBSCRIPTION_ID"

// New builds a provider from the default Azure credential chain.
func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.SubscriptionID == "" {
		opts.SubscriptionID = os.Getenv(envSubscriptionID)
	}
	if opts.SubscriptionID == "" {
		return nil, fmt.Errorf("azure subscription id is not set, set azure.subscription_id or %s", envSubscriptionID)
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("unable to obtain Azure credentials: %w", err)
	}

	sub := opts.SubscriptionID
	groupsClient, err := armresources.NewResourceGroupsClient(sub, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create resource groups client: %w", err)
	}
	resourcesClient, err := armresources.NewClient(sub, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create resources client: %w", err)
	}
	providersClient, err := armresources.NewProvidersClient(sub, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create providers client: %w", err)
	}

	deleters, err := typedDeleters(sub, cred)
	if err != nil {
		return nil, err
	}

	log.Debug(ctx, "azure provider ready", "subscription_id", sub)
	return newProvider(opts,
		&groups{client: groupsClient},
		&resources{client: resourcesClient, providers: providersClient},
		deleters,
	), nil
}

func typedDeleters(sub string, cred azcore.TokenCredential) (map[string]deleteFunc, error) {
	aksClient, err := armcontainerservice.NewManagedClustersClient(sub, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create AKS client: %w", err)
	}
	uaiClient, err := armmsi.NewUserAssignedIdentitiesClient(sub, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create user assigned identity client: %w", err)
	}
	acrClient, err := armcontainerregistry.NewRegistriesClient(sub, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create container registry client: %w", err)
	}
	roleClient, err := armauthorization.NewRoleAssignmentsClient(sub, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create role assignments client: %w", err)
	}

	return map[string]deleteFunc{
		TypeManagedCluster: func(ctx context.Context, r types.ResourceDescriptor) error {
			poller, err := aksClient.BeginDelete(ctx, r.ResourceGroup, r.Name, nil)
			if err != nil {
				return fmt.Errorf("failed to initiate AKS cluster deletion: %w", err)
			}
			if _, err := poller.PollUntilDone(ctx, &runtime.PollUntilDoneOptions{Frequency: pollFrequency}); err != nil {
				return fmt.Errorf("failed to delete AKS cluster: %w", err)
			}
			return nil
		},
		TypeUserAssignedIdentity: func(ctx context.Context, r types.ResourceDescriptor) error {
			if _, err := uaiClient.Delete(ctx, r.ResourceGroup, r.Name, nil); err != nil {
				return fmt.Errorf("failed to delete user assigned identity: %w", err)
			}
			return nil
		},
		TypeContainerRegistry: func(ctx context.Context, r types.ResourceDescriptor) error {
			poller, err := acrClient.BeginDelete(ctx, r.ResourceGroup, r.Name, nil)
			if err != nil {
				return fmt.Errorf("failed to initiate container registry deletion: %w", err)
			}
			if _, err := poller.PollUntilDone(ctx, &runtime.PollUntilDoneOptions{Frequency: pollFrequency}); err != nil {
				return fmt.Errorf("failed to delete container registry: %w", err)
			}
			return nil
		},
		TypeRoleAssignment: func(ctx context.Context, r types.ResourceDescriptor) error {
			id := r.ID
			if id == "" {
				id = fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/%s/%s", sub, r.ResourceGroup, TypeRoleAssignment, r.Name)
			}
			if _, err := roleClient.DeleteByID(ctx, id, nil); err != nil {
				return fmt.Errorf("failed to delete role assignment: %w", err)
			}
			return nil
		},
	}, nil
}

type groups struct {
	client *armresources.ResourceGroupsClient
}

func (g *groups) Exists(ctx context.Context, group string) (bool, error) {
	resp, err := g.client.CheckExistence(ctx, group, nil)
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

func (g *groups) CreateOrUpdate(ctx context.Context, group, location string, tags map[string]*string) error {
	_, err := g.client.CreateOrUpdate(ctx, group, armresources.ResourceGroup{
		Location: to.Ptr(location),
		Tags:     tags,
	}, nil)
	return err
}

func (g *groups) Delete(ctx context.Context, group string) error {
	poller, err := g.client.BeginDelete(ctx, group, nil)
	if err != nil {
		return fmt.Errorf("failed to initiate resource group deletion: %w", err)
	}
	if _, err := poller.PollUntilDone(ctx, &runtime.PollUntilDoneOptions{Frequency: pollFrequency}); err != nil {
		return fmt.Errorf("failed to delete resource group: %w", err)
	}
	return nil
}

type resources struct {
	client    *armresources.Client
	providers *armresources.ProvidersClient
}

func (r *resources) List(ctx context.Context, group string) ([]Resource, error) {
	var out []Resource
	pager := r.client.NewListByResourceGroupPager(group, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, res := range page.Value {
			if res == nil {
				continue
			}
			out = append(out, Resource{
				ID:   deref(res.ID),
				Name: deref(res.Name),
				Type: deref(res.Type),
			})
		}
	}
	return out, nil
}

func (r *resources) DeleteByID(ctx context.Context, id, apiVersion string) error {
	poller, err := r.client.BeginDeleteByID(ctx, id, apiVersion, nil)
	if err != nil {
		return fmt.Errorf("failed to initiate resource deletion: %w", err)
	}
	if _, err := poller.PollUntilDone(ctx, &runtime.PollUntilDoneOptions{Frequency: pollFrequency}); err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	return nil
}

func (r *resources) APIVersions(ctx context.Context, namespace, typ string) ([]string, error) {
	resp, err := r.providers.Get(ctx, namespace, nil)
	if err != nil {
		return nil, err
	}
	for _, rt := range resp.ResourceTypes {
		if rt == nil || !strings.EqualFold(deref(rt.ResourceType), typ) {
			continue
		}
		versions := make([]string, 0, len(rt.APIVersions))
		for _, v := range rt.APIVersions {
			if v != nil {
				versions = append(versions, *v)
			}
		}
		return versions, nil
	}
	return nil, fmt.Errorf("resource type %s/%s not registered", namespace, typ)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
