// Package local is a provider that keeps resource groups in a bbolt file
// instead of a cloud. Deploying a resource records it and cleanup removes
// the record, so whole runs work without credentials.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/regiondeploy/internal/cleanup"
	"github.com/chainguard-dev/regiondeploy/internal/log"
	"github.com/chainguard-dev/regiondeploy/internal/types"
	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

var (
	groupsBucket    = []byte("groups")
	locationsBucket = []byte("locations")
)

// Record is the stored form of a deployed resource.
type Record struct {
	Resource   types.ResourceDescriptor `json:"resource"`
	Region     string                   `json:"region"`
	DeployedAt time.Time                `json:"deployed_at"`
}

type Store struct {
	path string
	db   *bbolt.DB
}

// Open opens or creates the state file at path. The file is locked until
// Close.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{groupsBucket, locationsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{path: path, db: db}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureGroup implements executor.GroupEnsurer.
func (s *Store) EnsureGroup(ctx context.Context, group, location string) (bool, error) {
	var created bool
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		groups := tx.Bucket(groupsBucket)
		if groups.Bucket([]byte(group)) != nil {
			return nil
		}
		if _, err := groups.CreateBucket([]byte(group)); err != nil {
			return fmt.Errorf("failed to create group bucket: %w", err)
		}
		created = true
		return tx.Bucket(locationsBucket).Put([]byte(group), []byte(location))
	}); err != nil {
		return false, fmt.Errorf("failed to ensure resource group %s: %w", group, err)
	}

	if created {
		log.Info(ctx, "created resource group", "location", location)
	}
	return created, nil
}

// Deploy implements deploy.Deployer by recording r in its group, creating
// the group when needed. Redeploying a resource overwrites its record.
func (s *Store) Deploy(ctx context.Context, region string, r types.ResourceDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(Record{Resource: r, Region: region, DeployedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal resource: %w", err)
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		gb, err := tx.Bucket(groupsBucket).CreateBucketIfNotExists([]byte(r.ResourceGroup))
		if err != nil {
			return err
		}
		return gb.Put([]byte(r.Name), raw)
	}); err != nil {
		return fmt.Errorf("failed to record resource %s: %w", r.Name, err)
	}
	return nil
}

// ListResources implements cleanup.Provider.
func (s *Store) ListResources(_ context.Context, group string) ([]types.ResourceDescriptor, error) {
	var out []types.ResourceDescriptor
	if err := s.db.View(func(tx *bbolt.Tx) error {
		gb := tx.Bucket(groupsBucket).Bucket([]byte(group))
		if gb == nil {
			return fmt.Errorf("resource group %s: %w", group, cleanup.ErrNotFound)
		}
		return gb.ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal resource: %w", err)
			}
			out = append(out, rec.Resource)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteResource implements cleanup.Provider.
func (s *Store) DeleteResource(_ context.Context, r types.ResourceDescriptor) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		gb := tx.Bucket(groupsBucket).Bucket([]byte(r.ResourceGroup))
		if gb == nil || gb.Get([]byte(r.Name)) == nil {
			return fmt.Errorf("resource %s: %w", r.Name, cleanup.ErrNotFound)
		}
		return gb.Delete([]byte(r.Name))
	})
}

// DeleteGroup implements cleanup.Provider.
func (s *Store) DeleteGroup(_ context.Context, group string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(groupsBucket).DeleteBucket([]byte(group)); err != nil {
			if errors.Is(err, berrors.ErrBucketNotFound) {
				return fmt.Errorf("resource group %s: %w", group, cleanup.ErrNotFound)
			}
			return err
		}
		return tx.Bucket(locationsBucket).Delete([]byte(group))
	})
}

// Location returns the location a group was created in.
func (s *Store) Location(group string) (string, error) {
	var loc string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(locationsBucket).Get([]byte(group))
		if v == nil {
			return fmt.Errorf("resource group %s: %w", group, cleanup.ErrNotFound)
		}
		loc = string(v)
		return nil
	})
	return loc, err
}
