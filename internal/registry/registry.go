// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

// Package registry manages project records: the binding between a project
// name, its uploader and requester key fingerprints, and the parser/filter
// modules applied to its uploads. The registry is the only writer of the
// projects table and keeps the keyring in step with it.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/cros-factory/dkps/internal/db"
	"github.com/cros-factory/dkps/internal/logging"
	"github.com/cros-factory/dkps/internal/model"
	"github.com/cros-factory/dkps/internal/pgp"
)

var (
	// ErrDuplicateName is returned when a project with the same name exists.
	ErrDuplicateName = errors.New("project name already registered")
	// ErrDuplicateFingerprint is returned when one of the supplied keys is
	// already bound to another project.
	ErrDuplicateFingerprint = errors.New("key fingerprint already bound to a project")
	// ErrProjectNotFound is returned when no project matches the query.
	ErrProjectNotFound = errors.New("project not found")
)

// Registry wires the project table to the keyring.
type Registry struct {
	store   db.Store
	keyring *pgp.Keyring
}

// New creates a Registry over the given store and keyring.
func New(store db.Store, keyring *pgp.Keyring) *Registry {
	return &Registry{store: store, keyring: keyring}
}

// Register creates a project. uploaderKey and requesterKey are armored
// public keys; parserModule and filterModule name keymod registrations and
// are validated lazily at upload time. filterModule may be empty.
func (r *Registry) Register(ctx context.Context, name string, uploaderKey, requesterKey []byte, parserModule, filterModule string) (*model.Project, error) {
	if name == "" {
		return nil, errors.New("project name must not be empty")
	}
	if _, err := r.store.GetProjectByName(ctx, name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	uploaderFpr, uploaderExisted, err := r.keyring.ImportPublicKey(uploaderKey)
	if err != nil {
		return nil, fmt.Errorf("bad uploader key: %w", err)
	}
	requesterFpr, requesterExisted, err := r.keyring.ImportPublicKey(requesterKey)
	if err != nil {
		r.rollbackKey(uploaderFpr, uploaderExisted)
		return nil, fmt.Errorf("bad requester key: %w", err)
	}

	p := model.Project{
		Name:                    name,
		UploaderKeyFingerprint:  uploaderFpr,
		RequesterKeyFingerprint: requesterFpr,
		ParserModule:            parserModule,
		FilterModule:            filterModule,
	}
	if err := r.store.AddProject(ctx, p); err != nil {
		r.rollbackKey(uploaderFpr, uploaderExisted)
		r.rollbackKey(requesterFpr, requesterExisted)
		if errors.Is(err, db.ErrDuplicate) {
			// The name was checked above, so a duplicate here means one of
			// the fingerprint columns collided with another project.
			return nil, fmt.Errorf("%w: uploader %s / requester %s",
				ErrDuplicateFingerprint, uploaderFpr, requesterFpr)
		}
		return nil, err
	}

	r.audit(ctx, "add project", fmt.Sprintf("name=%s uploader=%s requester=%s parser=%s filter=%s",
		name, uploaderFpr, requesterFpr, parserModule, filterModule))
	return &p, nil
}

// UpdateParams carries the optional fields of an Update call. Nil means
// keep the stored value.
type UpdateParams struct {
	UploaderKey  []byte  // armored public key
	RequesterKey []byte  // armored public key
	FilterModule *string // empty string clears the filter
}

// Update swaps the keys or the filter module of an existing project.
func (r *Registry) Update(ctx context.Context, name string, params UpdateParams) (*model.Project, error) {
	p, err := r.ByName(ctx, name)
	if err != nil {
		return nil, err
	}

	oldUploader, oldRequester := p.UploaderKeyFingerprint, p.RequesterKeyFingerprint
	var freshKeys []string

	if params.UploaderKey != nil {
		fpr, existed, err := r.keyring.ImportPublicKey(params.UploaderKey)
		if err != nil {
			return nil, fmt.Errorf("bad uploader key: %w", err)
		}
		if !existed {
			freshKeys = append(freshKeys, fpr)
		}
		p.UploaderKeyFingerprint = fpr
	}
	if params.RequesterKey != nil {
		fpr, existed, err := r.keyring.ImportPublicKey(params.RequesterKey)
		if err != nil {
			for _, fpr := range freshKeys {
				r.rollbackKey(fpr, false)
			}
			return nil, fmt.Errorf("bad requester key: %w", err)
		}
		if !existed {
			freshKeys = append(freshKeys, fpr)
		}
		p.RequesterKeyFingerprint = fpr
	}
	if params.FilterModule != nil {
		p.FilterModule = *params.FilterModule
	}

	if err := r.store.UpdateProject(ctx, *p); err != nil {
		for _, fpr := range freshKeys {
			r.rollbackKey(fpr, false)
		}
		if errors.Is(err, db.ErrDuplicate) {
			return nil, fmt.Errorf("%w: uploader %s / requester %s",
				ErrDuplicateFingerprint, p.UploaderKeyFingerprint, p.RequesterKeyFingerprint)
		}
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
		}
		return nil, err
	}

	// Drop replaced keys from the keyring once the row is updated.
	if p.UploaderKeyFingerprint != oldUploader {
		r.dropKeyIfUnused(ctx, oldUploader)
	}
	if p.RequesterKeyFingerprint != oldRequester {
		r.dropKeyIfUnused(ctx, oldRequester)
	}

	r.audit(ctx, "update project", fmt.Sprintf("name=%s uploader=%s requester=%s filter=%s",
		p.Name, p.UploaderKeyFingerprint, p.RequesterKeyFingerprint, p.FilterModule))
	return p, nil
}

// Remove deletes a project, its stored keys, and its keyring entries.
func (r *Registry) Remove(ctx context.Context, name string) error {
	p, err := r.ByName(ctx, name)
	if err != nil {
		return err
	}
	if err := r.store.DeleteDRMKeysForProject(ctx, name); err != nil {
		return err
	}
	if err := r.store.DeleteProject(ctx, name); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrProjectNotFound, name)
		}
		return err
	}
	r.dropKeyIfUnused(ctx, p.UploaderKeyFingerprint)
	r.dropKeyIfUnused(ctx, p.RequesterKeyFingerprint)

	r.audit(ctx, "remove project", "name="+name)
	return nil
}

// List returns all registered projects.
func (r *Registry) List(ctx context.Context) ([]model.Project, error) {
	return r.store.GetAllProjects(ctx)
}

// ByName looks a project up by name.
func (r *Registry) ByName(ctx context.Context, name string) (*model.Project, error) {
	p, err := r.store.GetProjectByName(ctx, name)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	return p, err
}

// ByUploaderFingerprint resolves the project an uploader key belongs to.
func (r *Registry) ByUploaderFingerprint(ctx context.Context, fingerprint string) (*model.Project, error) {
	p, err := r.store.GetProjectByUploaderFingerprint(ctx, fingerprint)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: uploader fingerprint %s", ErrProjectNotFound, fingerprint)
	}
	return p, err
}

// ByRequesterFingerprint resolves the project a requester key belongs to.
func (r *Registry) ByRequesterFingerprint(ctx context.Context, fingerprint string) (*model.Project, error) {
	p, err := r.store.GetProjectByRequesterFingerprint(ctx, fingerprint)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: requester fingerprint %s", ErrProjectNotFound, fingerprint)
	}
	return p, err
}

// rollbackKey undoes an import that is no longer wanted. Keys that were
// already present before the call stay.
func (r *Registry) rollbackKey(fingerprint string, existedBefore bool) {
	if existedBefore {
		return
	}
	if err := r.keyring.RemoveKey(fingerprint); err != nil {
		logging.Warnf("could not roll back keyring import %s: %v", fingerprint, err)
	}
}

// dropKeyIfUnused removes a public key from the keyring unless some other
// project still references it. Fingerprint columns are unique, so after a
// delete or swap only a cross-role reuse can keep a key alive.
func (r *Registry) dropKeyIfUnused(ctx context.Context, fingerprint string) {
	if _, err := r.store.GetProjectByUploaderFingerprint(ctx, fingerprint); err == nil {
		return
	}
	if _, err := r.store.GetProjectByRequesterFingerprint(ctx, fingerprint); err == nil {
		return
	}
	if err := r.keyring.RemoveKey(fingerprint); err != nil {
		logging.Warnf("could not remove keyring entry %s: %v", fingerprint, err)
	}
}

func (r *Registry) audit(ctx context.Context, action, details string) {
	if err := r.store.LogAction(ctx, action, details); err != nil {
		logging.Warnf("audit log write failed: %v", err)
	}
}
