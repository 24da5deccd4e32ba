// Package selector picks which profile a loop iteration should run under.
// See spec §4.3 (C2 Selector), grounded on
// original_source/rust/crates/forge-loop/src/profile_selection.rs.
package selector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgehq/forge/pkg/models"
)

// Sentinel errors surfaced to callers. Pool/profile "unavailable" are the
// stable error-kind strings the daemon/CLI match on (spec §7).
var (
	ErrPoolUnavailable    = errors.New("pool unavailable")
	ErrProfileUnavailable = errors.New("profile unavailable")
)

// DefaultWaitInterval is the advisory retry delay when no member is
// available and no cooldown deadline is known.
const DefaultWaitInterval = 5 * time.Second

// LoopSpec is the subset of a Loop the Selector needs.
type LoopSpec struct {
	ProfileID *string
	PoolID    *string
}

// Backend abstracts the store so Select can be unit tested without a
// database (spec §9 "Generics vs dynamic dispatch": SelectionBackend is
// trait-scoped).
type Backend interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	GetPool(ctx context.Context, id string) (*models.Pool, error)
	GetPoolByName(ctx context.Context, name string) (*models.Pool, error)
	GetDefaultPool(ctx context.Context) (*models.Pool, error)
	ListPoolMembers(ctx context.Context, poolID string) ([]models.PoolMember, error)
	CountRunningByProfile(ctx context.Context, profileID string) (int, error)
	UpdatePool(ctx context.Context, pool *models.Pool) error
}

// Result is the outcome of a Select call: either a chosen profile, or an
// advisory wait deadline when none was available.
type Result struct {
	Profile   *models.Profile
	WaitUntil *time.Time
}

// Select runs the full resolution algorithm: pinned profile short-circuit,
// then pool resolution, ordered member scan from the persisted round-robin
// cursor, cooldown/concurrency availability checks, and earliest-deadline
// fallback. now is injected so callers (and tests) control the clock.
func Select(ctx context.Context, backend Backend, spec LoopSpec, defaultPoolName string, now time.Time) (Result, error) {
	if spec.ProfileID != nil && *spec.ProfileID != "" {
		profile, err := backend.GetProfile(ctx, *spec.ProfileID)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %s", ErrProfileUnavailable, *spec.ProfileID)
		}
		available, _, err := profileAvailable(ctx, backend, profile, now)
		if err != nil {
			return Result{}, err
		}
		if !available {
			return Result{}, fmt.Errorf("pinned profile %s unavailable", profile.Name)
		}
		return Result{Profile: profile}, nil
	}

	pool, err := resolvePool(ctx, backend, spec, defaultPoolName)
	if err != nil {
		return Result{}, err
	}

	members, err := backend.ListPoolMembers(ctx, pool.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list pool members: %w", err)
	}
	if len(members) == 0 {
		return Result{}, ErrPoolUnavailable
	}

	startIndex := pool.LastIndex()
	n := len(members)
	var earliestWait *time.Time

	for i := 0; i < n; i++ {
		idx := mod(startIndex+1+i, n)
		member := members[idx]

		profile, err := backend.GetProfile(ctx, member.ProfileID)
		if err != nil {
			continue
		}
		available, nextWait, err := profileAvailable(ctx, backend, profile, now)
		if err != nil {
			continue
		}
		if available {
			pool.SetLastIndex(idx)
			if err := backend.UpdatePool(ctx, pool); err != nil {
				return Result{}, fmt.Errorf("persist selection cursor: %w", err)
			}
			return Result{Profile: profile}, nil
		}
		if nextWait != nil {
			if earliestWait == nil || nextWait.Before(*earliestWait) {
				earliestWait = nextWait
			}
		}
	}

	wait := now.Add(DefaultWaitInterval)
	if earliestWait != nil {
		wait = *earliestWait
	}
	return Result{WaitUntil: &wait}, nil
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

func profileAvailable(ctx context.Context, backend Backend, profile *models.Profile, now time.Time) (bool, *time.Time, error) {
	if profile.CooldownUntil != nil && profile.CooldownUntil.After(now) {
		until := *profile.CooldownUntil
		return false, &until, nil
	}
	if profile.MaxConcurrency > 0 {
		count, err := backend.CountRunningByProfile(ctx, profile.ID)
		if err != nil {
			return false, nil, fmt.Errorf("count running by profile %s: %w", profile.ID, err)
		}
		if count >= profile.MaxConcurrency {
			return false, nil, nil
		}
	}
	return true, nil, nil
}

func resolvePool(ctx context.Context, backend Backend, spec LoopSpec, defaultPoolName string) (*models.Pool, error) {
	if spec.PoolID != nil && *spec.PoolID != "" {
		pool, err := backend.GetPool(ctx, *spec.PoolID)
		if err != nil {
			return nil, ErrPoolUnavailable
		}
		if pool.Mode == models.PoolModePaused || pool.Mode == models.PoolModeDraining {
			return nil, ErrPoolUnavailable
		}
		return pool, nil
	}
	if defaultPoolName != "" {
		if pool, err := backend.GetPoolByName(ctx, defaultPoolName); err == nil {
			if pool.Mode == models.PoolModePaused || pool.Mode == models.PoolModeDraining {
				return nil, ErrPoolUnavailable
			}
			return pool, nil
		}
	}
	pool, err := backend.GetDefaultPool(ctx)
	if err != nil {
		return nil, ErrPoolUnavailable
	}
	if pool.Mode == models.PoolModePaused || pool.Mode == models.PoolModeDraining {
		return nil, ErrPoolUnavailable
	}
	return pool, nil
}
