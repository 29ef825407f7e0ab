package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ConaryLabs/conary/internal/router"
)

// VersionPolicy governs how a derived package's version is computed from
// its source Trove's version (SPEC_FULL.md "SUPPLEMENTED FEATURES",
// grounded on src/db/models/derived.rs).
type VersionPolicy string

const (
	VersionInherit  VersionPolicy = "inherit"  // derived version == source version
	VersionSuffix   VersionPolicy = "suffix"   // derived version == source version + suffix
	VersionSpecific VersionPolicy = "specific" // derived version is fixed, independent of source
)

// DerivedStatus is the build state of a derived package.
type DerivedStatus string

const (
	DerivedPending DerivedStatus = "pending" // not yet built
	DerivedBuilt   DerivedStatus = "built"   // built and installable
	DerivedStale   DerivedStatus = "stale"   // source Trove moved on since the build
	DerivedError   DerivedStatus = "error"   // last build attempt failed
)

// DerivedPackage tracks a Trove built locally via a Recipe strategy from a
// known source Trove, with a version policy governing rebuild cadence.
type DerivedPackage struct {
	TroveID              int64
	SourceTroveID        int64
	VersionPolicy        VersionPolicy
	VersionSuffix        string
	VersionSpecific      string
	SourceVersionAtBuild string
	DerivedStatus        DerivedStatus
	ArtifactHash         string
	LastRebuiltAt        int64
}

// ComputeVersion derives the package's version from sourceVersion per the
// configured policy (src/db/models/derived.rs VersionPolicy::compute_version).
func (d DerivedPackage) ComputeVersion(sourceVersion string) string {
	switch d.VersionPolicy {
	case VersionSuffix:
		return sourceVersion + d.VersionSuffix
	case VersionSpecific:
		return d.VersionSpecific
	default:
		return sourceVersion
	}
}

// UpsertDerivedPackage records or updates a derived package's definition
// and build state. sourceVersion is the source Trove's version at the time
// of this call; when it differs from the row's stored
// source_version_at_build, a previously Built record is marked Stale (spec
// §4.11-adjacent: "the parent package was updated, rebuild needed").
func UpsertDerivedPackage(ctx context.Context, d *DB, dp DerivedPackage, sourceVersion string) error {
	existing, err := derivedPackageByTroveID(ctx, d.conn, dp.TroveID)
	if err != nil {
		return err
	}
	status := dp.DerivedStatus
	if existing != nil && existing.DerivedStatus == DerivedBuilt && existing.SourceVersionAtBuild != sourceVersion {
		status = DerivedStale
	}

	_, err = d.conn.ExecContext(ctx,
		`INSERT INTO derived_packages (trove_id, source_trove_id, version_policy, version_suffix, version_specific, source_version_at_build, derived_status, artifact_hash, last_rebuilt_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(trove_id) DO UPDATE SET
			source_trove_id = excluded.source_trove_id,
			version_policy = excluded.version_policy,
			version_suffix = excluded.version_suffix,
			version_specific = excluded.version_specific,
			source_version_at_build = excluded.source_version_at_build,
			derived_status = excluded.derived_status,
			artifact_hash = excluded.artifact_hash,
			last_rebuilt_at = excluded.last_rebuilt_at`,
		dp.TroveID, dp.SourceTroveID, string(dp.VersionPolicy), nullIfEmptyStr(dp.VersionSuffix), nullIfEmptyStr(dp.VersionSpecific),
		sourceVersion, string(status), nullIfEmptyStr(dp.ArtifactHash), nullIfZero(dp.LastRebuiltAt))
	if err != nil {
		return fmt.Errorf("db: upsert derived_package: %w", err)
	}
	return nil
}

// RepointDerivedSource moves every derived package tracking oldTroveID as
// its source onto newTroveID, marking already-Built ones Stale, inside tx.
// Called before an upgrade deletes the old Trove row, since
// derived_packages.source_trove_id carries no ON DELETE CASCADE (the
// derived relationship must survive its source's upgrade, not vanish with
// it — only a derived package's own Trove going away should cascade).
func RepointDerivedSource(ctx context.Context, tx *ImmediateTx, oldTroveID, newTroveID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE derived_packages SET source_trove_id = ?,
			derived_status = CASE WHEN derived_status = ? THEN ? ELSE derived_status END
		 WHERE source_trove_id = ?`,
		newTroveID, string(DerivedBuilt), string(DerivedStale), oldTroveID)
	if err != nil {
		return fmt.Errorf("db: repoint derived packages: %w", err)
	}
	return nil
}

func derivedPackageByTroveID(ctx context.Context, conn queryer, troveID int64) (*DerivedPackage, error) {
	row := conn.QueryRowContext(ctx,
		`SELECT trove_id, source_trove_id, version_policy, version_suffix, version_specific, source_version_at_build, derived_status, artifact_hash, last_rebuilt_at
		 FROM derived_packages WHERE trove_id = ?`, troveID)
	var dp DerivedPackage
	var policy, status string
	var suffix, specific, artifactHash sql.NullString
	var lastRebuilt sql.NullInt64
	if err := row.Scan(&dp.TroveID, &dp.SourceTroveID, &policy, &suffix, &specific, &dp.SourceVersionAtBuild, &status, &artifactHash, &lastRebuilt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("db: query derived_package %d: %w", troveID, err)
	}
	dp.VersionPolicy, dp.DerivedStatus = VersionPolicy(policy), DerivedStatus(status)
	dp.VersionSuffix, dp.VersionSpecific, dp.ArtifactHash = suffix.String, specific.String, artifactHash.String
	dp.LastRebuiltAt = lastRebuilt.Int64
	return &dp, nil
}

// DerivedArtifact implements router.Store's derived-package short-circuit:
// a Built, non-Stale derived package is resolved straight to its CAS
// artifact without walking the repository's normal strategy chain (spec
// SPEC_FULL.md "SUPPLEMENTED FEATURES" derived packages).
func (s *storeAdapter) DerivedArtifact(name string) (router.DerivedArtifact, bool, error) {
	ctx := context.Background()
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT dp.artifact_hash, dp.derived_status
		 FROM derived_packages dp JOIN troves t ON t.id = dp.trove_id
		 WHERE t.name = ?`, name)
	var hash, status string
	if err := row.Scan(&hash, &status); err != nil {
		if err == sql.ErrNoRows {
			return router.DerivedArtifact{}, false, nil
		}
		return router.DerivedArtifact{}, false, fmt.Errorf("db: query derived artifact %s: %w", name, err)
	}
	if DerivedStatus(status) != DerivedBuilt || hash == "" {
		return router.DerivedArtifact{}, false, nil
	}
	return router.DerivedArtifact{Hash: hash}, true, nil
}
