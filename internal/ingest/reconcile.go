package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	// Checked is the number of metadata rows examined.
	Checked int
	// OrphanMetadata lists IDs with a metadata row but no vector.
	OrphanMetadata []string
	// OrphanVectors lists observed vector IDs with no metadata row.
	OrphanVectors []string
	// Repaired reports whether orphans were removed rather than listed.
	Repaired bool
}

// Reconcile sweeps the metadata store for rows whose vector is missing.
// With repair set, orphan rows are deleted; otherwise they are only
// reported. Metadata-without-vector is invisible to search, so the sweep
// can run concurrently with queries.
func (x *Indexer) Reconcile(ctx context.Context, repair bool) (*ReconcileReport, error) {
	ids, err := x.meta.IDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing metadata ids: %w", err)
	}

	report := &ReconcileReport{Checked: len(ids), Repaired: repair}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		has, err := x.index.Has(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("checking vector %s: %w", id, err)
		}
		if has {
			continue
		}
		report.OrphanMetadata = append(report.OrphanMetadata, id)
		if repair {
			if err := x.meta.Delete(ctx, id); err != nil {
				return nil, fmt.Errorf("deleting orphan metadata %s: %w", id, err)
			}
		}
	}

	if len(report.OrphanMetadata) > 0 {
		x.logger.Warn("reconcile found orphan metadata",
			zap.Int("count", len(report.OrphanMetadata)),
			zap.Bool("repaired", repair),
		)
	}
	return report, nil
}

// RemoveOrphanVectors deletes observed vector IDs that have no metadata
// row. The index cannot be enumerated on every backend, so callers pass
// the IDs they have seen (e.g. from query results or an export).
func (x *Indexer) RemoveOrphanVectors(ctx context.Context, observed []string, repair bool) (*ReconcileReport, error) {
	if len(observed) == 0 {
		return &ReconcileReport{Repaired: repair}, nil
	}

	metadata, err := x.meta.GetMany(ctx, observed)
	if err != nil {
		return nil, fmt.Errorf("fetching metadata: %w", err)
	}

	report := &ReconcileReport{Checked: len(observed), Repaired: repair}
	for _, id := range observed {
		if _, ok := metadata[id]; ok {
			continue
		}
		has, err := x.index.Has(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("checking vector %s: %w", id, err)
		}
		if !has {
			continue
		}
		report.OrphanVectors = append(report.OrphanVectors, id)
	}

	if repair && len(report.OrphanVectors) > 0 {
		if err := x.index.Delete(ctx, report.OrphanVectors...); err != nil {
			return nil, fmt.Errorf("deleting orphan vectors: %w", err)
		}
	}

	if len(report.OrphanVectors) > 0 {
		x.logger.Warn("reconcile found orphan vectors",
			zap.Int("count", len(report.OrphanVectors)),
			zap.Bool("repaired", repair),
		)
	}
	return report, nil
}
