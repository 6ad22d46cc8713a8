package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/ansplan/schedsync/internal/batch"
	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/grouptree"
	"github.com/ansplan/schedsync/internal/semester"
)

// GroupsSummary reports an UpdateGroups run.
type GroupsSummary struct {
	Roots   int
	Groups  int
	Skipped int
	Batches int
	Tree    int
}

// UpdateGroups refreshes the dean-group catalogue of the academic year and
// rebuilds the cached tree. The upstream publishes the tree for the winter
// semester only, so the job does nothing in summer.
func (r *Runner) UpdateGroups(ctx context.Context) (GroupsSummary, error) {
	var sum GroupsSummary
	info, ok := r.semester()
	if !ok {
		r.log.Warn().Msg("vacation period, group update skipped")
		return sum, nil
	}
	if info.Kind != semester.Winter {
		r.log.Warn().Str("semester", info.Identifier).Msg("summer semester, group update skipped")
		return sum, nil
	}

	semID := r.cfg.Rules.WinterSemesterID(info.AcademicYearStart)
	log := r.log.With().Str("academic_year", info.AcademicYear).Int("semester_id", semID).Logger()

	roots, err := r.deps.Fetcher.GroupTree(ctx, semID)
	if err != nil {
		return sum, err
	}
	sum.Roots = len(roots)
	if len(roots) == 0 {
		log.Warn().Msg("upstream returned no units")
		return sum, nil
	}

	res := grouptree.Process(roots, info.AcademicYear, info.AcademicYearStart, log)
	sum.Groups, sum.Skipped = len(res.Groups), res.Skipped

	w := batch.NewWriter(r.deps.Store, r.cfg.BatchCeiling, log)
	w.AddAll(res.Ops)
	fr, flushErr := w.FlushAll(ctx)
	sum.Batches = fr.Batches
	if len(res.Ops) == 0 {
		log.Warn().Msg("no groups found to store")
	}

	tree, err := grouptree.BuildTree(ctx, r.deps.Store)
	if err != nil {
		return sum, errors.Join(flushErr, fmt.Errorf("build group tree: %w", err))
	}
	op, err := grouptree.SaveTreeOp(tree)
	if err != nil {
		return sum, errors.Join(flushErr, err)
	}
	if err := r.deps.Store.Commit(ctx, []docstore.Op{op}); err != nil {
		return sum, errors.Join(flushErr, fmt.Errorf("save group tree: %w", err))
	}
	sum.Tree = len(tree)
	log.Info().Int("groups", sum.Groups).Int("skipped", sum.Skipped).Int("batches", sum.Batches).Msg("group catalogue updated")
	return sum, flushErr
}
