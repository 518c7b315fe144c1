// Package executorset provides concrete workflow.Executor implementations
// for the two registered job types. They simulate tiled whole-slide-image
// processing, advancing tiles_processed toward tiles_total on a per-tile
// delay and invoking the progress callback every tile, without performing
// any actual image I/O or inference. The real analysis engines are out of
// scope; these exist so the Workflow Engine's dispatch path and
// cmd/scheduler-service are exercised end-to-end.
//
// Each job is processed as a series of index-addressed tiles driven to
// completion one at a time, firing the progress callback once per tile
// rather than continuously, similar to a periodic progress-reporter
// convention for long-running batch work.
package executorset

import (
	"context"
	"fmt"
	"time"

	"github.com/slidequeue/scheduler/pkg/model"
	"github.com/slidequeue/scheduler/pkg/workflow"
)

// Config controls the simulated tiling workload.
type Config struct {
	// TileCount is how many tiles a job is divided into when its
	// Metadata doesn't specify "tile_count".
	TileCount int64
	// TileDelay is how long each simulated tile takes to process.
	TileDelay time.Duration
}

// DefaultConfig returns a lightweight simulation: 20 tiles, 50ms apart,
// about one second per job, enough to exercise progress aggregation
// without slowing tests.
func DefaultConfig() Config {
	return Config{TileCount: 20, TileDelay: 50 * time.Millisecond}
}

func tileCount(job *model.Job, fallback int64) int64 {
	if n, ok := job.Metadata["tile_count"]; ok {
		if f, ok := n.(float64); ok && f > 0 {
			return int64(f)
		}
		if i, ok := n.(int); ok && i > 0 {
			return int64(i)
		}
	}
	return fallback
}

// CellSegmentation simulates per-tile cell segmentation.
func CellSegmentation(cfg Config) workflow.Executor {
	return func(ctx context.Context, job *model.Job, report workflow.ProgressFunc) error {
		return runTiles(ctx, job, report, cfg, "cell_segmentation")
	}
}

// TissueMask simulates per-tile tissue-mask extraction.
func TissueMask(cfg Config) workflow.Executor {
	return func(ctx context.Context, job *model.Job, report workflow.ProgressFunc) error {
		return runTiles(ctx, job, report, cfg, "tissue_mask")
	}
}

func runTiles(ctx context.Context, job *model.Job, report workflow.ProgressFunc, cfg Config, kind string) error {
	total := tileCount(job, cfg.TileCount)
	if total <= 0 {
		return fmt.Errorf("%s: invalid tile count for job %s", kind, job.JobID)
	}

	for processed := int64(1); processed <= total; processed++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.TileDelay):
		}
		report(float64(processed)/float64(total), processed, total)
	}

	job.ResultPath = fmt.Sprintf("results/%s/%s.out", kind, job.JobID)
	return nil
}
