package executorset

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slidequeue/scheduler/pkg/model"
	"github.com/slidequeue/scheduler/pkg/workflow"
)

func TestCellSegmentationReportsMonotonicProgressAndSetsResultPath(t *testing.T) {
	cfg := Config{TileCount: 4, TileDelay: time.Millisecond}
	exec := CellSegmentation(cfg)

	job := &model.Job{JobID: "j1"}
	var last float64
	report := func(progress float64, processed, total int64) {
		assert.GreaterOrEqual(t, progress, last)
		last = progress
		assert.Equal(t, int64(4), total)
	}

	err := exec(context.Background(), job, report)
	require.NoError(t, err)
	assert.Equal(t, 1.0, last)
	assert.Contains(t, job.ResultPath, "cell_segmentation")
	assert.Contains(t, job.ResultPath, job.JobID)
}

func TestTissueMaskHonorsMetadataTileCountOverride(t *testing.T) {
	cfg := Config{TileCount: 100, TileDelay: time.Millisecond}
	exec := TissueMask(cfg)

	job := &model.Job{JobID: "j2", Metadata: map[string]any{"tile_count": float64(2)}}
	var calls int
	report := func(progress float64, processed, total int64) {
		calls++
		assert.Equal(t, int64(2), total)
	}

	require.NoError(t, exec(context.Background(), job, report))
	assert.Equal(t, 2, calls)
}

func TestRunTilesCancelledByContext(t *testing.T) {
	cfg := Config{TileCount: 1000, TileDelay: 20 * time.Millisecond}
	exec := CellSegmentation(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()

	job := &model.Job{JobID: "j3"}
	err := exec(ctx, job, func(float64, int64, int64) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, job.ResultPath)
}

var _ workflow.Executor = CellSegmentation(DefaultConfig())
