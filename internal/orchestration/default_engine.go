package orchestration

import (
	"context"

	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
	"github.com/tangjunyou/prompt-faster-sub001/internal/pause"
)

// DefaultEngineName identifies the default engine in logs, metrics and config
const DefaultEngineName = "default"

// DefaultEngine checkpoints after every stage and only stops early when
// the optimizer converges or the user stops the run.
type DefaultEngine struct {
	loop *loop
}

// NewDefaultEngine creates the default engine over the given components
func NewDefaultEngine(c Components) *DefaultEngine {
	return &DefaultEngine{
		loop: newLoop(c, strategy{
			name:                 DefaultEngineName,
			checkpointEveryStage: true,
		}),
	}
}

func (e *DefaultEngine) Name() string {
	return DefaultEngineName
}

func (e *DefaultEngine) Run(ctx context.Context, octx *models.OptimizationContext, ctrl *pause.Controller) (*RunResult, error) {
	return e.loop.run(ctx, octx, ctrl)
}

func (e *DefaultEngine) Resume(ctx context.Context, cp *models.Checkpoint, octx *models.OptimizationContext, ctrl *pause.Controller) (*RunResult, error) {
	return e.loop.resume(ctx, cp, octx, ctrl)
}
