package orchestration

import (
	"context"

	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
	"github.com/tangjunyou/prompt-faster-sub001/internal/pause"
)

// AlternateEngineName identifies the alternate engine in logs, metrics and config
const AlternateEngineName = "alternate"

// AlternateEngine checkpoints once per iteration and whenever a pause is
// honored. It ends the run as soon as the pass rate reaches the configured
// threshold, and asks the teacher model for a failure diagnosis when one is
// configured.
type AlternateEngine struct {
	loop *loop
}

// NewAlternateEngine creates the alternate engine over the given components
func NewAlternateEngine(c Components) *AlternateEngine {
	return &AlternateEngine{
		loop: newLoop(c, strategy{
			name:           AlternateEngineName,
			fastPath:       true,
			consultTeacher: true,
		}),
	}
}

func (e *AlternateEngine) Name() string {
	return AlternateEngineName
}

func (e *AlternateEngine) Run(ctx context.Context, octx *models.OptimizationContext, ctrl *pause.Controller) (*RunResult, error) {
	return e.loop.run(ctx, octx, ctrl)
}

func (e *AlternateEngine) Resume(ctx context.Context, cp *models.Checkpoint, octx *models.OptimizationContext, ctrl *pause.Controller) (*RunResult, error) {
	return e.loop.resume(ctx, cp, octx, ctrl)
}

// NewEngine returns the engine registered under name
func NewEngine(name string, c Components) (Engine, error) {
	switch name {
	case "", DefaultEngineName:
		return NewDefaultEngine(c), nil
	case AlternateEngineName:
		return NewAlternateEngine(c), nil
	}
	return nil, invalidRequest("unknown engine %q", name)
}
