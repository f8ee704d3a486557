package flowlines

import (
	"fmt"

	"github.com/gogpu/flowlines/gpucore"
)

// Stage is the state of the simulation's stage machine.
type Stage int

const (
	// StageLoading waits for the kernels to become ready.
	StageLoading Stage = iota
	// StageInitializing means the init kernel (and the discretize kernel
	// in grid mode) ran on the last tick.
	StageInitializing
	// StageUpdating grows every line by one point per tick.
	StageUpdating
	// StageFinished means every line reached max_iterations.
	StageFinished
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageLoading:
		return "loading"
	case StageInitializing:
		return "initializing"
	case StageUpdating:
		return "updating"
	case StageFinished:
		return "finished"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// InitIteration is the iteration counter after the init kernel: it seeds
// a two-point polyline per line.
const InitIteration = 2

// Transition computes the next stage and iteration counter. It is pure:
// kernelsReady is the result of polling the device, and p supplies the
// reset and pause flags and the iteration bound.
//
//   - reset: any stage -> Loading, iteration 0
//   - paused: unchanged
//   - Loading -> Initializing (iteration 2) once kernels are ready
//   - Initializing -> Updating (iteration+1), or Finished at the bound
//   - Updating -> Updating (iteration+1) below the bound, else Finished
//   - Finished -> Finished
func Transition(stage Stage, p Params, iteration uint32, kernelsReady bool) (Stage, uint32) {
	if p.ShouldReset {
		return StageLoading, 0
	}
	if p.Paused {
		return stage, iteration
	}
	switch stage {
	case StageLoading:
		if !kernelsReady {
			return StageLoading, iteration
		}
		return StageInitializing, InitIteration
	case StageInitializing, StageUpdating:
		if iteration >= p.MaxIterations {
			return StageFinished, iteration
		}
		return StageUpdating, iteration + 1
	default:
		return StageFinished, iteration
	}
}

// KernelsFor returns the kernels dispatched on the tick that enters
// stage. Discretize runs before Init because seeding samples the grid.
// Loading and Finished dispatch nothing.
func KernelsFor(stage Stage, useGrid bool) []gpucore.Kernel {
	switch stage {
	case StageInitializing:
		if useGrid {
			return []gpucore.Kernel{gpucore.KernelDiscretize, gpucore.KernelInit}
		}
		return []gpucore.Kernel{gpucore.KernelInit}
	case StageUpdating:
		return []gpucore.Kernel{gpucore.KernelUpdate}
	default:
		return nil
	}
}

// RequiredKernels returns the kernels that must be ready before leaving
// Loading.
func RequiredKernels(useGrid bool) []gpucore.Kernel {
	if useGrid {
		return []gpucore.Kernel{gpucore.KernelDiscretize, gpucore.KernelInit, gpucore.KernelUpdate}
	}
	return []gpucore.Kernel{gpucore.KernelInit, gpucore.KernelUpdate}
}

// plan is one tick's decision: where the machine goes and what must be
// dispatched to get there.
type plan struct {
	from, to  Stage
	iteration uint32
	kernels   []gpucore.Kernel
	reset     bool
	advancing bool
}

// planTick combines Transition and KernelsFor. Kernels are dispatched only
// when the transition moves the machine, so a paused or finished tick
// issues none.
func planTick(stage Stage, p Params, iteration uint32, kernelsReady bool) plan {
	to, next := Transition(stage, p, iteration, kernelsReady)
	pl := plan{from: stage, to: to, iteration: next, reset: p.ShouldReset}
	if pl.reset {
		return pl
	}
	if to != stage || next != iteration {
		pl.advancing = true
		pl.kernels = KernelsFor(to, p.UseGrid)
	}
	return pl
}
