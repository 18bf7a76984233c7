package step

import (
	"fmt"

	"github.com/ShayCichocki/caseflow/internal/caseconfig"
	"github.com/ShayCichocki/caseflow/pkg/models"
)

const (
	defaultGoalCellsPerCore = 200
	defaultMaxCellsPerCore  = 2000
)

// ResolveResources sizes the step for cells cells. NTasks aims for
// [parallel] goal_cells_per_core and MinTasks keeps each core under
// max_cells_per_core. OpenMPThreads is left as requested.
func (s *Step) ResolveResources(cells int, cfg *caseconfig.Config) error {
	if cells <= 0 {
		return nil
	}

	goal, maxCells := defaultGoalCellsPerCore, defaultMaxCellsPerCore
	if cfg != nil {
		var err error
		if cfg.Has("parallel", "goal_cells_per_core") {
			if goal, err = cfg.GetInt("parallel", "goal_cells_per_core"); err != nil {
				return err
			}
		}
		if cfg.Has("parallel", "max_cells_per_core") {
			if maxCells, err = cfg.GetInt("parallel", "max_cells_per_core"); err != nil {
				return err
			}
		}
	}
	if goal <= 0 || maxCells <= 0 {
		return fmt.Errorf("step %s: cells per core must be positive (goal %d, max %d)", s, goal, maxCells)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = models.Resources{
		NTasks:        ceilDiv(cells, goal),
		MinTasks:      ceilDiv(cells, maxCells),
		OpenMPThreads: s.resources.OpenMPThreads,
	}.Normalize()
	return nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
