package services

import (
	"errors"
	"fmt"

	"github.com/jfilter/timetiles-sub003/models"
)

var (
	// ErrTerminalStateViolation is returned for any stage-changing write to a
	// completed job outside the administrative override path.
	ErrTerminalStateViolation = errors.New("job is in a terminal state")
	// ErrInvalidRecoveryStage is returned when recovery from failed targets a
	// stage outside the allowed set.
	ErrInvalidRecoveryStage = errors.New("invalid recovery stage")
	// ErrUnknownStage is returned for a stage name outside the pipeline graph.
	ErrUnknownStage = errors.New("unknown pipeline stage")
)

// recoveryStages is the constrained set of stages a failed job may re-enter.
var recoveryStages = map[string]bool{
	models.StageAnalyzeDuplicates: true,
	models.StageDetectSchema:      true,
	models.StageValidateSchema:    true,
	models.StageGeocodeBatch:      true,
}

// stageWeights drive the overall progress percentage. A job entering a stage
// has completed the cumulative weight of all earlier stages.
var stageWeights = map[string]float64{
	models.StageAnalyzeDuplicates:   0,
	models.StageDetectSchema:        0.15,
	models.StageValidateSchema:      0.30,
	models.StageAwaitApproval:       0.35,
	models.StageCreateSchemaVersion: 0.35,
	models.StageGeocodeBatch:        0.40,
	models.StageCreateEvents:        0.75,
	models.StageCompleted:           1,
	models.StageFailed:              1,
}

// workStages name the stages that execute as queue tasks; await-approval,
// completed and failed are not schedulable.
var workStages = map[string]bool{
	models.StageAnalyzeDuplicates:   true,
	models.StageDetectSchema:        true,
	models.StageValidateSchema:      true,
	models.StageCreateSchemaVersion: true,
	models.StageGeocodeBatch:        true,
	models.StageCreateEvents:        true,
}

// NextStage computes the stage that follows the given one. The branch after
// validate-schema depends on the validation outcome: approval-requiring
// changes halt in await-approval, everything else proceeds directly to
// create-schema-version.
func NextStage(current string, validation models.SchemaValidation) (string, error) {
	switch current {
	case models.StageAnalyzeDuplicates:
		return models.StageDetectSchema, nil
	case models.StageDetectSchema:
		return models.StageValidateSchema, nil
	case models.StageValidateSchema:
		if validation.RequiresApproval && !validation.Approved {
			return models.StageAwaitApproval, nil
		}
		return models.StageCreateSchemaVersion, nil
	case models.StageAwaitApproval:
		return models.StageCreateSchemaVersion, nil
	case models.StageCreateSchemaVersion:
		return models.StageGeocodeBatch, nil
	case models.StageGeocodeBatch:
		return models.StageCreateEvents, nil
	case models.StageCreateEvents:
		return models.StageCompleted, nil
	case models.StageCompleted, models.StageFailed:
		return "", ErrTerminalStateViolation
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, current)
	}
}

// CanTransition reports whether from → to is an edge of the stage graph.
// failed is reachable from every non-terminal stage; completed only follows
// create-events.
func CanTransition(from, to string) bool {
	if _, ok := stageWeights[from]; !ok {
		return false
	}
	if from == models.StageCompleted {
		return false
	}
	if to == models.StageFailed {
		return from != models.StageFailed
	}
	if from == models.StageFailed {
		return recoveryStages[to]
	}
	next, err := NextStage(from, models.SchemaValidation{})
	if err != nil {
		return false
	}
	if next == to {
		return true
	}
	// The validation branch makes both await-approval and
	// create-schema-version legal successors of validate-schema.
	if from == models.StageValidateSchema && to == models.StageAwaitApproval {
		return true
	}
	return false
}

// IsRecoveryStage reports whether a failed job may re-enter the given stage.
func IsRecoveryStage(stage string) bool { return recoveryStages[stage] }

// IsWorkStage reports whether the stage executes as a queue task.
func IsWorkStage(stage string) bool { return workStages[stage] }

// StageProgress returns the weighted overall percentage for a job that has
// just entered the given stage.
func StageProgress(stage string) float64 {
	if w, ok := stageWeights[stage]; ok {
		return w * 100
	}
	return 0
}
