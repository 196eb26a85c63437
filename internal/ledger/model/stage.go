package model

// Stage is the outer lifecycle state of a batch.
type Stage string

const (
	StageCreated        Stage = "created"
	StageHarvested      Stage = "harvested"
	StageProcessing     Stage = "processing"
	StageQualityTesting Stage = "quality_testing"
	StageDistribution   Stage = "distribution"
	StageDelivered      Stage = "delivered"
	StageRejected       Stage = "rejected"
)

// Stages lists every outer stage in lifecycle order, Rejected last.
var Stages = []Stage{
	StageCreated,
	StageHarvested,
	StageProcessing,
	StageQualityTesting,
	StageDistribution,
	StageDelivered,
	StageRejected,
}

// Valid reports whether s is a known outer stage.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if s == st {
			return true
		}
	}
	return false
}

// Terminal reports whether no further events may be appended after s.
func (s Stage) Terminal() bool {
	return s == StageDelivered || s == StageRejected
}

// SubStage tags a step inside Processing or QualityTesting.
// Sub-stage changes are recorded as events but never gate transitions.
type SubStage string

const (
	SubStageDrying      SubStage = "drying"
	SubStageGrinding    SubStage = "grinding"
	SubStagePackaging   SubStage = "packaging"
	SubStagePesticide   SubStage = "pesticide"
	SubStageDNA         SubStage = "dna"
	SubStageNutritional SubStage = "nutritional"
)

var subStagesByStage = map[Stage][]SubStage{
	StageProcessing:     {SubStageDrying, SubStageGrinding, SubStagePackaging},
	StageQualityTesting: {SubStagePesticide, SubStageDNA, SubStageNutritional},
}

// AllowsSubStage reports whether sub is a valid tag for stage s.
// The empty sub-stage is always allowed.
func (s Stage) AllowsSubStage(sub SubStage) bool {
	if sub == "" {
		return true
	}
	for _, allowed := range subStagesByStage[s] {
		if allowed == sub {
			return true
		}
	}
	return false
}

// HasSubStages reports whether s carries sub-stage tags at all.
func (s Stage) HasSubStages() bool {
	return len(subStagesByStage[s]) > 0
}
