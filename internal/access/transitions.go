package access

import (
	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

type edge struct {
	from, to model.Stage
}

// transitions is the outer-state move table: (from, to) → roles allowed to make it.
// Sub-stage events (from == to) and rejections are handled in AllowedRoles.
var transitions = map[edge][]model.Role{
	{model.StageCreated, model.StageHarvested}:           {model.RoleFarmer},
	{model.StageHarvested, model.StageProcessing}:        {model.RoleFacility},
	{model.StageProcessing, model.StageQualityTesting}:   {model.RoleFacility, model.RoleLaboratory},
	{model.StageQualityTesting, model.StageDistribution}: {model.RoleLaboratory},
	{model.StageDistribution, model.StageDelivered}:      {model.RoleFacility, model.RoleDistributor},
}

// subStageRoles lists who may record sub-stage steps inside an outer stage.
var subStageRoles = map[model.Stage][]model.Role{
	model.StageProcessing:     {model.RoleFacility},
	model.StageQualityTesting: {model.RoleLaboratory},
}

var rejectRoles = []model.Role{model.RoleRegulator, model.RoleLaboratory}

// CreateRoles lists the roles that may open a batch with its genesis event.
var CreateRoles = []model.Role{model.RoleFarmer}

// ValidateTransition checks a proposed move against the state machine alone,
// independent of who is asking. It does not check terminal states; callers
// report those as TerminalStateError first.
func ValidateTransition(from, to model.Stage, sub model.SubStage, role model.Role) error {
	if role.ReadOnly() {
		return &model.InvalidTransitionError{From: from, To: to, SubStage: sub, Msg: "role " + string(role) + " is read-only"}
	}
	if !to.Valid() {
		return &model.InvalidTransitionError{From: from, To: to, SubStage: sub, Msg: "unknown stage"}
	}
	if !to.AllowsSubStage(sub) {
		return &model.InvalidTransitionError{From: from, To: to, SubStage: sub, Msg: "sub-stage not valid for " + string(to)}
	}
	if to == model.StageRejected {
		if sub != "" {
			return &model.InvalidTransitionError{From: from, To: to, SubStage: sub, Msg: "rejection carries no sub-stage"}
		}
		return nil
	}
	if from == to {
		if !to.HasSubStages() || sub == "" {
			return &model.InvalidTransitionError{From: from, To: to, SubStage: sub, Msg: "stage already reached"}
		}
		return nil
	}
	if _, ok := transitions[edge{from, to}]; !ok {
		return &model.InvalidTransitionError{From: from, To: to, SubStage: sub}
	}
	return nil
}

// AllowedRoles returns the roles permitted to make a move that already
// passed ValidateTransition.
func AllowedRoles(from, to model.Stage) []model.Role {
	switch {
	case to == model.StageRejected:
		return rejectRoles
	case from == to:
		return subStageRoles[to]
	default:
		return transitions[edge{from, to}]
	}
}

// NextStages lists the outer stages reachable from s, for read views.
func NextStages(s model.Stage) []model.Stage {
	if s.Terminal() {
		return nil
	}
	var next []model.Stage
	for _, candidate := range model.Stages {
		if _, ok := transitions[edge{s, candidate}]; ok {
			next = append(next, candidate)
		}
	}
	return append(next, model.StageRejected)
}
