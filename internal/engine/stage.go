// Package engine runs business idea validations: a fixed sequence of role
// agents backed by a language model, the execution lifecycle around it and
// the REST API that exposes it.
package engine

import (
	"fmt"

	"github.com/ashureev/validity/internal/domain"
)

// Stage identifies one agent of the pipeline. Values are in execution order.
type Stage int

const (
	StageRequirementsAnalyst Stage = iota
	StageMarketResearcher
	StageCompetitionAnalyst
	StageFinancialProjector
	StageRiskAssessor
	StageProductValidator
	StageOperationsAnalyst
	StageMarketingStrategist
	StageTechnologyAssessor
	StageLegalAdvisor
	StageReportGenerator

	stageCount
)

// Descriptor describes a stage: who runs it and what it consumes.
type Descriptor struct {
	Stage       Stage
	Name        string
	DisplayName string
	Category    domain.StageCategory
	DependsOn   []Stage
}

var descriptors = [stageCount]Descriptor{
	{StageRequirementsAnalyst, "requirements_analyst", "Requirements Analyst", domain.CategoryResearch, nil},
	{StageMarketResearcher, "market_researcher", "Market Researcher", domain.CategoryResearch, []Stage{StageRequirementsAnalyst}},
	{StageCompetitionAnalyst, "competition_analyst", "Competition Analyst", domain.CategoryResearch, []Stage{StageMarketResearcher}},
	{StageFinancialProjector, "financial_projector", "Financial Projector", domain.CategoryAnalysis, []Stage{StageCompetitionAnalyst}},
	{StageRiskAssessor, "risk_assessor", "Risk Assessor", domain.CategoryAnalysis, []Stage{StageFinancialProjector}},
	{StageProductValidator, "product_validator", "Product Validator", domain.CategoryValidation, []Stage{StageRiskAssessor}},
	{StageOperationsAnalyst, "operations_analyst", "Operations Analyst", domain.CategoryAnalysis, []Stage{StageProductValidator}},
	{StageMarketingStrategist, "marketing_strategist", "Marketing Strategist", domain.CategoryAnalysis, []Stage{StageOperationsAnalyst}},
	{StageTechnologyAssessor, "technology_assessor", "Technology Assessor", domain.CategoryValidation, []Stage{StageMarketingStrategist}},
	{StageLegalAdvisor, "legal_advisor", "Legal Advisor", domain.CategoryValidation, []Stage{StageTechnologyAssessor}},
	{StageReportGenerator, "report_generator", "Report Generator", domain.CategoryReporting, []Stage{
		StageRequirementsAnalyst, StageMarketResearcher, StageCompetitionAnalyst, StageFinancialProjector,
		StageRiskAssessor, StageProductValidator, StageOperationsAnalyst, StageMarketingStrategist,
		StageTechnologyAssessor, StageLegalAdvisor,
	}},
}

// Stages returns all stage descriptors in execution order.
func Stages() []Descriptor {
	out := make([]Descriptor, len(descriptors))
	copy(out, descriptors[:])
	return out
}

// Describe returns the descriptor of s.
func (s Stage) Describe() Descriptor {
	if s < 0 || s >= stageCount {
		panic(fmt.Sprintf("engine: unknown stage %d", int(s)))
	}
	return descriptors[s]
}

func (s Stage) String() string {
	if s < 0 || s >= stageCount {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return descriptors[s].Name
}

// CurrentStage names what a run is doing given its status and the number of
// completed agents.
func CurrentStage(status domain.ExecutionStatus, completed int) string {
	switch status {
	case domain.ExecutionPending:
		return "Queued"
	case domain.ExecutionCompleted:
		return "Completed"
	case domain.ExecutionFailed:
		return "Failed"
	}
	if completed < 0 {
		completed = 0
	}
	if completed >= int(stageCount) {
		return "Finalizing report"
	}
	return descriptors[completed].DisplayName
}
