package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/wire"
)

func TestStagesOrder(t *testing.T) {
	stages := Stages()
	require.Len(t, stages, wire.TotalAgents)

	want := []string{
		"requirements_analyst", "market_researcher", "competition_analyst",
		"financial_projector", "risk_assessor", "product_validator",
		"operations_analyst", "marketing_strategist", "technology_assessor",
		"legal_advisor", "report_generator",
	}
	for i, d := range stages {
		require.Equal(t, Stage(i), d.Stage)
		require.Equal(t, want[i], d.Name)
		require.Equal(t, want[i], d.Stage.String())
	}
}

func TestStageDependencies(t *testing.T) {
	stages := Stages()
	require.Empty(t, stages[0].DependsOn)
	for i := 1; i < len(stages)-1; i++ {
		require.Equal(t, []Stage{Stage(i - 1)}, stages[i].DependsOn, stages[i].Name)
	}

	report := StageReportGenerator.Describe()
	require.Len(t, report.DependsOn, wire.TotalAgents-1)
	require.Equal(t, domain.CategoryReporting, report.Category)
	for _, d := range report.DependsOn {
		require.Less(t, int(d), int(StageReportGenerator))
	}
}

func TestStagesReturnsCopy(t *testing.T) {
	s := Stages()
	s[0].Name = "changed"
	require.Equal(t, "requirements_analyst", Stages()[0].Name)
}

func TestDescribeUnknownStagePanics(t *testing.T) {
	require.Panics(t, func() { Stage(42).Describe() })
	require.Equal(t, "Stage(42)", Stage(42).String())
}

func TestCurrentStage(t *testing.T) {
	tests := []struct {
		status    domain.ExecutionStatus
		completed int
		want      string
	}{
		{domain.ExecutionPending, 0, "Queued"},
		{domain.ExecutionRunning, 0, "Requirements Analyst"},
		{domain.ExecutionRunning, 3, "Financial Projector"},
		{domain.ExecutionRunning, 10, "Report Generator"},
		{domain.ExecutionRunning, 11, "Finalizing report"},
		{domain.ExecutionRunning, -1, "Requirements Analyst"},
		{domain.ExecutionCompleted, 11, "Completed"},
		{domain.ExecutionFailed, 4, "Failed"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, CurrentStage(tt.status, tt.completed), "%s/%d", tt.status, tt.completed)
	}
}
