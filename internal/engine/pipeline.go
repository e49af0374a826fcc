package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/validity/internal/domain"
)

// StageOutput is what one stage produced.
type StageOutput struct {
	Descriptor   Descriptor
	Text         string
	InputTokens  int64
	OutputTokens int64
	StartedAt    time.Time
	CompletedAt  time.Time
	Err          error
}

// Tokens returns the total token usage of the stage.
func (o StageOutput) Tokens() int64 {
	return o.InputTokens + o.OutputTokens
}

// Observer is notified around each stage of a run.
type Observer interface {
	StageStarted(ctx context.Context, d Descriptor, at time.Time)
	StageFinished(ctx context.Context, out StageOutput)
}

// StageError reports the stage that stopped a run.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("agent %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// PipelineResult holds the outputs of a successful run.
type PipelineResult struct {
	Outputs     []StageOutput
	Report      string
	TotalTokens int64
}

// Pipeline runs the stages in order against a model.
type Pipeline struct {
	model Model
	roles *RoleStore
	now   func() time.Time
}

// NewPipeline creates a pipeline. The roles active when a run starts are
// used for the whole run.
func NewPipeline(model Model, roles *RoleStore) *Pipeline {
	return &Pipeline{model: model, roles: roles, now: time.Now}
}

// Run executes every stage sequentially and stops at the first failure.
// obs may be nil.
func (p *Pipeline) Run(ctx context.Context, topic string, uc domain.UserContext, obs Observer) (*PipelineResult, error) {
	roles := p.roles.Roles()
	vars := map[string]string{
		"topic":        topic,
		"user_context": FormatUserContext(uc),
		"current_year": strconv.Itoa(p.now().Year()),
	}

	outputs := make([]StageOutput, 0, stageCount)
	var total int64
	for _, d := range Stages() {
		if err := ctx.Err(); err != nil {
			return nil, &StageError{Stage: d.Stage, Err: err}
		}

		prompt := buildPrompt(roles.Role(d.Stage), d, outputs, vars)
		out := StageOutput{Descriptor: d, StartedAt: p.now()}
		if obs != nil {
			obs.StageStarted(ctx, d, out.StartedAt)
		}

		c, err := p.model.Complete(ctx, prompt)
		out.CompletedAt = p.now()
		if err != nil {
			out.Err = err
		} else {
			out.Text = c.Text
			out.InputTokens = c.InputTokens
			out.OutputTokens = c.OutputTokens
		}
		if obs != nil {
			obs.StageFinished(ctx, out)
		}
		if out.Err != nil {
			return nil, &StageError{Stage: d.Stage, Err: out.Err}
		}

		total += out.Tokens()
		outputs = append(outputs, out)
	}

	return &PipelineResult{
		Outputs:     outputs,
		Report:      outputs[len(outputs)-1].Text,
		TotalTokens: total,
	}, nil
}

func buildPrompt(role Role, d Descriptor, done []StageOutput, vars map[string]string) Prompt {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are the %s.", Interpolate(role.Role, vars))
	if role.Backstory != "" {
		sys.WriteString("\n\n")
		sys.WriteString(strings.TrimSpace(Interpolate(role.Backstory, vars)))
	}
	if role.Goal != "" {
		sys.WriteString("\n\nYour goal: ")
		sys.WriteString(strings.TrimSpace(Interpolate(role.Goal, vars)))
	}

	var user strings.Builder
	user.WriteString(strings.TrimSpace(Interpolate(role.Description, vars)))
	if len(d.DependsOn) > 0 {
		user.WriteString("\n\n# Findings from previous agents\n")
		for _, dep := range d.DependsOn {
			if int(dep) >= len(done) {
				continue
			}
			fmt.Fprintf(&user, "\n## %s\n\n%s\n", dep.Describe().DisplayName, strings.TrimSpace(done[dep].Text))
		}
	}
	if role.ExpectedOutput != "" {
		user.WriteString("\n\n# Expected output\n\n")
		user.WriteString(strings.TrimSpace(Interpolate(role.ExpectedOutput, vars)))
	}

	return Prompt{System: sys.String(), User: user.String()}
}

// FormatUserContext renders the founder profile for prompts.
func FormatUserContext(uc domain.UserContext) string {
	team := "no"
	if uc.HasTeam {
		team = "yes"
		if uc.TeamMembers != "" {
			team += " (" + uc.TeamMembers + ")"
		}
	}
	lines := [][2]string{
		{"Title", uc.Title},
		{"Idea", uc.IdeaDescription},
		{"Target market", uc.TargetMarket},
		{"Target audience", uc.TargetAudience},
		{"Audience pains", uc.AudiencePains},
		{"Unique selling point", uc.UniqueSellingPoint},
		{"Programming skills", uc.ProgrammingSkills},
		{"Team", team},
		{"Financial resources", uc.FinancialResources},
		{"Time available per week", uc.AvailableTimePerWeek},
		{"Social media presence", uc.SocialMediaPresence},
	}
	var b strings.Builder
	for _, l := range lines {
		if l[1] == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", l[0], l[1])
	}
	return strings.TrimRight(b.String(), "\n")
}
