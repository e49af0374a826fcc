package agent

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/wire"
)

// PollConfig bounds the status polling loop.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPollConfig polls every 10 seconds for up to 10 minutes.
func DefaultPollConfig() PollConfig {
	return PollConfig{Interval: 10 * time.Second, MaxAttempts: 60}
}

const notSpecified = "not specified"

// Defaults for enumerated fields missing from idea metadata.
const (
	defaultProgrammingSkills  = "cannot_code"
	defaultFinancialResources = "none"
)

// BuildValidateRequest maps an idea and its session into an engine request.
// The description becomes both the topic and the idea description; the
// remaining context comes from idea metadata, with defaults that always
// satisfy the engine's validation.
func BuildValidateRequest(idea *domain.Idea, session *domain.Session, callbackURL string) *wire.ValidateRequest {
	md := idea.Metadata

	uc := domain.UserContext{
		IdeaDescription:      idea.Description,
		TargetMarket:         orDefault(md.String("target_market")),
		TargetAudience:       orDefault(md.String("target_audience")),
		AudiencePains:        orDefault(md.String("audience_pains")),
		UniqueSellingPoint:   orDefault(md.String("unique_selling_point")),
		ProgrammingSkills:    enumOrDefault(md.String("programming_skills"), domain.ProgrammingSkills, defaultProgrammingSkills),
		HasTeam:              metadataBool(md, "has_team"),
		TeamMembers:          md.String("team_members"),
		FinancialResources:   enumOrDefault(md.String("financial_resources"), domain.FinancialResources, defaultFinancialResources),
		AvailableTimePerWeek: orDefault(md.String("available_time_per_week")),
		SocialMediaPresence:  orDefault(md.String("social_media_presence")),
		Title:                idea.Title,
		UserID:               strconv.FormatInt(idea.OwnerID, 10),
		SessionID:            strconv.FormatInt(session.ID, 10),
	}
	if strings.TrimSpace(uc.IdeaDescription) == "" {
		uc.IdeaDescription = idea.Title
	}

	return &wire.ValidateRequest{
		Topic:       uc.IdeaDescription,
		UserContext: uc,
		WebhookURL:  callbackURL,
	}
}

func orDefault(v string) string {
	if strings.TrimSpace(v) == "" {
		return notSpecified
	}
	return v
}

func enumOrDefault(v string, allowed []string, fallback string) string {
	if slices.Contains(allowed, v) {
		return v
	}
	return fallback
}

func metadataBool(md domain.Metadata, key string) bool {
	switch v := md[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		return err == nil && b
	case float64:
		return v != 0
	}
	return false
}
