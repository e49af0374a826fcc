package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultRolesCoverEveryStage(t *testing.T) {
	rs := DefaultRoles()
	for _, d := range Stages() {
		r := rs.Role(d.Stage)
		require.NotEmpty(t, r.Role, d.Name)
		require.NotEmpty(t, r.Description, d.Name)
		require.NotEmpty(t, r.ExpectedOutput, d.Name)
	}
}

func TestParseRolesRejectsMissingStage(t *testing.T) {
	doc := strings.Replace(string(defaultRoles), "legal_advisor:", "legal_adviser:", 1)
	_, err := ParseRoles([]byte(doc))
	require.Error(t, err)
	require.Contains(t, err.Error(), "legal_advisor: missing")
	require.Contains(t, err.Error(), "legal_adviser: unknown stage")
}

func TestParseRolesRequiresRoleName(t *testing.T) {
	doc := strings.Replace(string(defaultRoles), "report_generator:\n  role: Business Validation Report Writer",
		"report_generator:\n  role: \"\"", 1)
	_, err := ParseRoles([]byte(doc))
	require.ErrorContains(t, err, "report_generator: role and description are required")
}

func TestParseRolesRejectsInvalidYAML(t *testing.T) {
	_, err := ParseRoles([]byte("requirements_analyst: [unterminated"))
	require.ErrorContains(t, err, "parse roles")
}

func TestInterpolate(t *testing.T) {
	got := Interpolate("Validate {topic} in {current_year} ({unknown})", map[string]string{
		"topic":        "meal kits",
		"current_year": "2026",
	})
	require.Equal(t, "Validate meal kits in 2026 ({unknown})", got)
	require.Equal(t, "{topic}", Interpolate("{topic}", nil))
}

func TestRoleStoreWithoutFileUsesDefaults(t *testing.T) {
	s, err := NewRoleStore("", nil)
	require.NoError(t, err)
	require.Equal(t, "Business Requirements Analyst", s.Roles().Role(StageRequirementsAnalyst).Role)
	require.NoError(t, s.Watch(context.Background()))
}

func TestRoleStoreRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("requirements_analyst: {}"), 0o644))

	_, err := NewRoleStore(path, nil)
	require.Error(t, err)
}

func TestRoleStoreReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, defaultRoles, 0o644))

	s, err := NewRoleStore(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))

	updated := strings.Replace(string(defaultRoles), "Business Requirements Analyst", "Chief Requirements Officer", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		return s.Roles().Role(StageRequirementsAnalyst).Role == "Chief Requirements Officer"
	}, 5*time.Second, 50*time.Millisecond)

	// A broken file keeps the last good roles.
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))
	time.Sleep(3 * reloadDebounce)
	require.Equal(t, "Chief Requirements Officer", s.Roles().Role(StageRequirementsAnalyst).Role)
}
