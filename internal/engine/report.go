package engine

import (
	"encoding/json"
	"strings"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/wire"
)

const reportSummary = "Validation completed successfully"

// FinalReport is the structured report stored on a completed execution.
type FinalReport struct {
	RawResult       string   `json:"raw_result"`
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations"`
}

func newFinalReport(raw string) (json.RawMessage, error) {
	return json.Marshal(FinalReport{
		RawResult:       raw,
		Summary:         reportSummary,
		Recommendations: []string{},
	})
}

// SplitSections cuts a markdown report at its top level headings ("# " or
// "## "). Text before the first heading becomes an untitled section.
func SplitSections(markdown string) []domain.ReportSection {
	var sections []domain.ReportSection
	var title string
	var body []string

	flush := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		if title == "" && text == "" {
			return
		}
		sections = append(sections, domain.ReportSection{Title: title, HTML: wire.ReportHTML(text)})
	}

	for _, line := range strings.Split(markdown, "\n") {
		if h, ok := heading(line); ok {
			flush()
			title, body = h, nil
			continue
		}
		body = append(body, line)
	}
	flush()
	return sections
}

func heading(line string) (string, bool) {
	for _, prefix := range []string{"## ", "# "} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", false
}
