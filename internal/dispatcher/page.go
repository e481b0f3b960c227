package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/extraction-jobs/internal/extractor"
	"github.com/JakeFAU/extraction-jobs/internal/jobs"
)

type pageProgress struct {
	Rows    []jobs.Row `json:"rows"`
	Current int        `json:"current"`
	Total   int        `json:"total"`
	Message string     `json:"message"`
}

func marshalPage(page extractor.PageResult, current, total int) (json.RawMessage, error) {
	msg := fmt.Sprintf("Extracted %d rows from %s", len(page.Rows), page.URL)
	if page.Title != "" {
		msg = fmt.Sprintf("Extracted %d rows from %s (%s)", len(page.Rows), page.URL, page.Title)
	}
	b, err := json.Marshal(pageProgress{Rows: page.Rows, Current: current, Total: total, Message: msg})
	if err != nil {
		return nil, fmt.Errorf("marshal page progress: %w", err)
	}
	return b, nil
}
