package sarif

import (
	"errors"
	"fmt"
	"io"
)

// ErrFindings is returned by Gate when a report contains at least one result.
var ErrFindings = errors.New("sarif report contains findings")

// Gate fails when any run in the log carries a non-empty results array.
// Runs with a missing or null results array count as empty.
func Gate(log Log) error {
	count := log.FindingCount()
	if count == 0 {
		return nil
	}

	return fmt.Errorf("%w: %d finding(s) across %d run(s)\nReview the report and fix or suppress each finding", ErrFindings, count, len(log.Runs))
}

// WriteSummary writes one line per finding in the form "file:line [level] rule: message".
func WriteSummary(w io.Writer, log Log) error {
	for _, finding := range log.Findings() {
		location := finding.File
		if location == "" {
			location = "<unknown>"
		}
		if finding.Line > 0 {
			location = fmt.Sprintf("%s:%d", location, finding.Line)
		}

		level := finding.Level
		if level == "" {
			level = "warning"
		}

		_, err := fmt.Fprintf(w, "%s [%s] %s: %s\n", location, level, finding.RuleID, finding.Message)
		if err != nil {
			return fmt.Errorf("failed to write finding summary: %w", err)
		}
	}

	return nil
}
