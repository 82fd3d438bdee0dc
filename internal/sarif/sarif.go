package sarif

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrMalformed is returned when a report cannot be decoded as SARIF JSON.
var ErrMalformed = errors.New("malformed sarif report")

type Log struct {
	Version string `json:"version,omitempty"`
	Schema  string `json:"$schema,omitempty"`
	Runs    []Run  `json:"runs"`
}

type Run struct {
	Tool    Tool     `json:"tool"`
	Results []Result `json:"results"`
}

type Tool struct {
	Driver Driver `json:"driver"`
}

type Driver struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Rules   []Rule `json:"rules,omitempty"`
}

type Rule struct {
	ID               string  `json:"id"`
	ShortDescription Message `json:"shortDescription"`
}

type Result struct {
	RuleID    string     `json:"ruleId"`
	Level     string     `json:"level,omitempty"`
	Message   Message    `json:"message"`
	Locations []Location `json:"locations,omitempty"`
}

type Message struct {
	Text string `json:"text"`
}

type Location struct {
	PhysicalLocation PhysicalLocation `json:"physicalLocation"`
}

type PhysicalLocation struct {
	ArtifactLocation ArtifactLocation `json:"artifactLocation"`
	Region           Region           `json:"region"`
}

type ArtifactLocation struct {
	URI string `json:"uri"`
}

type Region struct {
	StartLine   int `json:"startLine,omitempty"`
	StartColumn int `json:"startColumn,omitempty"`
	EndLine     int `json:"endLine,omitempty"`
	EndColumn   int `json:"endColumn,omitempty"`
}

// Finding is a single result flattened together with the tool that reported it.
type Finding struct {
	Tool    string
	RuleID  string
	Level   string
	Message string
	File    string
	Line    int
}

// Decode reads a SARIF document from r. A document without a "runs" member
// decodes into an empty Log. The document must be a single JSON object with
// nothing but whitespace after it.
func Decode(r io.Reader) (Log, error) {
	decoder := json.NewDecoder(r)

	var log *Log
	if err := decoder.Decode(&log); err != nil {
		return Log{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if log == nil {
		return Log{}, fmt.Errorf("%w: document is null", ErrMalformed)
	}

	var trailing json.RawMessage
	if err := decoder.Decode(&trailing); !errors.Is(err, io.EOF) {
		return Log{}, fmt.Errorf("%w: unexpected data after the document", ErrMalformed)
	}

	return *log, nil
}

// ReadFile decodes the SARIF document stored at path.
func ReadFile(path string) (Log, error) {
	file, err := os.Open(path)
	if err != nil {
		return Log{}, fmt.Errorf("failed to open sarif report %q: %w", path, err)
	}
	defer file.Close()

	log, err := Decode(file)
	if err != nil {
		return Log{}, fmt.Errorf("failed to read sarif report %q: %w", path, err)
	}

	return log, nil
}

// FindingCount returns the total number of results across all runs.
func (l Log) FindingCount() int {
	var count int
	for _, run := range l.Runs {
		count += len(run.Results)
	}
	return count
}

// Findings flattens the results of every run, preserving run order.
func (l Log) Findings() []Finding {
	var findings []Finding
	for _, run := range l.Runs {
		for _, result := range run.Results {
			finding := Finding{
				Tool:    run.Tool.Driver.Name,
				RuleID:  result.RuleID,
				Level:   result.Level,
				Message: result.Message.Text,
			}

			if len(result.Locations) > 0 {
				location := result.Locations[0].PhysicalLocation
				finding.File = location.ArtifactLocation.URI
				finding.Line = location.Region.StartLine
			}

			findings = append(findings, finding)
		}
	}
	return findings
}
