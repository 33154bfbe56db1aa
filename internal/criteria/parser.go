package criteria

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/orchd/internal/record"
)

// ParseResult carries the extracted criteria and parser diagnostics.
type ParseResult struct {
	Criteria []record.Criterion
	// Strategy names the table strategy that matched.
	Strategy string
	// Warnings are advisory only; a warned criterion is still kept.
	Warnings []string
}

// strategy parses one table shape. Strategies are tried in order; the
// first to yield criteria wins.
type strategy struct {
	name  string
	parse func(rows [][]string) []record.Criterion
}

var strategies = []strategy{
	{"five-column", parseFiveColumn},
	{"four-column", parseFourColumn},
	{"three-column", parseThreeColumn},
	{"two-column", parseTwoColumn},
	{"generic-table", parseGeneric},
}

// Parse extracts success criteria from a specification document.
// Returns an empty result when no table shape matches.
func Parse(doc string) *ParseResult {
	rows := tableRows(doc)
	res := &ParseResult{}
	if len(rows) == 0 {
		return res
	}

	for _, s := range strategies {
		criteria := s.parse(rows)
		if len(criteria) == 0 {
			continue
		}
		res.Strategy = s.name
		for i := range criteria {
			if w := instructionAdvisory(criteria[i].Command); w != "" {
				criteria[i].Advisory = w
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("criterion %d: %s", i+1, w))
			}
		}
		res.Criteria = criteria
		return res
	}
	return res
}

// tableRows collects pipe-delimited data rows, skipping header and
// separator rows.
func tableRows(doc string) [][]string {
	var rows [][]string
	for _, line := range strings.Split(doc, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") {
			continue
		}
		cells := splitCells(line)
		if len(cells) == 0 || isSeparatorRow(cells) || isHeaderRow(cells) {
			continue
		}
		rows = append(rows, cells)
	}
	return rows
}

func splitCells(line string) []string {
	line = strings.Trim(line, "|")
	parts := strings.Split(line, "|")
	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		cells = append(cells, strings.TrimSpace(p))
	}
	return cells
}

var separatorCell = regexp.MustCompile(`^:?-{2,}:?$`)

func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		if c != "" && !separatorCell.MatchString(c) {
			return false
		}
	}
	return true
}

var headerWords = regexp.MustCompile(`(?i)^(#|no\.?|criterion|criteria|description|command|test|testable\??|expected( evidence)?|evidence|how to verify)$`)

func isHeaderRow(cells []string) bool {
	matched := 0
	for _, c := range cells {
		if headerWords.MatchString(c) {
			matched++
		}
	}
	return matched >= 2
}

var rowNumber = regexp.MustCompile(`^\d+\.?$`)

// stripRowNumber drops a leading ordinal cell when present.
func stripRowNumber(cells []string) []string {
	if len(cells) > 0 && rowNumber.MatchString(cells[0]) {
		return cells[1:]
	}
	return cells
}

func testTypeFrom(cell string) (record.TestType, bool) {
	switch strings.ToUpper(strings.TrimSpace(cell)) {
	case "AUTO":
		return record.TestAuto, true
	case "MANUAL":
		return record.TestManual, true
	case "BOTH":
		return record.TestBoth, true
	}
	return "", false
}

// stripCommand removes backtick fencing from a command cell.
func stripCommand(cell string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(cell), "`"))
}

// parseFiveColumn handles rows shaped
// | # | criterion | command | testable? | expected |
// with tolerance for the testable cell sitting before the command.
func parseFiveColumn(rows [][]string) []record.Criterion {
	var out []record.Criterion
	for _, cells := range rows {
		if len(cells) != 5 {
			continue
		}
		c := record.Criterion{Criterion: cells[1], Expected: cells[4]}
		if tt, ok := testTypeFrom(cells[3]); ok {
			c.TestType = tt
			c.Command = stripCommand(cells[2])
		} else if tt, ok := testTypeFrom(cells[2]); ok {
			c.TestType = tt
			c.Command = stripCommand(cells[3])
		} else {
			continue
		}
		if c.TestType == record.TestManual {
			c.Command = ""
		}
		if c.Criterion == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// parseFourColumn handles | # | criterion | command | expected | and
// | criterion | command | testable? | expected |.
func parseFourColumn(rows [][]string) []record.Criterion {
	var out []record.Criterion
	for _, cells := range rows {
		if len(cells) != 4 {
			continue
		}
		if tt, ok := testTypeFrom(cells[2]); ok {
			c := record.Criterion{
				Criterion: cells[0],
				Command:   stripCommand(cells[1]),
				TestType:  tt,
				Expected:  cells[3],
			}
			if c.TestType == record.TestManual {
				c.Command = ""
			}
			if c.Criterion != "" {
				out = append(out, c)
			}
			continue
		}
		stripped := stripRowNumber(cells)
		if len(stripped) != 3 {
			continue
		}
		c := record.Criterion{
			Criterion: stripped[0],
			Command:   stripCommand(stripped[1]),
			Expected:  stripped[2],
			TestType:  record.TestAuto,
		}
		if c.Criterion != "" && c.Command != "" {
			out = append(out, c)
		}
	}
	return out
}

// parseThreeColumn handles | criterion | command | expected |.
func parseThreeColumn(rows [][]string) []record.Criterion {
	var out []record.Criterion
	for _, cells := range rows {
		cells = stripRowNumber(cells)
		if len(cells) != 3 {
			continue
		}
		c := record.Criterion{
			Criterion: cells[0],
			Command:   stripCommand(cells[1]),
			Expected:  cells[2],
			TestType:  record.TestAuto,
		}
		if c.Criterion != "" && c.Command != "" {
			out = append(out, c)
		}
	}
	return out
}

// parseTwoColumn handles | criterion | command |.
func parseTwoColumn(rows [][]string) []record.Criterion {
	var out []record.Criterion
	for _, cells := range rows {
		cells = stripRowNumber(cells)
		if len(cells) != 2 {
			continue
		}
		c := record.Criterion{
			Criterion: cells[0],
			Command:   stripCommand(cells[1]),
			TestType:  record.TestAuto,
		}
		if c.Criterion != "" && c.Command != "" {
			out = append(out, c)
		}
	}
	return out
}

var commandish = regexp.MustCompile("`[^`]+`")

// parseGeneric is the last-resort shape: the first non-ordinal cell is the
// criterion and a backticked cell, if any, is the command.
func parseGeneric(rows [][]string) []record.Criterion {
	var out []record.Criterion
	for _, cells := range rows {
		cells = stripRowNumber(cells)
		if len(cells) == 0 || cells[0] == "" {
			continue
		}
		c := record.Criterion{Criterion: cells[0], TestType: record.TestManual}
		for _, cell := range cells[1:] {
			if commandish.MatchString(cell) {
				c.Command = stripCommand(commandish.FindString(cell))
				c.TestType = record.TestAuto
				break
			}
		}
		out = append(out, c)
	}
	return out
}

var instructionVerb = regexp.MustCompile(`(?i)^\s*(review|check|verify|ensure|confirm|inspect|look)\b`)

// instructionAdvisory flags commands that read like human instructions
// rather than executable shell. Advisory only: the criterion still runs.
func instructionAdvisory(cmd string) string {
	if cmd == "" {
		return ""
	}
	lower := strings.ToLower(cmd)
	switch {
	case instructionVerb.MatchString(cmd):
		return fmt.Sprintf("command %q starts with an instruction verb; may not be executable", cmd)
	case strings.Contains(lower, "search for"):
		return fmt.Sprintf("command %q looks like a search instruction, not shell", cmd)
	case strings.Contains(lower, "manual"):
		return fmt.Sprintf("command %q mentions manual steps", cmd)
	case strings.Contains(cmd, "(") && strings.Contains(cmd, ")") && !strings.Contains(cmd, "$("):
		return fmt.Sprintf("command %q contains a parenthetical qualifier; may not be executable", cmd)
	}
	return ""
}
