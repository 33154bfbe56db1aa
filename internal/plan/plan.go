// Package plan ingests a free-form plan document: task headings with
// dependency and file-ownership declaration tags, a numbered phase outline
// per task, and a success-criteria table.
//
// Parsing follows the same best-effort posture as the criteria cascade:
// the document format is conventional, so unknown lines are skipped rather
// than rejected.
package plan

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/orchd/internal/conflict"
	"github.com/fyrsmithlabs/orchd/internal/criteria"
	"github.com/fyrsmithlabs/orchd/internal/record"
)

// Task is one declared unit of work.
type Task struct {
	ID        string
	Title     string
	DependsOn []string
	Files     []string
	Phases    []record.Phase
	Criteria  []record.Criterion
}

// Plan is the parsed document.
type Plan struct {
	Tasks []Task
	// Warnings collects tolerated irregularities (unknown dependency ids,
	// advisory criteria commands).
	Warnings []string
}

var (
	taskHeading  = regexp.MustCompile(`(?m)^#{1,3}\s*(TASK\d+|` + record.SentinelTaskID + `)\b[:\-]?\s*(.*)$`)
	phaseHeading = regexp.MustCompile(`(?i)^#{2,5}\s*phase\s+(\d+)\s*[:\-]?\s*(.*)$`)
	itemBullet   = regexp.MustCompile(`^-\s*(?:\[( |x|X)\]\s*)?(.+)$`)
	preLine      = regexp.MustCompile(`(?i)^(?:-\s*)?pre(?:condition)?\s*:\s*(.+)$`)
	backticked   = regexp.MustCompile("`([^`]+)`")
)

// declTag matches declaration tags like "Files: [a.js, b.js]" or
// "depends: []". Tag names are case-insensitive; markdown emphasis around
// the tag is tolerated.
var declTag = regexp.MustCompile(`(?i)^\**\s*(files|depends)\s*\**\s*:\s*\**\s*\[(.*)\]`)

// ParseDeclarationList splits a bracketed comma-separated declaration body
// into trimmed entries. Empty brackets yield an empty set.
func ParseDeclarationList(body string) []string {
	body = strings.TrimSpace(body)
	if body == "" {
		return []string{}
	}
	parts := strings.Split(body, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Parse extracts tasks from a plan document.
func Parse(doc string) (*Plan, error) {
	matches := taskHeading.FindAllStringSubmatchIndex(doc, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("plan: no task headings found")
	}

	p := &Plan{}
	seen := make(map[string]bool)

	for i, m := range matches {
		id := doc[m[2]:m[3]]
		title := strings.TrimSpace(doc[m[4]:m[5]])
		if seen[id] {
			return nil, fmt.Errorf("plan: duplicate task id %s", id)
		}
		seen[id] = true

		end := len(doc)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		section := doc[m[1]:end]

		task := parseSection(id, title, section)

		res := criteria.Parse(section)
		task.Criteria = res.Criteria
		for _, w := range res.Warnings {
			p.Warnings = append(p.Warnings, id+": "+w)
		}

		p.Tasks = append(p.Tasks, task)
	}

	// Unknown dependency ids are tolerated but reported.
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				p.Warnings = append(p.Warnings,
					fmt.Sprintf("%s: depends on undeclared task %s", t.ID, dep))
			}
		}
	}

	return p, nil
}

// parseSection reads one task's declaration tags and phase outline.
func parseSection(id, title, section string) Task {
	task := Task{ID: id, Title: title}
	var cur *record.Phase

	flush := func() {
		if cur != nil {
			task.Phases = append(task.Phases, *cur)
			cur = nil
		}
	}

	for _, raw := range strings.Split(section, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if tag := declTag.FindStringSubmatch(line); tag != nil {
			entries := ParseDeclarationList(tag[2])
			if strings.EqualFold(tag[1], "files") {
				task.Files = entries
			} else {
				task.DependsOn = entries
			}
			continue
		}

		if ph := phaseHeading.FindStringSubmatch(line); ph != nil {
			flush()
			cur = &record.Phase{
				Name:   strings.TrimSpace(ph[2]),
				Status: record.PhasePending,
			}
			continue
		}

		if cur == nil {
			continue
		}

		if pre := preLine.FindStringSubmatch(line); pre != nil {
			cur.PreConditions = append(cur.PreConditions, parsePreCondition(pre[1]))
			continue
		}

		if strings.HasPrefix(line, "|") {
			continue // criteria tables are parsed separately
		}

		if it := itemBullet.FindStringSubmatch(line); it != nil {
			cur.Items = append(cur.Items, record.Item{
				Description: strings.TrimSpace(it[2]),
				Completed:   it[1] == "x" || it[1] == "X",
				Source:      "plan",
			})
		}
	}
	flush()

	// Phase ids are assigned gapless in outline order regardless of the
	// numbers the document used.
	for i := range task.Phases {
		task.Phases[i].ID = i + 1
	}

	return task
}

// parsePreCondition splits "check text `command` => expected".
func parsePreCondition(body string) record.PreCondition {
	pc := record.PreCondition{}
	if m := backticked.FindStringSubmatch(body); m != nil {
		pc.Command = strings.TrimSpace(m[1])
		body = strings.Replace(body, m[0], "", 1)
	}
	if before, after, ok := strings.Cut(body, "=>"); ok {
		pc.Expected = strings.TrimSpace(after)
		body = before
	}
	pc.Check = strings.TrimSpace(body)
	return pc
}

// Graph builds the conflict graph from the declared tasks.
func (p *Plan) Graph() *conflict.Graph {
	g := conflict.NewGraph()
	for _, t := range p.Tasks {
		g.AddTask(t.ID, t.DependsOn, t.Files)
	}
	return g
}

// TaskByID returns the declared task, or nil.
func (p *Plan) TaskByID(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// NewRecord builds the initial execution record for a declared task.
func (t *Task) NewRecord() *record.ExecutionRecord {
	rec := record.New(t.ID, t.Title)
	rec.Phases = append([]record.Phase(nil), t.Phases...)
	rec.SuccessCriteria = append([]record.Criterion(nil), t.Criteria...)
	return rec
}
