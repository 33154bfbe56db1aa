package criteria

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orchd/internal/record"
)

const fiveColumnDoc = `
## Success Criteria

| # | Criterion | Command | Testable? | Expected Evidence |
|---|-----------|---------|-----------|-------------------|
| 1 | Parser handles empty input | ` + "`grep -r \"len(input) == 0\" src/`" + ` | AUTO | match in parser.go |
| 2 | Docs mention the new flag | review the README | MANUAL | flag documented |
| 3 | Tests pass | ` + "`npm test`" + ` | BOTH | zero failures |
`

func TestParse_FiveColumn(t *testing.T) {
	res := Parse(fiveColumnDoc)

	assert.Equal(t, "five-column", res.Strategy)
	require.Len(t, res.Criteria, 3)

	assert.Equal(t, "Parser handles empty input", res.Criteria[0].Criterion)
	assert.Equal(t, `grep -r "len(input) == 0" src/`, res.Criteria[0].Command)
	assert.Equal(t, record.TestAuto, res.Criteria[0].TestType)
	assert.Equal(t, "match in parser.go", res.Criteria[0].Expected)

	// MANUAL rows never carry a command.
	assert.Equal(t, record.TestManual, res.Criteria[1].TestType)
	assert.Empty(t, res.Criteria[1].Command)

	assert.Equal(t, record.TestBoth, res.Criteria[2].TestType)
	assert.Equal(t, "npm test", res.Criteria[2].Command)
}

func TestParse_FourColumn(t *testing.T) {
	doc := `
| # | Criterion | Command | Expected |
|---|-----------|---------|----------|
| 1 | Build succeeds | ` + "`make build`" + ` | exit 0 |
| 2 | No TODOs left | ` + "`grep -r TODO src/`" + ` | empty |
`
	res := Parse(doc)
	assert.Equal(t, "four-column", res.Strategy)
	require.Len(t, res.Criteria, 2)
	assert.Equal(t, "make build", res.Criteria[0].Command)
	assert.Equal(t, record.TestAuto, res.Criteria[0].TestType)
}

func TestParse_ThreeColumn(t *testing.T) {
	doc := `
| Criterion | Command | Expected |
|-----------|---------|----------|
| Lint clean | ` + "`eslint src/`" + ` | no errors |
`
	res := Parse(doc)
	assert.Equal(t, "three-column", res.Strategy)
	require.Len(t, res.Criteria, 1)
	assert.Equal(t, "eslint src/", res.Criteria[0].Command)
	assert.Equal(t, "no errors", res.Criteria[0].Expected)
}

func TestParse_TwoColumn(t *testing.T) {
	doc := `
| Criterion | Command |
|-----------|---------|
| Schema present | ` + "`ls dist/schema.json`" + ` |
`
	res := Parse(doc)
	assert.Equal(t, "two-column", res.Strategy)
	require.Len(t, res.Criteria, 1)
	assert.Equal(t, "ls dist/schema.json", res.Criteria[0].Command)
}

func TestParse_GenericFallback(t *testing.T) {
	doc := `
| What | Where | How | Notes | Extra | More |
|------|-------|-----|-------|-------|------|
| Exported API stable | pkg/api | ` + "`go vet ./...`" + ` | n/a | - | - |
| Changelog updated | docs | by hand | n/a | - | - |
`
	res := Parse(doc)
	assert.Equal(t, "generic-table", res.Strategy)
	require.Len(t, res.Criteria, 2)
	assert.Equal(t, "go vet ./...", res.Criteria[0].Command)
	assert.Equal(t, record.TestAuto, res.Criteria[0].TestType)
	assert.Equal(t, record.TestManual, res.Criteria[1].TestType)
}

func TestParse_NoTable(t *testing.T) {
	res := Parse("just prose, no tables here")
	assert.Empty(t, res.Criteria)
	assert.Empty(t, res.Strategy)
}

func TestParse_InstructionAdvisories(t *testing.T) {
	doc := `
| # | Criterion | Command | Testable? | Expected |
|---|-----------|---------|-----------|----------|
| 1 | Config documented | check the README (all sections) | AUTO | documented |
| 2 | Usages found | search for deprecated calls | AUTO | none |
| 3 | Real command | ` + "`grep -r foo .`" + ` | AUTO | matches |
`
	res := Parse(doc)
	require.Len(t, res.Criteria, 3)
	assert.NotEmpty(t, res.Criteria[0].Advisory)
	assert.NotEmpty(t, res.Criteria[1].Advisory)
	assert.Empty(t, res.Criteria[2].Advisory)
	assert.Len(t, res.Warnings, 2)
}

func TestParse_FirstMatchWins(t *testing.T) {
	// A document with a five-column table followed by a two-column one:
	// the five-column strategy matches first and the two-column rows are
	// not re-interpreted.
	doc := fiveColumnDoc + `
| Criterion | Command |
|-----------|---------|
| Extra | ` + "`ls`" + ` |
`
	res := Parse(doc)
	assert.Equal(t, "five-column", res.Strategy)
	assert.Len(t, res.Criteria, 3)
}
