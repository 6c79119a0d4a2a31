package plan

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/planq/planq/pkg/docstore"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// legacyFrontMatter is the YAML header older markdown plans carried.
type legacyFrontMatter struct {
	FeatureID    string `yaml:"feature_id"`
	Title        string `yaml:"title"`
	Status       string `yaml:"status"`
	Owner        string `yaml:"owner"`
	PrimaryAgent string `yaml:"primary_agent"`
}

type legacySection int

const (
	legacyNone legacySection = iota
	legacyPurpose
	legacyNonGoals
	legacyOutline
	legacyRefined
	legacySteps
	legacyOther
)

var (
	checkboxPattern = regexp.MustCompile(`^\[([ xX])\]\s*`)
	nonLetters      = regexp.MustCompile(`[^a-z]+`)
)

// MigrateMarkdown converts a legacy markdown plan into a document. Known
// headings are mapped onto narrative sections; everything else is ignored.
// The result still needs Normalize.
func MigrateMarkdown(data []byte) *Document {
	doc := &Document{
		repairs: []docstore.Repair{{Field: "document", Action: "migrated", Detail: "markdown narrative"}},
	}

	fmRaw, body := splitFrontMatter(data)
	if fmRaw != nil {
		var fm legacyFrontMatter
		if err := yaml.Unmarshal(fmRaw, &fm); err != nil {
			doc.repairs = append(doc.repairs, docstore.Repair{Field: "front_matter", Action: "dropped invalid value", Detail: err.Error()})
		} else {
			doc.FeatureID = fm.FeatureID
			doc.FeatureTitle = fm.Title
			doc.Status = Status(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(fm.Status)), " ", "_"))
			doc.Subagent.PrimaryAgent = firstNonEmpty(fm.PrimaryAgent, fm.Owner)
		}
	}

	root := goldmark.New().Parser().Parse(text.NewReader(body))
	nv := &doc.Narrative
	current := legacyNone

	for node := root.FirstChild(); node != nil; node = node.NextSibling() {
		switch n := node.(type) {
		case *ast.Heading:
			heading := blockText(n, body)
			current = classifyHeading(heading)
			if current == legacyOther && n.Level == 1 && doc.FeatureTitle == "" {
				doc.FeatureTitle = heading
			}
		case *ast.Paragraph:
			para := blockText(n, body)
			switch current {
			case legacyPurpose:
				nv.PreSpecOutline.PurposeGoals = append(nv.PreSpecOutline.PurposeGoals, para)
			case legacyNonGoals:
				nv.PreSpecOutline.NonGoals = append(nv.PreSpecOutline.NonGoals, para)
			case legacyOutline:
				nv.SpecOutline.Summary = joinSummary(nv.SpecOutline.Summary, para)
			case legacyRefined:
				nv.RefinedSpec.Summary = joinSummary(nv.RefinedSpec.Summary, para)
			case legacySteps:
				nv.ImplementationPlan.Summary = joinSummary(nv.ImplementationPlan.Summary, para)
			}
		case *ast.List:
			for item := n.FirstChild(); item != nil; item = item.NextSibling() {
				addLegacyItem(nv, current, listItemText(item, body))
			}
		}
	}
	return doc
}

func addLegacyItem(nv *Narrative, section legacySection, raw string) {
	status := ProgressPending
	if m := checkboxPattern.FindStringSubmatch(raw); m != nil {
		if m[1] != " " {
			status = ProgressComplete
		}
		raw = raw[len(m[0]):]
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}

	switch section {
	case legacyPurpose:
		nv.PreSpecOutline.PurposeGoals = append(nv.PreSpecOutline.PurposeGoals, raw)
	case legacyNonGoals:
		nv.PreSpecOutline.NonGoals = append(nv.PreSpecOutline.NonGoals, raw)
	case legacyOutline:
		nv.SpecOutline.Entries = append(nv.SpecOutline.Entries, OutlineEntry{Objective: raw})
	case legacyRefined:
		decision, rationale, _ := strings.Cut(raw, " because ")
		nv.RefinedSpec.Entries = append(nv.RefinedSpec.Entries, RefinedEntry{Decision: decision, Rationale: rationale})
	case legacySteps:
		nv.ImplementationPlan.Entries = append(nv.ImplementationPlan.Entries, StepEntry{Title: raw, Status: status})
	}
}

func classifyHeading(heading string) legacySection {
	h := strings.TrimSpace(nonLetters.ReplaceAllString(strings.ToLower(heading), " "))
	switch {
	case strings.Contains(h, "non goal") || strings.Contains(h, "nongoal") || strings.Contains(h, "out of scope"):
		return legacyNonGoals
	case strings.Contains(h, "purpose") || strings.Contains(h, "goal"):
		return legacyPurpose
	case strings.Contains(h, "refined") || strings.Contains(h, "decision"):
		return legacyRefined
	case strings.Contains(h, "outline"):
		return legacyOutline
	case strings.Contains(h, "implementation") || h == "steps" || h == "tasks":
		return legacySteps
	}
	return legacyOther
}

// splitFrontMatter separates a leading YAML block delimited by "---" lines.
func splitFrontMatter(data []byte) (frontMatter, body []byte) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	first, rest, found := bytes.Cut(data, []byte("\n"))
	if !found || string(bytes.TrimRight(first, "\r ")) != "---" {
		return nil, data
	}
	offset := 0
	for offset < len(rest) {
		line, next, more := bytes.Cut(rest[offset:], []byte("\n"))
		if trimmed := string(bytes.TrimRight(line, "\r ")); trimmed == "---" || trimmed == "..." {
			end := len(rest)
			if more {
				end = len(rest) - len(next)
			}
			return rest[:offset], rest[end:]
		}
		if !more {
			break
		}
		offset += len(line) + 1
	}
	return nil, data
}

// blockText joins the raw source lines of a block node.
func blockText(n ast.Node, source []byte) string {
	lines := n.Lines()
	parts := make([]string, 0, lines.Len())
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		if s := strings.TrimSpace(string(seg.Value(source))); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// listItemText returns the text of a list item's first block; nested lists
// are not included.
func listItemText(item ast.Node, source []byte) string {
	for child := item.FirstChild(); child != nil; child = child.NextSibling() {
		if child.Lines().Len() > 0 {
			return blockText(child, source)
		}
	}
	return ""
}

func joinSummary(existing, para string) string {
	if existing == "" {
		return para
	}
	return existing + "\n\n" + para
}
