// Package formate implements the Format E wire grammar: a line-based
// representation of ontology nodes, edges, and diffs exchanged between
// clients, the agent, and the server.
//
// The codec is stateless and round-trip lossless: parsing the output of
// SerializeDiff yields a change set equal to the input.
package formate

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/loomworks/loom/backend/pkg/common"
)

const (
	sectionNodes = "## Nodes"
	sectionEdges = "## Edges"
	baseOpen     = "<base_snapshot>"
	baseClose    = "</base_snapshot>"
)

// MalformedLineError reports a line that cannot be parsed. Line is
// 1-based and Text carries the offending input verbatim.
type MalformedLineError struct {
	Line   int
	Text   string
	Reason string
}

func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("malformed line %d: %s: %q", e.Line, e.Reason, e.Text)
}

var edgeLineRe = regexp.MustCompile(`^(.+?) -([a-z]+)-> (.+)$`)

// ParseDiff parses a Format E document into a change set. Lines prefixed
// with '+' are additions (or the new half of an update), '-' lines are
// removals (or the old half of an update). Unprefixed data lines are
// treated as additions so that full-state documents parse through the
// same path.
func ParseDiff(text string) (*common.ChangeSet, error) {
	cs := &common.ChangeSet{}
	section := ""

	for i, raw := range strings.Split(text, "\n") {
		lineNo := i + 1
		line := strings.TrimSuffix(raw, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, baseOpen):
			root, version, err := parseBaseTag(line, lineNo)
			if err != nil {
				return nil, err
			}
			cs.BaseRootID = root
			cs.BaseVersion = version
			continue
		case line == sectionNodes:
			section = sectionNodes
			continue
		case line == sectionEdges:
			section = sectionEdges
			continue
		}

		add := true
		body := line
		switch line[0] {
		case '+':
			body = line[1:]
		case '-':
			add = false
			body = line[1:]
		}

		switch section {
		case sectionNodes:
			node, err := parseNodeLine(body, lineNo, line)
			if err != nil {
				return nil, err
			}
			if add {
				cs.AddNodes = append(cs.AddNodes, node)
			} else {
				cs.RemoveNodes = append(cs.RemoveNodes, node)
			}
		case sectionEdges:
			edge, err := parseEdgeLine(body, lineNo, line)
			if err != nil {
				return nil, err
			}
			if add {
				cs.AddEdges = append(cs.AddEdges, edge)
			} else {
				cs.RemoveEdges = append(cs.RemoveEdges, edge)
			}
		default:
			return nil, &MalformedLineError{Line: lineNo, Text: line, Reason: "data line outside of a section"}
		}
	}

	return cs, nil
}

// SerializeDiff renders a change set back to Format E text. Within each
// section removals are written before additions, so an update appears as
// its '-' line followed (eventually) by its '+' line with the same
// semantic id.
func SerializeDiff(cs *common.ChangeSet) string {
	var b strings.Builder

	if cs.BaseRootID != "" {
		fmt.Fprintf(&b, "%s%s@v%d%s\n", baseOpen, cs.BaseRootID, cs.BaseVersion, baseClose)
	}

	if len(cs.AddNodes) > 0 || len(cs.RemoveNodes) > 0 {
		b.WriteString(sectionNodes)
		b.WriteByte('\n')
		for _, n := range cs.RemoveNodes {
			b.WriteString("-")
			b.WriteString(FormatNodeLine(n))
			b.WriteByte('\n')
		}
		for _, n := range cs.AddNodes {
			b.WriteString("+")
			b.WriteString(FormatNodeLine(n))
			b.WriteByte('\n')
		}
	}

	if len(cs.AddEdges) > 0 || len(cs.RemoveEdges) > 0 {
		b.WriteString(sectionEdges)
		b.WriteByte('\n')
		for _, e := range cs.RemoveEdges {
			b.WriteString("-")
			b.WriteString(FormatEdgeLine(e))
			b.WriteByte('\n')
		}
		for _, e := range cs.AddEdges {
			b.WriteString("+")
			b.WriteString(FormatEdgeLine(e))
			b.WriteByte('\n')
		}
	}

	return b.String()
}

// SerializeState renders a full canvas snapshot as unprefixed Format E
// lines, for resync responses and agent context.
func SerializeState(nodes []common.Node, edges []common.Edge) string {
	var b strings.Builder

	b.WriteString(sectionNodes)
	b.WriteByte('\n')
	for _, n := range nodes {
		b.WriteString(FormatNodeLine(n))
		b.WriteByte('\n')
	}

	b.WriteString(sectionEdges)
	b.WriteByte('\n')
	for _, e := range edges {
		b.WriteString(FormatEdgeLine(e))
		b.WriteByte('\n')
	}

	return b.String()
}

// FormatNodeLine renders one node as `Name|TYPE|SemanticId|Description`
// with an optional trailing ` [attr:value,...]` block. Attribute keys are
// written in sorted order so output is deterministic.
func FormatNodeLine(n common.Node) string {
	var b strings.Builder
	b.WriteString(n.Name)
	b.WriteByte('|')
	b.WriteString(string(n.Kind))
	b.WriteByte('|')
	b.WriteString(n.SemanticID)
	b.WriteByte('|')
	b.WriteString(n.Description)

	if len(n.Presentation) > 0 {
		keys := make([]string, 0, len(n.Presentation))
		for k := range n.Presentation {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte(':')
			b.WriteString(n.Presentation[k])
		}
		b.WriteByte(']')
	}

	return b.String()
}

// FormatEdgeLine renders one edge as `Source -abbrev-> Target`.
func FormatEdgeLine(e common.Edge) string {
	return fmt.Sprintf("%s -%s-> %s", e.SourceID, e.Kind.Abbrev(), e.TargetID)
}

func parseBaseTag(line string, lineNo int) (string, int64, error) {
	if !strings.HasSuffix(line, baseClose) {
		return "", 0, &MalformedLineError{Line: lineNo, Text: line, Reason: "unterminated base_snapshot tag"}
	}
	inner := line[len(baseOpen) : len(line)-len(baseClose)]

	at := strings.LastIndex(inner, "@v")
	if at <= 0 {
		return "", 0, &MalformedLineError{Line: lineNo, Text: line, Reason: "base_snapshot must be SemanticId@vN"}
	}
	root := inner[:at]
	version, err := strconv.ParseInt(inner[at+2:], 10, 64)
	if err != nil {
		return "", 0, &MalformedLineError{Line: lineNo, Text: line, Reason: "base_snapshot version is not a number"}
	}
	return root, version, nil
}

func parseNodeLine(body string, lineNo int, raw string) (common.Node, error) {
	var attrs map[string]string

	if strings.HasSuffix(body, "]") {
		if open := strings.LastIndex(body, " ["); open >= 0 {
			attrText := body[open+2 : len(body)-1]
			parsed, err := parseAttrs(attrText, lineNo, raw)
			if err != nil {
				return common.Node{}, err
			}
			attrs = parsed
			body = body[:open]
		}
	}

	parts := strings.SplitN(body, "|", 4)
	if len(parts) < 4 {
		return common.Node{}, &MalformedLineError{Line: lineNo, Text: raw, Reason: "node line needs Name|Type|SemanticId|Description"}
	}
	name, kindToken, semanticID, description := parts[0], parts[1], parts[2], parts[3]
	if name == "" || semanticID == "" {
		return common.Node{}, &MalformedLineError{Line: lineNo, Text: raw, Reason: "node name and semantic id must not be empty"}
	}

	kind, ok := common.ParseNodeKind(kindToken)
	if !ok {
		return common.Node{}, &MalformedLineError{Line: lineNo, Text: raw, Reason: "unknown node type " + kindToken}
	}

	return common.Node{
		SemanticID:   semanticID,
		Kind:         kind,
		Name:         name,
		Description:  description,
		Presentation: attrs,
	}, nil
}

func parseEdgeLine(body string, lineNo int, raw string) (common.Edge, error) {
	m := edgeLineRe.FindStringSubmatch(body)
	if m == nil {
		return common.Edge{}, &MalformedLineError{Line: lineNo, Text: raw, Reason: "edge line needs Source -abbrev-> Target"}
	}

	kind, ok := common.RelationForAbbrev(m[2])
	if !ok {
		return common.Edge{}, &MalformedLineError{Line: lineNo, Text: raw, Reason: "unknown relation abbreviation " + m[2]}
	}

	return common.Edge{
		SourceID: m[1],
		TargetID: m[3],
		Kind:     kind,
	}, nil
}

func parseAttrs(text string, lineNo int, raw string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, pair := range strings.Split(text, ",") {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, &MalformedLineError{Line: lineNo, Text: raw, Reason: "presentation attribute must be key:value"}
		}
		attrs[kv[0]] = kv[1]
	}
	return attrs, nil
}
