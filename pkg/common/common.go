package common

import (
	"fmt"
	"strings"
)

// NodeKind is the closed set of node types an ontology canvas may contain.
type NodeKind string

const (
	NodeSystem      NodeKind = "SYS"
	NodeSubsystem   NodeKind = "SUB"
	NodeUseCase     NodeKind = "UC"
	NodeActor       NodeKind = "ACT"
	NodeRequirement NodeKind = "REQ"
	NodeInterface   NodeKind = "IFC"
)

// nodeKindCodes maps a node kind to the short code used in the middle
// segment of a semantic id (`Name.Code.NNN`).
var nodeKindCodes = map[NodeKind]string{
	NodeSystem:      "SY",
	NodeSubsystem:   "SU",
	NodeUseCase:     "UC",
	NodeActor:       "AC",
	NodeRequirement: "RQ",
	NodeInterface:   "IF",
}

// ParseNodeKind returns the NodeKind for a wire token, reporting whether
// the token belongs to the closed set.
func ParseNodeKind(s string) (NodeKind, bool) {
	k := NodeKind(s)
	_, ok := nodeKindCodes[k]
	return k, ok
}

// Code returns the semantic-id segment code for the kind.
func (k NodeKind) Code() string {
	return nodeKindCodes[k]
}

func (k NodeKind) Valid() bool {
	_, ok := nodeKindCodes[k]
	return ok
}

// RelationKind is the closed set of edge types.
type RelationKind string

const (
	RelCompose   RelationKind = "compose"
	RelInclude   RelationKind = "include"
	RelExtend    RelationKind = "extend"
	RelAssociate RelationKind = "associate"
	RelDepend    RelationKind = "depend"
)

var relationAbbrevs = map[RelationKind]string{
	RelCompose:   "cmp",
	RelInclude:   "inc",
	RelExtend:    "ext",
	RelAssociate: "asc",
	RelDepend:    "dep",
}

var abbrevRelations = func() map[string]RelationKind {
	m := make(map[string]RelationKind, len(relationAbbrevs))
	for k, a := range relationAbbrevs {
		m[a] = k
	}
	return m
}()

// Abbrev returns the fixed short code used on edge wire lines.
func (k RelationKind) Abbrev() string {
	return relationAbbrevs[k]
}

func (k RelationKind) Valid() bool {
	_, ok := relationAbbrevs[k]
	return ok
}

// RelationForAbbrev resolves a wire abbreviation back to its relation kind.
func RelationForAbbrev(a string) (RelationKind, bool) {
	k, ok := abbrevRelations[a]
	return k, ok
}

// Node is a typed vertex of the ontology canvas.
//
// SemanticID is the stable human-meaningful key and is immutable once the
// node exists. PermanentID is the opaque key issued by the durable store;
// it is assigned exactly once, at first successful persistence, and stays
// empty until then. Presentation carries layout hints that are never
// semantically significant.
type Node struct {
	SemanticID   string            `json:"semantic_id"`
	PermanentID  string            `json:"permanent_id,omitempty"`
	Kind         NodeKind          `json:"kind"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Presentation map[string]string `json:"presentation,omitempty"`
}

// Edge is a directional, typed connection between two nodes. SourceID and
// TargetID hold semantic ids on the wire and inside canvas state; the
// durable store works with permanent ids only.
type Edge struct {
	SourceID string       `json:"source_id"`
	TargetID string       `json:"target_id"`
	Kind     RelationKind `json:"kind"`
}

// Key returns the canonical map key for the edge within one canvas.
func (e Edge) Key() string {
	return e.SourceID + "|" + e.Kind.Abbrev() + "|" + e.TargetID
}

// ChangeSet is the in-memory form of one Format E diff block. An update is
// represented as the old node in RemoveNodes plus the new node in AddNodes,
// both carrying the same semantic id.
type ChangeSet struct {
	// BaseRootID and BaseVersion identify the snapshot the diff was
	// produced against. A zero BaseRootID means the diff carries no base
	// tag and stale-base detection is skipped.
	BaseRootID  string
	BaseVersion int64

	AddNodes    []Node
	RemoveNodes []Node
	AddEdges    []Edge
	RemoveEdges []Edge
}

// Empty reports whether the change set carries no structural change.
func (c *ChangeSet) Empty() bool {
	return len(c.AddNodes) == 0 && len(c.RemoveNodes) == 0 &&
		len(c.AddEdges) == 0 && len(c.RemoveEdges) == 0
}

// FormatSemanticID builds the canonical `Name.Code.NNN` semantic id.
func FormatSemanticID(name string, kind NodeKind, counter int) string {
	clean := strings.ReplaceAll(name, " ", "")
	return fmt.Sprintf("%s.%s.%03d", clean, kind.Code(), counter)
}
