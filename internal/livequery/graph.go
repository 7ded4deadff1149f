package livequery

import (
	"syncwire/internal/query"
	"syncwire/internal/record"
)

// Subscriber receives one delta per affected standing query.
type Subscriber func(mut *record.Mutation)

// QueryNode is one registered standing query. Child queries track the
// entities reachable through a relation of the parent's resource; they keep
// the parent's result set live when related rows change.
type QueryNode struct {
	Hash               string
	Raw                query.Raw
	MatchingIDs        map[string]bool
	Parents            map[string]bool
	ParentRelation     string
	ChildrenByRelation map[string]map[string]bool

	subscribers map[int]Subscriber
}

func newQueryNode(hash string, q query.Raw) *QueryNode {
	return &QueryNode{
		Hash:               hash,
		Raw:                q,
		MatchingIDs:        make(map[string]bool),
		Parents:            make(map[string]bool),
		ChildrenByRelation: make(map[string]map[string]bool),
		subscribers:        make(map[int]Subscriber),
	}
}

// ObjectNode is one observed entity instance. Outgoing maps a one-relation
// name to the current target id; Incoming is the inverse index: relation name
// to the set of source ids currently pointing here. Seen distinguishes
// objects whose row has actually been observed from placeholders created as
// relation targets.
type ObjectNode struct {
	ID             string
	Resource       string
	Seen           bool
	MatchedQueries map[string]bool
	Outgoing       map[string]string
	Incoming       map[string]map[string]bool
}

func newObjectNode(resource, id string) *ObjectNode {
	return &ObjectNode{
		ID:             id,
		Resource:       resource,
		MatchedQueries: make(map[string]bool),
		Outgoing:       make(map[string]string),
		Incoming:       make(map[string]map[string]bool),
	}
}

func objectKey(resource, id string) string {
	return resource + "/" + id
}
