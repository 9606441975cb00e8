// SPDX-License-Identifier: Apache-2.0

// Package schema holds the data model tvkeep's core components share: the
// persisted TView record, the transient TViewSchema produced by analysis,
// and the process-wide EntityDepGraph.
package schema

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oapi-codegen/nullable"

	"github.com/tvkeep/tvkeep/tverrors"
)

// FKEntry is one outbound foreign-key column discovered on a TVIEW's
// backing SELECT: column name fk_<ParentEntity> points at the TView named
// ParentEntity.
type FKEntry struct {
	ColumnName   string `json:"columnName"`
	ParentEntity string `json:"parentEntity"`
}

// TView is the persisted, catalog-backed record for one materialized JSONB
// read model.
type TView struct {
	Entity       string    `json:"entity"`
	ViewID       string    `json:"viewId"`
	TableID      string    `json:"tableId"`
	Definition   string    `json:"definition"`
	Dependencies []string  `json:"dependencies"`
	FKColumns    []FKEntry `json:"fkColumns"`
	PKColumn     string    `json:"pkColumn"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`

	// Comment is an optional, tri-state annotation on the TView: absent
	// (never set), explicit null (cleared), or a value. It round-trips
	// through TView's JSON encoding (Value/Scan) without collapsing "never
	// set" into ""; the catalog's tviews table does not store it.
	Comment nullable.Nullable[string] `json:"comment,omitempty"`
}

// TViewSchema is the transient output of SchemaAnalyzer: everything needed
// to install triggers and generate refresh SQL for one entity, before a
// TView record is persisted.
type TViewSchema struct {
	Entity         string
	PKColumnName   string
	PKType         string
	DataColumnName string
	FKEntries      []FKEntry
	BaseTables     []string
}

// Value implements driver.Valuer so a TView round-trips through a JSONB
// column the same way pgroll's Schema does.
func (t TView) Value() (driver.Value, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal tview: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner for TView.
func (t *TView) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	case nil:
		return nil
	default:
		return errors.New("schema: incompatible type for TView scan")
	}
	return json.Unmarshal(b, t)
}

// EntityDepGraph is the process-wide, cached graph of FK edges between
// entities. Parents[e] lists entities whose TView has an fk_<e> column
// (i.e. consumers of e); Children[e] lists the parent entities e points at.
type EntityDepGraph struct {
	Parents   map[string][]string
	Children  map[string][]string
	TopoOrder []string
}

// FKEdge is one row of Catalog.AllFKEdges: child has a column fk_<parent>
// naming Parent.
type FKEdge struct {
	Child  string
	Column string
	Parent string
}

// BuildEntityDepGraph constructs an EntityDepGraph from the full edge list,
// running Kahn's algorithm for the topological order and detecting cycles.
// A cycle is a hard error per the invariant that EntityDepGraph is always
// acyclic.
func BuildEntityDepGraph(entities []string, edges []FKEdge) (*EntityDepGraph, error) {
	parents := make(map[string][]string)
	children := make(map[string][]string)
	indegree := make(map[string]int)

	for _, e := range entities {
		indegree[e] = 0
		if _, ok := parents[e]; !ok {
			parents[e] = nil
		}
		if _, ok := children[e]; !ok {
			children[e] = nil
		}
	}

	for _, edge := range edges {
		children[edge.Child] = append(children[edge.Child], edge.Parent)
		parents[edge.Parent] = append(parents[edge.Parent], edge.Child)
		indegree[edge.Child]++
	}

	var queue []string
	for _, e := range entities {
		if indegree[e] == 0 {
			queue = append(queue, e)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		sort.Strings(queue)
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		for _, child := range parents[n] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(order) != len(entities) {
		cycle := make([]string, 0)
		for _, e := range entities {
			if indegree[e] > 0 {
				cycle = append(cycle, e)
			}
		}
		sort.Strings(cycle)
		return nil, tverrors.GraphCycleError{Cycle: cycle}
	}

	return &EntityDepGraph{
		Parents:   parents,
		Children:  children,
		TopoOrder: order,
	}, nil
}

// TopoRank returns entity -> position in TopoOrder, used by RefreshQueue to
// sort pending keys so lower-dependency entities are refreshed first.
func (g *EntityDepGraph) TopoRank() map[string]int {
	rank := make(map[string]int, len(g.TopoOrder))
	for i, e := range g.TopoOrder {
		rank[e] = i
	}
	return rank
}
