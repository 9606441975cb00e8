// SPDX-License-Identifier: Apache-2.0

// Package analyzer implements SchemaAnalyzer: parsing a TVIEW's backing
// SELECT, inferring its primary-key and foreign-key columns, and
// enumerating the base tables it depends on.
package analyzer

import (
	"context"
	"fmt"
	"strings"

	pgq "github.com/xataio/pg_query_go/v6"

	"github.com/tvkeep/tvkeep/pkg/schema"
	"github.com/tvkeep/tvkeep/tverrors"
)

// EntityResolver is the subset of Catalog the analyzer needs: checking that
// an fk_<parent> column names an existing TView.
type EntityResolver interface {
	LoadByEntity(ctx context.Context, entity string) (*schema.TView, error)
}

// SchemaAnalyzer turns (entity, select_text) into a TViewSchema, following
// the seven-step algorithm: parse, require pk_<entity>, require data,
// collect fk_<parent> columns, walk FROM/JOIN for base tables, reject
// duplicate FK columns, reject dangling FK targets.
type SchemaAnalyzer struct {
	catalog EntityResolver
}

// New returns a SchemaAnalyzer that validates fk_<parent> targets against
// catalog.
func New(catalog EntityResolver) *SchemaAnalyzer {
	return &SchemaAnalyzer{catalog: catalog}
}

// Analyze parses selectText and produces a TViewSchema for entity.
func (a *SchemaAnalyzer) Analyze(ctx context.Context, entity, selectText string) (*schema.TViewSchema, error) {
	result, err := pgq.Parse(selectText)
	if err != nil {
		return nil, tverrors.UnparseableSelectError{Entity: entity, Err: err}
	}
	if len(result.Stmts) != 1 {
		return nil, tverrors.UnparseableSelectError{
			Entity: entity,
			Err:    fmt.Errorf("expected exactly one statement, got %d", len(result.Stmts)),
		}
	}

	selectStmt, ok := result.Stmts[0].GetStmt().GetNode().(*pgq.Node_SelectStmt)
	if !ok {
		return nil, tverrors.UnparseableSelectError{Entity: entity, Err: fmt.Errorf("not a SELECT statement")}
	}

	pkColumn := "pk_" + entity
	var sawPK, sawData bool
	var fkEntries []schema.FKEntry
	seenFK := make(map[string]bool)

	for _, target := range selectStmt.SelectStmt.GetTargetList() {
		rt := target.GetResTarget()
		if rt == nil {
			continue
		}

		name := outputName(rt)
		switch {
		case name == pkColumn:
			if sawPK {
				return nil, tverrors.InvalidDataTypeError{Entity: entity, Column: pkColumn, Wanted: "single column", Got: "duplicate"}
			}
			if destType, ok := castDestType(rt.GetVal()); ok && !isIntegerType(destType) {
				return nil, tverrors.InvalidDataTypeError{Entity: entity, Column: pkColumn, Wanted: "integer", Got: destType}
			}
			sawPK = true

		case name == "data":
			if sawData {
				return nil, tverrors.InvalidDataTypeError{Entity: entity, Column: "data", Wanted: "single column", Got: "duplicate"}
			}
			if destType, ok := castDestType(rt.GetVal()); ok && !isJSONBType(destType) {
				return nil, tverrors.InvalidDataTypeError{Entity: entity, Column: "data", Wanted: "jsonb", Got: destType}
			}
			sawData = true

		case strings.HasPrefix(name, "fk_"):
			parent := strings.TrimPrefix(name, "fk_")
			if seenFK[name] {
				return nil, tverrors.DuplicateFKError{Entity: entity, Column: name}
			}
			seenFK[name] = true
			fkEntries = append(fkEntries, schema.FKEntry{ColumnName: name, ParentEntity: parent})
		}
	}

	if !sawPK {
		return nil, tverrors.MissingPkColumnError{Entity: entity}
	}
	if !sawData {
		return nil, tverrors.MissingDataColumnError{Entity: entity}
	}

	for _, fk := range fkEntries {
		if a.catalog == nil {
			continue
		}
		if _, err := a.catalog.LoadByEntity(ctx, fk.ParentEntity); err != nil {
			return nil, tverrors.DanglingFKError{Entity: entity, Column: fk.ColumnName, ParentEntity: fk.ParentEntity}
		}
	}

	baseTables, err := collectBaseTables(selectStmt.SelectStmt.GetFromClause())
	if err != nil {
		return nil, tverrors.UnparseableSelectError{Entity: entity, Err: err}
	}

	return &schema.TViewSchema{
		Entity:         entity,
		PKColumnName:   pkColumn,
		PKType:         "integer",
		DataColumnName: "data",
		FKEntries:      fkEntries,
		BaseTables:     baseTables,
	}, nil
}

// outputName returns the output column name of a ResTarget: its explicit
// alias if any, else the final field of a bare column reference.
func outputName(rt *pgq.ResTarget) string {
	if rt.GetName() != "" {
		return rt.GetName()
	}

	colRef, ok := rt.GetVal().GetNode().(*pgq.Node_ColumnRef)
	if !ok {
		return ""
	}

	fields := colRef.ColumnRef.GetFields()
	if len(fields) == 0 {
		return ""
	}

	if s, ok := fields[len(fields)-1].GetNode().(*pgq.Node_String_); ok {
		return s.String_.GetSval()
	}
	return ""
}

// castDestType returns the target type name of an explicit ::type cast on
// val, if any.
func castDestType(val *pgq.Node) (string, bool) {
	cast, ok := val.GetNode().(*pgq.Node_TypeCast)
	if !ok {
		return "", false
	}
	name, err := pgq.DeparseTypeName(cast.TypeCast.GetTypeName())
	if err != nil {
		return "", false
	}
	return name, true
}

func isIntegerType(t string) bool {
	switch strings.ToLower(t) {
	case "int", "int2", "int4", "int8", "integer", "bigint", "smallint", "serial", "bigserial":
		return true
	default:
		return false
	}
}

func isJSONBType(t string) bool {
	return strings.EqualFold(t, "jsonb")
}

// collectBaseTables walks a FROM clause (a list of RangeVar/JoinExpr nodes)
// and returns every base table name referenced.
func collectBaseTables(fromClause []*pgq.Node) ([]string, error) {
	var tables []string
	var walk func(n *pgq.Node) error
	walk = func(n *pgq.Node) error {
		if n == nil {
			return nil
		}
		switch v := n.GetNode().(type) {
		case *pgq.Node_RangeVar:
			tables = append(tables, v.RangeVar.GetRelname())
		case *pgq.Node_JoinExpr:
			if err := walk(v.JoinExpr.GetLarg()); err != nil {
				return err
			}
			if err := walk(v.JoinExpr.GetRarg()); err != nil {
				return err
			}
		case *pgq.Node_RangeSubselect:
			return fmt.Errorf("subselects in FROM are not supported")
		default:
			return fmt.Errorf("unsupported FROM clause element")
		}
		return nil
	}

	for _, n := range fromClause {
		if err := walk(n); err != nil {
			return nil, err
		}
	}
	return dedupe(tables), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
