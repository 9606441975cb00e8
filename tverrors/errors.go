// SPDX-License-Identifier: Apache-2.0

// Package tverrors defines the flat taxonomy of errors returned by tvkeep's
// core components. Each failure mode is its own exported struct so callers
// can match on error type with errors.As rather than string comparison.
package tverrors

import "fmt"

// MissingPkColumnError is raised when a TVIEW's SELECT has no pk_<entity>
// column.
type MissingPkColumnError struct {
	Entity string
}

func (e MissingPkColumnError) Error() string {
	return fmt.Sprintf("tview %q: missing required column pk_%s", e.Entity, e.Entity)
}

// MissingDataColumnError is raised when a TVIEW's SELECT has no data column.
type MissingDataColumnError struct {
	Entity string
}

func (e MissingDataColumnError) Error() string {
	return fmt.Sprintf("tview %q: missing required column data", e.Entity)
}

// InvalidDataTypeError is raised when pk_<entity> or data resolve to the
// wrong SQL type.
type InvalidDataTypeError struct {
	Entity string
	Column string
	Wanted string
	Got    string
}

func (e InvalidDataTypeError) Error() string {
	return fmt.Sprintf("tview %q: column %q must be %s, got %s", e.Entity, e.Column, e.Wanted, e.Got)
}

// DanglingFKError is raised when an fk_<parent> column names a parent entity
// with no corresponding catalog row.
type DanglingFKError struct {
	Entity       string
	Column       string
	ParentEntity string
}

func (e DanglingFKError) Error() string {
	return fmt.Sprintf("tview %q: column %q references unknown tview %q", e.Entity, e.Column, e.ParentEntity)
}

// DuplicateFKError is raised when the same fk_<parent> column name appears
// more than once in a TVIEW's SELECT.
type DuplicateFKError struct {
	Entity string
	Column string
}

func (e DuplicateFKError) Error() string {
	return fmt.Sprintf("tview %q: duplicate foreign key column %q", e.Entity, e.Column)
}

// UnparseableSelectError wraps a SQL parser failure.
type UnparseableSelectError struct {
	Entity string
	Err    error
}

func (e UnparseableSelectError) Error() string {
	return fmt.Sprintf("tview %q: unparseable select: %s", e.Entity, e.Err)
}

func (e UnparseableSelectError) Unwrap() error { return e.Err }

// TViewAlreadyExistsError is raised by Catalog.Insert on a duplicate entity.
type TViewAlreadyExistsError struct {
	Entity string
}

func (e TViewAlreadyExistsError) Error() string {
	return fmt.Sprintf("tview %q already exists", e.Entity)
}

// TViewDoesNotExistError is raised by Catalog.LoadByEntity, drop without IF
// EXISTS, and refresh against an unknown entity.
type TViewDoesNotExistError struct {
	Entity string
}

func (e TViewDoesNotExistError) Error() string {
	return fmt.Sprintf("tview %q does not exist", e.Entity)
}

// GraphCycleError is raised when EntityDepGraph construction finds a cycle
// among FK edges.
type GraphCycleError struct {
	Cycle []string
}

func (e GraphCycleError) Error() string {
	return fmt.Sprintf("entity dependency graph has a cycle: %v", e.Cycle)
}

// PropagationDepthExceededError is raised when RefreshQueue's pre-commit
// fixed-point loop exceeds max_propagation_depth.
type PropagationDepthExceededError struct {
	MaxDepth       int
	ProcessedCount int
}

func (e PropagationDepthExceededError) Error() string {
	return fmt.Sprintf("propagation depth exceeded: max_depth=%d processed_count=%d", e.MaxDepth, e.ProcessedCount)
}

// BackfillNotPossibleError is raised when a base table lacks any column
// suitable to drive ordered bulk refresh.
type BackfillNotPossibleError struct {
	Entity string
	Reason string
}

func (e BackfillNotPossibleError) Error() string {
	return fmt.Sprintf("tview %q: backfill not possible: %s", e.Entity, e.Reason)
}

// InvalidMigrationError wraps any other malformed request reaching the core,
// mirroring the catch-all category the error taxonomy reserves for
// synchronous schema errors not covered by a more specific type.
type InvalidMigrationError struct {
	Reason string
}

func (e InvalidMigrationError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

// FieldRequiredError is raised when a required struct field is empty.
type FieldRequiredError struct {
	Struct string
	Field  string
}

func (e FieldRequiredError) Error() string {
	return fmt.Sprintf("%s field %q is required", e.Struct, e.Field)
}
