// SPDX-License-Identifier: Apache-2.0

// Package tvlog provides the structured logger used across tvkeep's core
// components. It wraps pterm the way pgroll's migrations logger does,
// with a no-op implementation for dry runs and tests.
package tvlog

import (
	"fmt"

	"github.com/pterm/pterm"
)

// Logger is consumed by the DDL-Hook, RefreshQueue, RefreshEngine, and
// TriggerInstaller. It never returns an error: logging failures must not
// fail a transaction.
type Logger interface {
	LogTViewCreate(entity string)
	LogTViewCreated(entity string)
	LogTViewDropped(entity string)
	LogTriggerInstalled(baseTable, entity string)
	LogTriggerRemoved(baseTable, entity string)
	LogRefreshEnqueue(entity string, pk int64)
	LogRefreshStart(entity string, pk int64)
	LogRefreshComplete(entity string, pk int64, deleted bool)
	LogPropagationIteration(iteration, pending int)
	LogCacheInvalidated(cache string)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type ptermLogger struct {
	logger pterm.Logger
}

// New returns a Logger backed by pterm's default logger.
func New() Logger {
	return &ptermLogger{logger: pterm.DefaultLogger.WithLevel(pterm.LogLevelWarn)}
}

func (p *ptermLogger) LogTViewCreate(entity string) {
	p.logger.Info("creating tview", p.logger.Args([]any{"entity", entity}))
}

func (p *ptermLogger) LogTViewCreated(entity string) {
	p.logger.Info("tview created", p.logger.Args([]any{"entity", entity}))
}

func (p *ptermLogger) LogTViewDropped(entity string) {
	p.logger.Info("tview dropped", p.logger.Args([]any{"entity", entity}))
}

func (p *ptermLogger) LogTriggerInstalled(baseTable, entity string) {
	p.logger.Debug("trigger installed", p.logger.Args([]any{"base_table", baseTable, "entity", entity}))
}

func (p *ptermLogger) LogTriggerRemoved(baseTable, entity string) {
	p.logger.Debug("trigger removed", p.logger.Args([]any{"base_table", baseTable, "entity", entity}))
}

func (p *ptermLogger) LogRefreshEnqueue(entity string, pk int64) {
	p.logger.Debug("refresh enqueued", p.logger.Args([]any{"entity", entity, "pk", pk}))
}

func (p *ptermLogger) LogRefreshStart(entity string, pk int64) {
	p.logger.Debug("refresh start", p.logger.Args([]any{"entity", entity, "pk", pk}))
}

func (p *ptermLogger) LogRefreshComplete(entity string, pk int64, deleted bool) {
	p.logger.Debug("refresh complete", p.logger.Args([]any{"entity", entity, "pk", pk, "deleted", deleted}))
}

func (p *ptermLogger) LogPropagationIteration(iteration, pending int) {
	p.logger.Debug("propagation iteration", p.logger.Args([]any{"iteration", iteration, "pending", pending}))
}

func (p *ptermLogger) LogCacheInvalidated(cache string) {
	p.logger.Info("cache invalidated", p.logger.Args([]any{"cache", cache}))
}

func (p *ptermLogger) Info(msg string, args ...any)  { p.logger.Info(fmt.Sprintf(msg, args...)) }
func (p *ptermLogger) Warn(msg string, args ...any)  { p.logger.Warn(fmt.Sprintf(msg, args...)) }
func (p *ptermLogger) Error(msg string, args ...any) { p.logger.Error(fmt.Sprintf(msg, args...)) }

type noopLogger struct{}

// NewNoop returns a Logger that discards everything, used for dry-run
// execution and unit tests that don't want log noise.
func NewNoop() Logger { return noopLogger{} }

func (noopLogger) LogTViewCreate(string)                  {}
func (noopLogger) LogTViewCreated(string)                 {}
func (noopLogger) LogTViewDropped(string)                 {}
func (noopLogger) LogTriggerInstalled(string, string)     {}
func (noopLogger) LogTriggerRemoved(string, string)       {}
func (noopLogger) LogRefreshEnqueue(string, int64)        {}
func (noopLogger) LogRefreshStart(string, int64)          {}
func (noopLogger) LogRefreshComplete(string, int64, bool) {}
func (noopLogger) LogPropagationIteration(int, int)       {}
func (noopLogger) LogCacheInvalidated(string)             {}
func (noopLogger) Info(string, ...any)                    {}
func (noopLogger) Warn(string, ...any)                    {}
func (noopLogger) Error(string, ...any)                   {}
