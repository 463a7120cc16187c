// SPDX-License-Identifier: Apache-2.0

package migrations

import (
	"encoding/hex"

	"github.com/pterm/pterm"
)

// Logger reports the steps of a migration's lifecycle as it runs.
type Logger interface {
	LogMigrationStart(*Migration)
	LogMigrationComplete(*Migration)
	LogMigrationRollback(*Migration)
	LogMigrationRollbackComplete(*Migration)

	LogHookStart(hook HookDescriptor)
	LogHookComplete(hook HookDescriptor)
	LogHookError(hook HookDescriptor, err error)

	Info(msg string, args ...any)
}

type migrationLogger struct {
	logger pterm.Logger
}

type noopLogger struct{}

// NewLogger returns a Logger that writes structured lines via pterm.
func NewLogger() Logger {
	return &migrationLogger{logger: pterm.DefaultLogger}
}

// NewNoopLogger returns a Logger that discards everything; it is the
// Engine's default logger.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

func (l *migrationLogger) LogMigrationStart(m *Migration) {
	l.logger.Info("starting migration", l.logger.Args("slug", m.Slug, "hooks", len(m.Hooks)))
}

func (l *migrationLogger) LogMigrationComplete(m *Migration) {
	l.logger.Info("migration applied", l.logger.Args("slug", m.Slug, "checksum", ChecksumHex(m)))
}

func (l *migrationLogger) LogMigrationRollback(m *Migration) {
	l.logger.Info("rolling back migration", l.logger.Args("slug", m.Slug))
}

func (l *migrationLogger) LogMigrationRollbackComplete(m *Migration) {
	l.logger.Info("migration rolled back", l.logger.Args("slug", m.Slug))
}

func (l *migrationLogger) LogHookStart(hook HookDescriptor) {
	l.logger.Info("running hook", l.logger.Args("hook", hook.ID, "phase", string(hook.Phase)))
}

func (l *migrationLogger) LogHookComplete(hook HookDescriptor) {
	l.logger.Info("hook complete", l.logger.Args("hook", hook.ID, "phase", string(hook.Phase)))
}

func (l *migrationLogger) LogHookError(hook HookDescriptor, err error) {
	l.logger.Error("hook failed", l.logger.Args("hook", hook.ID, "phase", string(hook.Phase), "error", err))
}

func (l *migrationLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, l.logger.Args(args...))
}

func (l *noopLogger) LogMigrationStart(m *Migration)            {}
func (l *noopLogger) LogMigrationComplete(m *Migration)         {}
func (l *noopLogger) LogMigrationRollback(m *Migration)         {}
func (l *noopLogger) LogMigrationRollbackComplete(m *Migration) {}
func (l *noopLogger) LogHookStart(hook HookDescriptor)          {}
func (l *noopLogger) LogHookComplete(hook HookDescriptor)       {}
func (l *noopLogger) LogHookError(hook HookDescriptor, err error) {}
func (l *noopLogger) Info(msg string, args ...any)              {}

// ChecksumHex renders a migration's checksum as the hex string the
// logger and CLI output layer print.
func ChecksumHex(m *Migration) string {
	return hex.EncodeToString(m.Checksum())
}
