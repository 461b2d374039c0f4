// Package model defines the domain types for the tiller workspace
// orchestrator.
//
// This package contains pure data structures with no external dependencies.
// All entities (Project, WorktreeConfig, Sprint, BacklogItem, Session,
// VerificationReport) are shared between the CLI, the HTTP API and the
// orchestration packages.
//
// The package also defines exit codes (ExitCode) and a classified error type
// (Error) that carries an error kind for proper OS process exit handling and
// HTTP status mapping.
package model
