// Package services holds the error taxonomy and context plumbing shared by
// every external collaborator client and stage executor.
//
// Stage code wraps collaborator failures with services.Wrap so the pipeline
// coordinator can classify retryability without inspecting provider-specific
// error strings. Context helpers carry job, stage, and correlation identifiers
// into structured logs.
package services
