// Package cli holds what the EWoC commands share at the process boundary:
// exit codes, validated flag values, the positional argument rules and the
// stdout protocol lines read by the orchestrator.
package cli
