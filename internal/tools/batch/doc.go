// Package batch lets a tool accept either a single item or a list of items
// and report a per-item outcome, so one failing entry does not fail the
// whole call.
package batch
