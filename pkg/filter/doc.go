// Package filter tracks decline filters: temporary exclusions that
// keep declined resources from being re-offered to the same framework
// from the same agent until a deadline passes. Entries expire against
// an injectable clock, lazily during matching and eagerly at the start
// of each allocation pass.
package filter
