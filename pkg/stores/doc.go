// Package stores journals restore runs.
//
// The SQLite journal records each plan with its steps when a run starts,
// appends every step transition published on the progress bus, and
// checkpoints the latest state and operation ID of every step. A run that
// was interrupted can therefore be inspected after the process exits.
package stores
