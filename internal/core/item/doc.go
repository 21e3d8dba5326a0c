// Package item defines the queued item model for the checkpoint subsystem.
//
// Items are pure value objects: mutations, deletions and meta markers that
// flow through a vbucket's checkpoint log. They carry no IO dependencies
// or framework coupling.
package item
