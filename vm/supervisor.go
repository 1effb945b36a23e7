// Package vm controls the machine where workloads run: snapshots and guest
// events.
package vm

import "context"

// SnapshotTag names the snapshot taken once the guest is provisioned.
const SnapshotTag = "fresh"

// Supervisor manages the execution environment of one worker.
type Supervisor interface {
	LoadSnapshot(ctx context.Context) error
	SaveSnapshot(ctx context.Context) error
	// ResetEvents drops guest events received so far.
	ResetEvents() error
	// HadPanicEvent reports whether the guest emitted an event since the last
	// reset. Events are consumed.
	HadPanicEvent() (bool, error)
	Close() error
}

// Native runs directly on the host: no snapshots and no events.
type Native struct{}

func (Native) LoadSnapshot(context.Context) error { return nil }

func (Native) SaveSnapshot(context.Context) error { return nil }

func (Native) ResetEvents() error { return nil }

func (Native) HadPanicEvent() (bool, error) { return false, nil }

func (Native) Close() error { return nil }
