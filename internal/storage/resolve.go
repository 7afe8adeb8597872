package storage

import "github.com/veilsync/veilsync/internal/room"

// Resolver decides which record wins when a push arrives for a room that
// already holds one. The relay is strictly last-write-wins today; richer
// conflict handling (three-way merge, operational transforms) plugs in here
// without touching the backends.
type Resolver interface {
	Resolve(stored *room.Record, incoming room.Record) room.Record
}

// LastWriteWins keeps whichever record carries the later timestamp, breaking
// ties in favor of the incoming write.
type LastWriteWins struct{}

// Resolve implements Resolver.
func (LastWriteWins) Resolve(stored *room.Record, incoming room.Record) room.Record {
	if stored == nil {
		return incoming
	}
	if incoming.Timestamp < stored.Timestamp {
		return *stored
	}
	return incoming
}
