package hub

import (
	"sync"

	"github.com/adred-codev/collabd/internal/protocol"
)

// document is the in-memory state for one docID. mu guards content, version
// and subs together so version checks, commits and subscriber membership
// stay consistent; disk writes for a commit happen under the same lock so
// oplog order matches version order.
type document struct {
	id string

	mu      sync.Mutex
	content string
	version int
	subs    map[string]struct{}
}

// snapshotLocked builds the DOC_SNAPSHOT payload. Caller holds d.mu.
func (d *document) snapshotLocked() protocol.DocSnapshot {
	return protocol.NewDocSnapshot(d.id, d.version, d.content)
}
