package session

import (
	"sort"
	"sync"
	"time"
)

// Registry maps logical client ids to their last known session. It is
// safe for concurrent use; every mutation for a given client id happens
// under one lock, so reconnect counting is atomic.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Upsert records a new transport session for clientID. The first session
// for an id starts at ReconnectCount 0; each later one increments it.
func (r *Registry) Upsert(clientID, transportSessionID, remoteAddr string) Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &Record{
		ClientID:           clientID,
		TransportSessionID: transportSessionID,
		RemoteAddr:         remoteAddr,
		ConnectedAt:        r.now(),
		Connected:          true,
	}
	if existing, ok := r.records[clientID]; ok {
		rec.ReconnectCount = existing.ReconnectCount + 1
	}
	r.records[clientID] = rec
	return rec.Clone()
}

func (r *Registry) Lookup(clientID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[clientID]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// MarkDisconnected flags the session as gone if transportSessionID is still
// the current one for clientID. A disconnect from a session that has since
// been replaced leaves the record alone and reports false.
func (r *Registry) MarkDisconnected(clientID, transportSessionID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[clientID]
	if !ok || rec.TransportSessionID != transportSessionID {
		return Record{}, false
	}
	now := r.now()
	rec.Connected = false
	rec.DisconnectedAt = &now
	return rec.Clone(), true
}

// All returns copies of every record, ordered by client id.
func (r *Registry) All() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		result = append(result, rec.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ClientID < result[j].ClientID
	})
	return result
}

func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, rec := range r.records {
		if rec.Connected {
			count++
		}
	}
	return count
}

// Sweep forgets disconnected records whose disconnect happened before
// olderThan and returns their client ids. Connected records are never
// swept.
func (r *Registry) Sweep(olderThan time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, rec := range r.records {
		if rec.Connected || rec.DisconnectedAt == nil {
			continue
		}
		if rec.DisconnectedAt.Before(olderThan) {
			delete(r.records, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}
