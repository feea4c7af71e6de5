package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is an append-only record of a state change, fanned out by the event
// bus and replayed by the SSE facade on re-sync.
type Event struct {
	ID         int64
	UUID       string
	EventType  string
	EntityType string
	EntityID   string
	Payload    map[string]interface{}
	CreatedAt  int64
}

// AppendEvent inserts an event and returns its assigned id. Every emitted
// event is persisted here regardless of how many live subscribers exist.
func (s *Store) AppendEvent(evt *Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.UUID == "" {
		evt.UUID = uuid.New().String()
	}
	if evt.CreatedAt == 0 {
		evt.CreatedAt = time.Now().UnixMilli()
	}

	res, err := s.db.Exec(`
		INSERT INTO events (uuid, event_type, entity_type, entity_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		evt.UUID, evt.EventType, evt.EntityType, evt.EntityID, marshalJSON(evt.Payload), evt.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read event id: %w", err)
	}
	evt.ID = id
	return id, nil
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	EntityType string
	EntityID   string
	SinceID    int64
	Limit      int
}

// ListEvents returns events matching f ordered oldest first, used by SSE
// subscribers re-syncing after a dropped buffer.
func (s *Store) ListEvents(f EventFilter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, uuid, event_type, entity_type, entity_id, payload, created_at FROM events WHERE id > ?`
	args := []interface{}{f.SinceID}

	if f.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}

	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var payload string
		if err := rows.Scan(&e.ID, &e.UUID, &e.EventType, &e.EntityType, &e.EntityID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Payload = unmarshalJSON(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}
