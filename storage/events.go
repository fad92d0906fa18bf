package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// SetEventRetention configures the automatic pruning horizon. A non-positive
// retention restores the default.
func (s *Store) SetEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	s.retentionMu.Lock()
	s.eventRetention = retention
	s.retentionMu.Unlock()
}

// EventRetention returns the pruning horizon.
func (s *Store) EventRetention() time.Duration {
	s.retentionMu.RLock()
	defer s.retentionMu.RUnlock()
	return s.eventRetention
}

// LogEvent inserts a server event. The id and timestamp are filled in when
// missing.
func (s *Store) LogEvent(event Event) error {
	if err := validateEventType(event.Type); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}

	_, err := s.db.Exec(
		`INSERT INTO server_events (
			id,
			event_type,
			remote_addr,
			client_name,
			message_id,
			details,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		string(event.Type),
		nullString(event.RemoteAddr),
		nullString(event.ClientName),
		nullString(event.MessageID),
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert server event %q: %w", event.Type, err)
	}
	return nil
}

// LogEventDetails logs an event whose details are marshalled from v.
func (s *Store) LogEventDetails(event Event, v any) error {
	details, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s details: %w", event.Type, err)
	}
	event.Details = string(details)
	return s.LogEvent(event)
}

// GetEvents returns recent events, newest first, with optional filtering.
func (s *Store) GetEvents(filter EventFilter) ([]Event, error) {
	if filter.Type != "" {
		if err := validateEventType(filter.Type); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		event_type,
		remote_addr,
		client_name,
		message_id,
		details,
		timestamp
	FROM server_events`)

	where := make([]string, 0, 5)
	args := make([]any, 0, 7)

	if filter.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.ClientName != "" {
		where = append(where, "client_name = ?")
		args = append(args, filter.ClientName)
	}
	if filter.MessageID != "" {
		where = append(where, "message_id = ?")
		args = append(args, filter.MessageID)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get server events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan server event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate server event rows: %w", err)
	}

	return events, nil
}

// CountEvents returns the number of stored events per type.
func (s *Store) CountEvents() (map[EventType]int64, error) {
	rows, err := s.db.Query(`SELECT event_type, COUNT(1) FROM server_events GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("count server events: %w", err)
	}
	defer rows.Close()

	counts := make(map[EventType]int64)
	for rows.Next() {
		var (
			eventType string
			count     int64
		)
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("scan server event count: %w", err)
		}
		counts[EventType(eventType)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate server event counts: %w", err)
	}
	return counts, nil
}

// PruneEvents removes events older than cutoffTimestamp.
func (s *Store) PruneEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM server_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune server events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for server event prune: %w", err)
	}

	return rowsAffected, nil
}

// PruneExpired removes events older than the configured retention.
func (s *Store) PruneExpired(now time.Time) (int64, error) {
	return s.PruneEvents(now.Add(-s.EventRetention()).UnixMilli())
}

func scanEvent(row scanner) (*Event, error) {
	var (
		event      Event
		eventType  string
		remoteAddr sql.NullString
		clientName sql.NullString
		messageID  sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&eventType,
		&remoteAddr,
		&clientName,
		&messageID,
		&event.Details,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.Type = EventType(eventType)
	event.RemoteAddr = stringPtr(remoteAddr)
	event.ClientName = stringPtr(clientName)
	event.MessageID = stringPtr(messageID)
	return &event, nil
}
