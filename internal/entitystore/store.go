// Package entitystore keeps a ledger of every Home Assistant entity the
// bridge has announced. The message path writes to it; the entities and
// purge commands read it to list or retract retained discovery
// messages. It never suppresses a discovery publish: each process
// announces every entity once per session regardless of the ledger.
package entitystore

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entity is one announced sensor entity.
type Entity struct {
	UniqueID       string
	GatewayID      string
	Key            string
	DeviceID       string
	DiscoveryTopic string
	StateTopic     string
	LastValue      string
	FirstSeen      time.Time
	LastSeen       time.Time
}

// Store is the SQLite-backed entity ledger. All public methods are safe
// for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the ledger at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time; concurrent connections would hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		unique_id       TEXT PRIMARY KEY,
		gateway_id      TEXT NOT NULL,
		sensor_key      TEXT NOT NULL,
		device_id       TEXT NOT NULL,
		discovery_topic TEXT NOT NULL,
		state_topic     TEXT NOT NULL,
		last_value      TEXT NOT NULL DEFAULT '',
		first_seen      TEXT NOT NULL,
		last_seen       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entities_gateway ON entities(gateway_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert records e. first_seen is kept from the original row; every
// other column is overwritten. A zero LastSeen is stamped with now.
func (s *Store) Upsert(e Entity) error {
	seen := e.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	ts := seen.UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		`INSERT INTO entities (unique_id, gateway_id, sensor_key, device_id,
		     discovery_topic, state_topic, last_value, first_seen, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (unique_id) DO UPDATE SET
		     gateway_id = excluded.gateway_id,
		     sensor_key = excluded.sensor_key,
		     device_id = excluded.device_id,
		     discovery_topic = excluded.discovery_topic,
		     state_topic = excluded.state_topic,
		     last_value = excluded.last_value,
		     last_seen = excluded.last_seen`,
		e.UniqueID, e.GatewayID, e.Key, e.DeviceID,
		e.DiscoveryTopic, e.StateTopic, e.LastValue, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", e.UniqueID, err)
	}
	return nil
}

// List returns entities ordered by gateway then key. An empty gatewayID
// lists every gateway.
func (s *Store) List(gatewayID string) ([]Entity, error) {
	query := `SELECT unique_id, gateway_id, sensor_key, device_id, discovery_topic,
	                 state_topic, last_value, first_seen, last_seen
	          FROM entities`
	var args []any
	if gatewayID != "" {
		query += ` WHERE gateway_id = ?`
		args = append(args, gatewayID)
	}
	query += ` ORDER BY gateway_id, sensor_key`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var result []Entity
	for rows.Next() {
		var e Entity
		var first, last string
		if err := rows.Scan(&e.UniqueID, &e.GatewayID, &e.Key, &e.DeviceID,
			&e.DiscoveryTopic, &e.StateTopic, &e.LastValue, &first, &last); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.FirstSeen, _ = time.Parse(time.RFC3339, first)
		e.LastSeen, _ = time.Parse(time.RFC3339, last)
		result = append(result, e)
	}
	return result, rows.Err()
}

// Delete removes one entity. Missing ids are not an error.
func (s *Store) Delete(uniqueID string) error {
	if _, err := s.db.Exec(`DELETE FROM entities WHERE unique_id = ?`, uniqueID); err != nil {
		return fmt.Errorf("delete %s: %w", uniqueID, err)
	}
	return nil
}
