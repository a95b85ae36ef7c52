package simulation

import (
	"fmt"
	"strconv"

	model "schelling-model/model"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// StateDB mirrors the current model state into SQLite so that external
// tools can query it. Every save replaces the previous state.
type StateDB struct {
	conn *sqlx.DB
}

type agentRow struct {
	ID        int     `db:"id"`
	Type      int     `db:"type"`
	X         int     `db:"x"`
	Y         int     `db:"y"`
	Threshold float64 `db:"threshold"`
	Satisfied bool    `db:"satisfied"`
}

// OpenStateDB opens or creates the database at filename
func OpenStateDB(filename string) (*StateDB, error) {
	conn, err := sqlx.Open("sqlite", filename+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &StateDB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func (db *StateDB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id INTEGER PRIMARY KEY,
		type INTEGER NOT NULL,
		x INTEGER NOT NULL,
		y INTEGER NOT NULL,
		threshold REAL NOT NULL,
		satisfied INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS world_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_cell ON agents(x, y);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *StateDB) Close() error {
	return db.conn.Close()
}

// SaveState replaces the stored state with the model's current one.
func (db *StateDB) SaveState(m *model.SchellingModel) error {
	dump, err := m.Dump()
	if err != nil {
		return err
	}
	satisfied := m.CollectSatisfaction()

	tx, err := db.conn.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM agents"); err != nil {
		return fmt.Errorf("failed to clear agents: %w", err)
	}

	stmt, err := tx.Preparex(`INSERT INTO agents (id, type, x, y, threshold, satisfied) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, a := range dump.Agents {
		_, err := stmt.Exec(int(a.ID), int(a.Type), a.Cell.X, a.Cell.Y, dump.Thresholds[i], satisfied[i])
		if err != nil {
			return fmt.Errorf("failed to insert agent %d: %w", a.ID, err)
		}
	}

	meta := map[string]string{
		"step":        strconv.Itoa(dump.CurStep),
		"seed":        strconv.FormatInt(dump.Seed, 10),
		"width":       strconv.Itoa(dump.Params.Width),
		"height":      strconv.Itoa(dump.Params.Height),
		"agent_count": strconv.Itoa(len(dump.Agents)),
	}
	for k, v := range meta {
		_, err := tx.Exec(`INSERT INTO world_meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v)
		if err != nil {
			return fmt.Errorf("failed to set meta %s: %w", k, err)
		}
	}

	return tx.Commit()
}

// LoadAgents returns the stored agents ordered by id.
func (db *StateDB) LoadAgents() ([]model.AgentState, []bool, error) {
	var rows []agentRow
	if err := db.conn.Select(&rows, "SELECT id, type, x, y, threshold, satisfied FROM agents ORDER BY id ASC"); err != nil {
		return nil, nil, fmt.Errorf("failed to query agents: %w", err)
	}

	states := make([]model.AgentState, len(rows))
	satisfied := make([]bool, len(rows))
	for i, r := range rows {
		states[i] = model.AgentState{
			ID:   model.AgentID(r.ID),
			Type: model.AgentType(r.Type),
			Cell: model.Cell{X: r.X, Y: r.Y},
		}
		satisfied[i] = r.Satisfied
	}
	return states, satisfied, nil
}

// GetMeta returns a stored metadata value.
func (db *StateDB) GetMeta(key string) (string, error) {
	var value string
	if err := db.conn.Get(&value, "SELECT value FROM world_meta WHERE key = ?", key); err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}
