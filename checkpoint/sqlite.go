package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite. Checkpoints survive process
// restarts: a store reopened against the same file sees every previously
// committed record.
type SQLiteStore struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore creates a SQLite checkpoint store at the given path,
// creating parent directories and the schema as needed.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}

	// Configure SQLite for concurrent access with synchronous commits:
	// a save that returned must survive a crash immediately after.
	// Pragmas use the modernc driver's _pragma=name(value) form.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// database/sql hands each caller goroutine its own connection, so no
	// connection object is ever shared across concurrent callers.
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		status TEXT NOT NULL,
		input_data TEXT NOT NULL,
		output_data TEXT,
		error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_workflow_id ON checkpoints(workflow_id);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status);
	`

	_, err := s.db.Exec(query)
	return err
}

// Save upserts a checkpoint with retry on SQLITE_BUSY. The conflict
// clause deliberately leaves created_at untouched so the first write
// wins for that column.
func (s *SQLiteStore) Save(cp *Checkpoint) error {
	if s.closed {
		return fmt.Errorf("checkpoint store is closed")
	}
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("database connection is not available: %w", err)
	}

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		return s.saveWithTransaction(cp)
	})
}

func (s *SQLiteStore) saveWithTransaction(cp *Checkpoint) error {
	now := time.Now().UTC()
	cp.UpdatedAt = now
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}

	inputJSON, err := json.Marshal(cp.InputData)
	if err != nil {
		return fmt.Errorf("failed to encode input data: %w", err)
	}
	metadataJSON, err := json.Marshal(cp.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	var outputJSON sql.NullString
	if cp.OutputData != nil {
		raw, err := json.Marshal(cp.OutputData)
		if err != nil {
			return fmt.Errorf("failed to encode output data: %w", err)
		}
		outputJSON = sql.NullString{String: string(raw), Valid: true}
	}
	var errText sql.NullString
	if cp.Error != "" {
		errText = sql.NullString{String: cp.Error, Valid: true}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // This will be ignored if Commit() succeeds

	// The first write owns created_at. Read the stored value back into
	// the caller's record so its view matches the row after an
	// overwrite, the same way the memory store behaves.
	var prevCreated string
	scanErr := tx.QueryRow(`SELECT created_at FROM checkpoints WHERE id = ?`, cp.ID).Scan(&prevCreated)
	if scanErr != nil && scanErr != sql.ErrNoRows {
		return fmt.Errorf("failed to read existing checkpoint: %w", scanErr)
	}
	if prevCreated != "" {
		if t, parseErr := time.Parse(time.RFC3339Nano, prevCreated); parseErr == nil {
			cp.CreatedAt = t
		}
	}

	query := `
	INSERT INTO checkpoints
	(id, workflow_id, step_name, step_index, status, input_data,
	 output_data, error, created_at, updated_at, metadata)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		workflow_id = excluded.workflow_id,
		step_name = excluded.step_name,
		step_index = excluded.step_index,
		status = excluded.status,
		input_data = excluded.input_data,
		output_data = excluded.output_data,
		error = excluded.error,
		updated_at = excluded.updated_at,
		metadata = excluded.metadata
	`

	_, err = tx.Exec(query,
		cp.ID,
		cp.WorkflowID,
		cp.StepName,
		cp.StepIndex,
		string(cp.Status),
		string(inputJSON),
		outputJSON,
		errText,
		cp.CreatedAt.Format(time.RFC3339Nano),
		cp.UpdatedAt.Format(time.RFC3339Nano),
		string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to execute upsert: %w", err)
	}

	return tx.Commit()
}

// Load returns the checkpoint with the given ID, or nil when absent.
func (s *SQLiteStore) Load(checkpointID string) (*Checkpoint, error) {
	if s.closed {
		return nil, fmt.Errorf("checkpoint store is closed")
	}

	var cp *Checkpoint
	err := s.retryOnBusy(func() error {
		row := s.db.QueryRow(
			`SELECT id, workflow_id, step_name, step_index, status, input_data,
			        output_data, error, created_at, updated_at, metadata
			 FROM checkpoints WHERE id = ?`,
			checkpointID,
		)
		var scanErr error
		cp, scanErr = scanCheckpoint(row)
		return scanErr
	})
	return cp, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var status, inputJSON, createdAt, updatedAt string
	var outputJSON, errText, metadataJSON sql.NullString

	err := row.Scan(
		&cp.ID,
		&cp.WorkflowID,
		&cp.StepName,
		&cp.StepIndex,
		&status,
		&inputJSON,
		&outputJSON,
		&errText,
		&createdAt,
		&updatedAt,
		&metadataJSON,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if cp.Status, err = ParseStatus(status); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint row: %w", err)
	}
	if err := json.Unmarshal([]byte(inputJSON), &cp.InputData); err != nil {
		return nil, fmt.Errorf("failed to decode input data: %w", err)
	}
	if outputJSON.Valid && outputJSON.String != "" {
		if err := json.Unmarshal([]byte(outputJSON.String), &cp.OutputData); err != nil {
			return nil, fmt.Errorf("failed to decode output data: %w", err)
		}
	}
	if errText.Valid {
		cp.Error = errText.String
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	if cp.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if cp.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &cp, nil
}

// ListWorkflowCheckpoints returns the workflow's checkpoints sorted
// ascending by step index.
func (s *SQLiteStore) ListWorkflowCheckpoints(workflowID string) ([]*Checkpoint, error) {
	if s.closed {
		return nil, fmt.Errorf("checkpoint store is closed")
	}

	rows, err := s.db.Query(
		`SELECT id, workflow_id, step_name, step_index, status, input_data,
		        output_data, error, created_at, updated_at, metadata
		 FROM checkpoints WHERE workflow_id = ?
		 ORDER BY step_index ASC`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// GetLastCheckpoint returns the checkpoint with the greatest step index
// for the workflow, or nil when the workflow has none.
func (s *SQLiteStore) GetLastCheckpoint(workflowID string) (*Checkpoint, error) {
	if s.closed {
		return nil, fmt.Errorf("checkpoint store is closed")
	}

	row := s.db.QueryRow(
		`SELECT id, workflow_id, step_name, step_index, status, input_data,
		        output_data, error, created_at, updated_at, metadata
		 FROM checkpoints WHERE workflow_id = ?
		 ORDER BY step_index DESC LIMIT 1`,
		workflowID,
	)
	return scanCheckpoint(row)
}

// DeleteWorkflowCheckpoints removes every checkpoint for the workflow
// and returns how many rows were deleted.
func (s *SQLiteStore) DeleteWorkflowCheckpoints(workflowID string) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("checkpoint store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var count int
	err := s.retryOnBusy(func() error {
		res, err := s.db.Exec(`DELETE FROM checkpoints WHERE workflow_id = ?`, workflowID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		count = int(affected)
		return nil
	})
	return count, err
}

// GetIncompleteWorkflows returns sorted workflow IDs having at least one
// pending or in-progress checkpoint.
func (s *SQLiteStore) GetIncompleteWorkflows() ([]string, error) {
	if s.closed {
		return nil, fmt.Errorf("checkpoint store is closed")
	}

	rows, err := s.db.Query(
		`SELECT DISTINCT workflow_id FROM checkpoints
		 WHERE status IN (?, ?)
		 ORDER BY workflow_id ASC`,
		string(StatusPending), string(StatusInProgress),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// retryOnBusy retries the operation if SQLite reports contention.
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if isSQLiteBusyError(err) {
			if attempt < maxRetries-1 {
				// Exponential backoff with a little jitter to spread out
				// competing writers.
				delay := baseDelay * time.Duration(1<<uint(attempt))
				jitter := time.Duration(attempt*10) * time.Millisecond
				time.Sleep(delay + jitter)
				continue
			}
		}

		return err
	}

	return nil
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.closed = true
	return s.db.Close()
}
