package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"libria/internal/logger"
)

// purgeInterval is how often expired sessions are deleted from the database.
const purgeInterval = 10 * time.Minute

const createUsageTable = `
CREATE TABLE IF NOT EXISTS usage_counters (
	device_id TEXT PRIMARY KEY,
	usage_count INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// upsertUsage starts a new session when the stored one has expired and
// leaves a live row untouched once it reached the limit (?4), in which case
// no row is returned.
const upsertUsage = `
INSERT INTO usage_counters (device_id, usage_count, expires_at) VALUES (?1, 1, ?2)
ON CONFLICT(device_id) DO UPDATE SET
	usage_count = CASE WHEN usage_counters.expires_at <= ?3 THEN 1 ELSE usage_counters.usage_count + 1 END,
	expires_at  = CASE WHEN usage_counters.expires_at <= ?3 THEN excluded.expires_at ELSE usage_counters.expires_at END
WHERE usage_counters.expires_at <= ?3 OR usage_counters.usage_count < ?4
RETURNING usage_count
`

// SQLiteStore keeps usage counters in a local SQLite file so they survive
// restarts of a single-host deployment.
type SQLiteStore struct {
	db   *sql.DB
	ttl  time.Duration
	now  func() time.Time
	log  zerolog.Logger
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens (and migrates) the database at dbPath and starts
// the background purge of expired sessions.
func OpenSQLiteStore(dbPath string, ttl time.Duration) (*SQLiteStore, error) {
	return openSQLiteStore(dbPath, ttl, time.Now, purgeInterval)
}

func openSQLiteStore(dbPath string, ttl time.Duration, now func() time.Time, every time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open quota db: %w", err)
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createUsageTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate quota db: %w", err)
	}

	s := &SQLiteStore{
		db:   db,
		ttl:  ttl,
		now:  now,
		log:  logger.WithComponent("quota"),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.purgeLoop(every)
	return s, nil
}

// Load returns the device's live counter, or a fresh state.
func (s *SQLiteStore) Load(ctx context.Context, device string) (State, error) {
	var count int
	var expiresAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT usage_count, expires_at FROM usage_counters WHERE device_id = ?`,
		device,
	).Scan(&count, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load usage: %w", err)
	}

	if expiresAt <= s.now().UnixNano() {
		return State{}, nil
	}
	return State{UsageCount: count}, nil
}

// Increment commits one action in a single statement while the live
// counter is below limit.
func (s *SQLiteStore) Increment(ctx context.Context, device string, limit int) (State, error) {
	if limit <= 0 {
		return State{}, ErrLimitReached
	}
	now := s.now()

	var count int
	err := s.db.QueryRowContext(ctx, upsertUsage,
		device, now.Add(s.ttl).UnixNano(), now.UnixNano(), limit,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return State{UsageCount: limit}, ErrLimitReached
	}
	if err != nil {
		return State{}, fmt.Errorf("increment usage: %w", err)
	}
	return State{UsageCount: count}, nil
}

// Purge deletes expired sessions and returns how many were removed.
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_counters WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge usage: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) purgeLoop(every time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := s.Purge(context.Background())
			if err != nil {
				s.log.Warn().Err(err).Msg("Failed to purge expired sessions")
				continue
			}
			if n > 0 {
				s.log.Debug().Int64("purged", n).Msg("Expired sessions purged")
			}
		case <-s.stop:
			return
		}
	}
}

// Close stops the background purge and releases the database connection.
func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		err = s.db.Close()
	})
	return err
}
