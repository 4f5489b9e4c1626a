// Package storage archives what was said and what happened in each game to
// SQLite, as an observer of the session event stream.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jrenc2002/AIGame-sub000/models"
	"github.com/jrenc2002/AIGame-sub000/services"
	"github.com/jrenc2002/AIGame-sub000/storage/migrations"
)

// ErrGameNotFound 存档中没有该游戏
var ErrGameNotFound = errors.New("存档中没有该游戏")

const writeTimeout = 5 * time.Second

// ObserveBackpressure is how long a session waits for the archive observer
// when its buffer is full.
const ObserveBackpressure = 2 * time.Second

// GameRecord 一局游戏的存档概要
type GameRecord struct {
	GameID    string      `json:"game_id"`
	RoomID    string      `json:"room_id"`
	Mode      string      `json:"mode"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	Winner    models.Camp `json:"winner,omitempty"`
}

// Audit is the archived record of one game.
type Audit struct {
	Game     GameRecord            `json:"game"`
	Logs     []models.GameLog      `json:"logs"`
	Speeches []models.PlayerSpeech `json:"speeches"`
}

// Store persists game logs and speeches in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Open opens the archive at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// applyMigrations runs each embedded .sql file once, in name order.
func applyMigrations(db *sql.DB, fsys fs.FS) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var n int
		if err := db.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, name).Scan(&n); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if n > 0 {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		up := upSection(string(content))

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`, name, toMillis(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

func upSection(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	if i := strings.Index(content, up); i >= 0 {
		content = content[i+len(up):]
	}
	if i := strings.Index(content, down); i >= 0 {
		content = content[:i]
	}
	return content
}

// StartGame 记录一局游戏开始
func (s *Store) StartGame(ctx context.Context, gameID, roomID, mode string, at time.Time) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO games (game_id, room_id, mode, started_at) VALUES (?, ?, ?, ?)`,
		gameID, roomID, mode, toMillis(at))
	return err
}

// EndGame 记录胜负
func (s *Store) EndGame(ctx context.Context, gameID string, winner models.Camp, at time.Time) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`UPDATE games SET ended_at = ?, winner = ? WHERE game_id = ?`,
		toMillis(at), string(winner), gameID)
	return err
}

// AppendLog 追加一条游戏日志；seq 为事件序号
func (s *Store) AppendLog(ctx context.Context, gameID string, seq uint64, l models.GameLog) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO game_logs (game_id, seq, round, phase, kind, player_id, message, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		gameID, int64(seq), l.Round, string(l.Phase), string(l.Kind), l.PlayerID, l.Message, toMillis(l.Timestamp))
	return err
}

// AppendSpeech 追加一条发言
func (s *Store) AppendSpeech(ctx context.Context, gameID string, seq uint64, sp models.PlayerSpeech) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO player_speeches (game_id, seq, round, phase, player_id, content, emotion, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		gameID, int64(seq), sp.Round, string(sp.Phase), sp.PlayerID, sp.Content, string(sp.Emotion), toMillis(sp.Timestamp))
	return err
}

// Reconcile replaces gameID's archived logs and speeches with the complete
// lists from the final state, so entries whose events were dropped are not
// lost. It also fills in the game row if the start was never recorded.
func (s *Store) Reconcile(ctx context.Context, gameID, roomID string, state models.GameState, at time.Time) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reconcile: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	started := state.PhaseStartTime
	if len(state.GameLogs) > 0 {
		started = state.GameLogs[0].Timestamp
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO games (game_id, room_id, mode, started_at) VALUES (?, ?, ?, ?)`,
		gameID, roomID, string(state.Mode), toMillis(started)); err != nil {
		return fmt.Errorf("reconcile game row: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE games SET ended_at = ?, winner = ? WHERE game_id = ?`,
		toMillis(at), string(state.Winner), gameID); err != nil {
		return fmt.Errorf("reconcile result: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM game_logs WHERE game_id = ?`, gameID); err != nil {
		return fmt.Errorf("clear logs: %w", err)
	}
	for i, l := range state.GameLogs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO game_logs (game_id, seq, round, phase, kind, player_id, message, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			gameID, i+1, l.Round, string(l.Phase), string(l.Kind), l.PlayerID, l.Message, toMillis(l.Timestamp)); err != nil {
			return fmt.Errorf("rewrite log %d: %w", i, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM player_speeches WHERE game_id = ?`, gameID); err != nil {
		return fmt.Errorf("clear speeches: %w", err)
	}
	for i, sp := range state.PlayerSpeeches {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO player_speeches (game_id, seq, round, phase, player_id, content, emotion, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			gameID, i+1, sp.Round, string(sp.Phase), sp.PlayerID, sp.Content, string(sp.Emotion), toMillis(sp.Timestamp)); err != nil {
			return fmt.Errorf("rewrite speech %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Audit returns the archive of one game in play order. Degraded-decision
// entries are left out unless includePrivate is set.
func (s *Store) Audit(ctx context.Context, gameID string, includePrivate bool) (Audit, error) {
	var out Audit
	var ended sql.NullInt64
	var started int64
	var winner string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT game_id, room_id, mode, started_at, ended_at, winner FROM games WHERE game_id = ?`, gameID,
	).Scan(&out.Game.GameID, &out.Game.RoomID, &out.Game.Mode, &started, &ended, &winner)
	if errors.Is(err, sql.ErrNoRows) {
		return Audit{}, ErrGameNotFound
	}
	if err != nil {
		return Audit{}, fmt.Errorf("load game %s: %w", gameID, err)
	}
	out.Game.StartedAt = fromMillis(started)
	out.Game.Winner = models.Camp(winner)
	if ended.Valid {
		t := fromMillis(ended.Int64)
		out.Game.EndedAt = &t
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT round, phase, kind, player_id, message, created_at FROM game_logs WHERE game_id = ? ORDER BY seq, id`, gameID)
	if err != nil {
		return Audit{}, fmt.Errorf("load logs: %w", err)
	}
	defer rows.Close()
	out.Logs = []models.GameLog{}
	for rows.Next() {
		var l models.GameLog
		var phase, kind string
		var at int64
		if err := rows.Scan(&l.Round, &phase, &kind, &l.PlayerID, &l.Message, &at); err != nil {
			return Audit{}, err
		}
		l.Phase, l.Kind, l.Timestamp = models.Phase(phase), models.LogKind(kind), fromMillis(at)
		if l.Kind == models.LogDegradedDecision && !includePrivate {
			continue
		}
		out.Logs = append(out.Logs, l)
	}
	if err := rows.Err(); err != nil {
		return Audit{}, err
	}

	srows, err := s.sqlDB.QueryContext(ctx,
		`SELECT round, phase, player_id, content, emotion, created_at FROM player_speeches WHERE game_id = ? ORDER BY seq, id`, gameID)
	if err != nil {
		return Audit{}, fmt.Errorf("load speeches: %w", err)
	}
	defer srows.Close()
	out.Speeches = []models.PlayerSpeech{}
	for srows.Next() {
		var sp models.PlayerSpeech
		var phase, emotion string
		var at int64
		if err := srows.Scan(&sp.Round, &phase, &sp.PlayerID, &sp.Content, &emotion, &at); err != nil {
			return Audit{}, err
		}
		sp.Phase, sp.Emotion, sp.Timestamp = models.Phase(phase), models.Emotion(emotion), fromMillis(at)
		out.Speeches = append(out.Speeches, sp)
	}
	return out, srows.Err()
}

// Observe returns an event subscriber that archives gameID's stream.
// Write failures are logged and never reach the game.
func (s *Store) Observe(gameID, roomID string) func(services.Event) {
	return func(e services.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		var err error
		switch e.Type {
		case services.EventGameStarted:
			mode := ""
			if e.Snapshot != nil {
				mode = string(e.Snapshot.Mode)
			}
			err = s.StartGame(ctx, gameID, roomID, mode, e.Time)
		case services.EventLog:
			if l, ok := e.Payload.(models.GameLog); ok {
				err = s.AppendLog(ctx, gameID, e.Seq, l)
			}
		case services.EventSpeech:
			if sp, ok := e.Payload.(models.PlayerSpeech); ok {
				err = s.AppendSpeech(ctx, gameID, e.Seq, sp)
			}
		case services.EventGameOver:
			// 以最终状态为准，补齐因缓冲溢出丢失的记录
			if e.Snapshot != nil {
				err = s.Reconcile(ctx, gameID, roomID, *e.Snapshot, e.Time)
			} else {
				err = s.EndGame(ctx, gameID, "", e.Time)
			}
		}
		if err != nil {
			log.Printf("[audit] 游戏 %s 事件 %d (%s) 存档失败: %v", gameID, e.Seq, e.Type, err)
		}
	}
}
