// Package store holds the three persistence repositories: the
// relational user/group store, the TTL key-value store, and the
// append-only message log.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrInsufficientPoints rejects debits and transfers that would take a
// balance below zero.
var ErrInsufficientPoints = errors.New("insufficient points")

// ErrAlreadySignedIn rejects a second signin on the same calendar day.
var ErrAlreadySignedIn = errors.New("already signed in today")

const usersWriteQueueSize = 256

type writeJob struct {
	fn    func() error
	reply chan error
}

// Users is the relational repository for user and group records. Every
// mutation funnels through one worker goroutine, so multi-step updates
// like transfers are atomic without exposing transactions to callers.
type Users struct {
	db    *sql.DB
	jobs  chan writeJob
	done  chan struct{}
	loc   *time.Location
}

func OpenUsers(path string, loc *time.Location) (*Users, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if loc == nil {
		loc = time.Local
	}
	u := &Users{
		db:   db,
		jobs: make(chan writeJob, usersWriteQueueSize),
		done: make(chan struct{}),
		loc:  loc,
	}
	if err := u.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := u.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	go u.writeLoop()
	return u, nil
}

func (u *Users) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := u.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (u *Users) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
			last_signin INTEGER NOT NULL DEFAULT 0,
			signin_streak INTEGER NOT NULL DEFAULT 0,
			whitelisted INTEGER NOT NULL DEFAULT 0,
			threads TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			group_id TEXT PRIMARY KEY,
			members TEXT NOT NULL DEFAULT '[]',
			threads TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_points ON users(points DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := u.db.Exec(stmt); err != nil {
			return fmt.Errorf("init users schema: %w", err)
		}
	}
	return nil
}

func (u *Users) writeLoop() {
	for job := range u.jobs {
		job.reply <- job.fn()
	}
	close(u.done)
}

// write serializes fn behind the single writer.
func (u *Users) write(fn func() error) error {
	reply := make(chan error, 1)
	u.jobs <- writeJob{fn: fn, reply: reply}
	return <-reply
}

func (u *Users) Close() error {
	close(u.jobs)
	<-u.done
	return u.db.Close()
}

func (u *Users) ensureUser(userID string) error {
	_, err := u.db.Exec(`INSERT OR IGNORE INTO users(user_id) VALUES(?)`, userID)
	return err
}

// GetPoints returns the balance, zero for unknown users.
func (u *Users) GetPoints(userID string) (int, error) {
	var points int
	err := u.db.QueryRow(`SELECT points FROM users WHERE user_id = ?`, userID).Scan(&points)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get points: %w", err)
	}
	return points, nil
}

// AddPoints applies a delta; negative deltas that would underflow are
// rejected with ErrInsufficientPoints and leave the balance unchanged.
func (u *Users) AddPoints(userID string, delta int) error {
	return u.write(func() error {
		if err := u.ensureUser(userID); err != nil {
			return err
		}
		var points int
		if err := u.db.QueryRow(`SELECT points FROM users WHERE user_id = ?`, userID).Scan(&points); err != nil {
			return err
		}
		if points+delta < 0 {
			return ErrInsufficientPoints
		}
		_, err := u.db.Exec(`UPDATE users SET points = points + ? WHERE user_id = ?`, delta, userID)
		return err
	})
}

// SetPoints sets an absolute balance; negative values are rejected.
func (u *Users) SetPoints(userID string, points int) error {
	if points < 0 {
		return ErrInsufficientPoints
	}
	return u.write(func() error {
		if err := u.ensureUser(userID); err != nil {
			return err
		}
		_, err := u.db.Exec(`UPDATE users SET points = ? WHERE user_id = ?`, points, userID)
		return err
	})
}

// TransferPoints moves n points all-or-nothing.
func (u *Users) TransferPoints(src, dst string, n int) error {
	if n <= 0 {
		return fmt.Errorf("transfer amount must be positive")
	}
	return u.write(func() error {
		if err := u.ensureUser(src); err != nil {
			return err
		}
		if err := u.ensureUser(dst); err != nil {
			return err
		}

		tx, err := u.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var balance int
		if err := tx.QueryRow(`SELECT points FROM users WHERE user_id = ?`, src).Scan(&balance); err != nil {
			return err
		}
		if balance < n {
			return ErrInsufficientPoints
		}
		if _, err := tx.Exec(`UPDATE users SET points = points - ? WHERE user_id = ?`, n, src); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE users SET points = points + ? WHERE user_id = ?`, n, dst); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// GetSignin returns the last signin time and streak.
func (u *Users) GetSignin(userID string) (time.Time, int, error) {
	var ts int64
	var streak int
	err := u.db.QueryRow(`SELECT last_signin, signin_streak FROM users WHERE user_id = ?`, userID).Scan(&ts, &streak)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, 0, nil
	}
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("get signin: %w", err)
	}
	if ts == 0 {
		return time.Time{}, streak, nil
	}
	return time.Unix(ts, 0).In(u.loc), streak, nil
}

// SetSignin writes timestamp and streak together; it never zeroes the
// streak implicitly.
func (u *Users) SetSignin(userID string, ts time.Time, streak int) error {
	return u.write(func() error {
		if err := u.ensureUser(userID); err != nil {
			return err
		}
		_, err := u.db.Exec(`UPDATE users SET last_signin = ?, signin_streak = ? WHERE user_id = ?`,
			ts.Unix(), streak, userID)
		return err
	})
}

// Signin applies the streak rules against the configured day boundary:
// same day rejects, a one-day gap increments, anything longer resets
// the streak to 1. Returns the new streak.
func (u *Users) Signin(userID string, now time.Time) (int, error) {
	last, streak, err := u.GetSignin(userID)
	if err != nil {
		return 0, err
	}

	newStreak := 1
	if !last.IsZero() {
		gap := dayNumber(now, u.loc) - dayNumber(last, u.loc)
		switch {
		case gap <= 0:
			return streak, ErrAlreadySignedIn
		case gap == 1:
			newStreak = streak + 1
		}
	}

	if err := u.SetSignin(userID, now, newStreak); err != nil {
		return 0, err
	}
	return newStreak, nil
}

func dayNumber(t time.Time, loc *time.Location) int {
	t = t.In(loc)
	y, m, d := t.Date()
	return int(time.Date(y, m, d, 0, 0, 0, 0, loc).Unix() / 86400)
}

// ResetAllSignin clears timestamps and streaks for every user; nightly
// admin use only.
func (u *Users) ResetAllSignin() error {
	return u.write(func() error {
		_, err := u.db.Exec(`UPDATE users SET last_signin = 0, signin_streak = 0`)
		return err
	})
}

// LeaderboardEntry is one row of the points ranking.
type LeaderboardEntry struct {
	UserID string
	Points int
}

// Leaderboard returns the top balances, points descending, user id
// ascending on ties so the order is stable.
func (u *Users) Leaderboard(limit int) ([]LeaderboardEntry, error) {
	rows, err := u.db.Query(
		`SELECT user_id, points FROM users ORDER BY points DESC, user_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	defer rows.Close()

	var out []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.Points); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Whitelisted reports whether userID is on the whitelist.
func (u *Users) Whitelisted(userID string) (bool, error) {
	var flag int
	err := u.db.QueryRow(`SELECT whitelisted FROM users WHERE user_id = ?`, userID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("whitelist get: %w", err)
	}
	return flag != 0, nil
}

func (u *Users) SetWhitelisted(userID string, on bool) error {
	return u.write(func() error {
		if err := u.ensureUser(userID); err != nil {
			return err
		}
		flag := 0
		if on {
			flag = 1
		}
		_, err := u.db.Exec(`UPDATE users SET whitelisted = ? WHERE user_id = ?`, flag, userID)
		return err
	})
}

// Whitelist lists every whitelisted user id.
func (u *Users) Whitelist() ([]string, error) {
	rows, err := u.db.Query(`SELECT user_id FROM users WHERE whitelisted = 1 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("whitelist list: %w", err)
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

// GroupMembers returns the stored member set for a chatroom.
func (u *Users) GroupMembers(groupID string) ([]string, error) {
	var raw string
	err := u.db.QueryRow(`SELECT members FROM groups WHERE group_id = ?`, groupID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("group members: %w", err)
	}
	var members []string
	if err := json.Unmarshal([]byte(raw), &members); err != nil {
		return nil, fmt.Errorf("decode group members: %w", err)
	}
	return members, nil
}

func (u *Users) SetGroupMembers(groupID string, members []string) error {
	return u.write(func() error {
		raw, err := json.Marshal(members)
		if err != nil {
			return err
		}
		_, err = u.db.Exec(
			`INSERT INTO groups(group_id, members) VALUES(?, ?)
			 ON CONFLICT(group_id) DO UPDATE SET members = excluded.members`,
			groupID, string(raw))
		return err
	})
}

// ThreadID returns the stored conversation thread id for (id, ns),
// creating and storing gen() on first use. id may be a user or group.
func (u *Users) ThreadID(id, ns string, gen func() string) (string, error) {
	existing, err := u.lookupThread(id, ns)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	fresh := gen()
	if err := u.SetThreadID(id, ns, fresh); err != nil {
		return "", err
	}
	return fresh, nil
}

func (u *Users) lookupThread(id, ns string) (string, error) {
	table, key := threadTable(id)
	var raw string
	err := u.db.QueryRow(
		fmt.Sprintf(`SELECT threads FROM %s WHERE %s = ?`, table, key), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("thread lookup: %w", err)
	}
	threads := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &threads); err != nil {
		return "", fmt.Errorf("decode threads: %w", err)
	}
	return threads[ns], nil
}

func (u *Users) SetThreadID(id, ns, value string) error {
	return u.write(func() error {
		table, key := threadTable(id)
		if table == "users" {
			if err := u.ensureUser(id); err != nil {
				return err
			}
		} else {
			if _, err := u.db.Exec(`INSERT OR IGNORE INTO groups(group_id) VALUES(?)`, id); err != nil {
				return err
			}
		}

		var raw string
		if err := u.db.QueryRow(
			fmt.Sprintf(`SELECT threads FROM %s WHERE %s = ?`, table, key), id).Scan(&raw); err != nil {
			return err
		}
		threads := map[string]string{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &threads); err != nil {
				return fmt.Errorf("decode threads: %w", err)
			}
		}
		threads[ns] = value
		updated, err := json.Marshal(threads)
		if err != nil {
			return err
		}
		_, err = u.db.Exec(
			fmt.Sprintf(`UPDATE %s SET threads = ? WHERE %s = ?`, table, key), string(updated), id)
		return err
	})
}

func threadTable(id string) (table, key string) {
	if len(id) > 9 && id[len(id)-9:] == "@chatroom" {
		return "groups", "group_id"
	}
	return "users", "user_id"
}
