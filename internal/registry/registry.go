// Package registry is the authoritative record of chambers: module bytes,
// owner, lifecycle state. Lifecycle moves only through compare-and-swap
// transitions, so two moderators racing on one chamber cannot double-apply.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound          = errors.New("chamber not found")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrModuleTooLarge    = errors.New("module too large")
)

// Chamber is the lifecycle metadata for one uploaded module. Module bytes
// are kept separately; fetch them with Module.
type Chamber struct {
	ID        string
	Owner     string
	Name      string
	State     State
	Message   string
	CreatedAt time.Time
}

type record struct {
	Chamber
	module []byte
}

type Options struct {
	// MaxModuleBytes rejects oversized uploads at Create. Zero means no cap.
	MaxModuleBytes int
}

// Store keeps every chamber in memory and mirrors each write to sqlite so
// the collection survives a restart. Reads take the shared lock; writes
// serialize on the store lock plus a synchronous db write (moderation
// traffic is rare, so there is no async writer here).
type Store struct {
	mu       sync.RWMutex
	chambers map[string]*record

	db   *sql.DB
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	opts Options
}

func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS chambers (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		state TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		module BLOB NOT NULL
	);`); err != nil {
		_ = db.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		chambers: make(map[string]*record),
		db:       db,
		enc:      enc,
		dec:      dec,
		opts:     opts,
	}
	if err := s.loadAll(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.dec.Close()
	_ = s.enc.Close()
	return s.db.Close()
}

func (s *Store) loadAll() error {
	rows, err := s.db.Query(`SELECT id, owner, name, state, message, created_at, module FROM chambers`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r       record
			state   string
			created string
			blob    []byte
		)
		if err := rows.Scan(&r.ID, &r.Owner, &r.Name, &state, &r.Message, &created, &blob); err != nil {
			return err
		}
		st, err := ParseState(state)
		if err != nil {
			return fmt.Errorf("chamber %s: %w", r.ID, err)
		}
		r.State = st
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return fmt.Errorf("chamber %s: created_at: %w", r.ID, err)
		}
		if r.module, err = s.dec.DecodeAll(blob, nil); err != nil {
			return fmt.Errorf("chamber %s: module blob: %w", r.ID, err)
		}
		s.chambers[r.ID] = &r
	}
	return rows.Err()
}

// Create registers a new chamber in pending_validation and returns it.
func (s *Store) Create(owner, name string, module []byte) (Chamber, error) {
	if s.opts.MaxModuleBytes > 0 && len(module) > s.opts.MaxModuleBytes {
		return Chamber{}, fmt.Errorf("%w: %d bytes (max %d)", ErrModuleTooLarge, len(module), s.opts.MaxModuleBytes)
	}
	r := &record{
		Chamber: Chamber{
			ID:        uuid.NewString(),
			Owner:     owner,
			Name:      name,
			State:     StatePendingValidation,
			CreatedAt: time.Now().UTC(),
		},
		module: append([]byte(nil), module...),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO chambers (id, owner, name, state, message, created_at, module) VALUES (?, ?, ?, ?, '', ?, ?)`,
		r.ID, r.Owner, r.Name, r.State.String(), r.CreatedAt.Format(time.RFC3339Nano),
		s.enc.EncodeAll(r.module, nil),
	)
	if err != nil {
		return Chamber{}, fmt.Errorf("persist chamber: %w", err)
	}
	s.chambers[r.ID] = r
	return r.Chamber, nil
}

func (s *Store) Get(id string) (Chamber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.chambers[id]
	if !ok {
		return Chamber{}, ErrNotFound
	}
	return r.Chamber, nil
}

// Module returns a copy of the chamber's wasm bytes.
func (s *Store) Module(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.chambers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), r.module...), nil
}

// List returns chambers in creation order, optionally filtered by state.
func (s *Store) List(states ...State) []Chamber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Chamber, 0, len(s.chambers))
	for _, r := range s.chambers {
		if len(states) > 0 && !containsState(states, r.State) {
			continue
		}
		out = append(out, r.Chamber)
	}
	sortChambers(out)
	return out
}

// ListByOwner returns the owner's chambers in creation order.
func (s *Store) ListByOwner(owner string) []Chamber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Chamber
	for _, r := range s.chambers {
		if r.Owner == owner {
			out = append(out, r.Chamber)
		}
	}
	sortChambers(out)
	return out
}

// Transition is a compare-and-swap on the chamber state: it applies only if
// the current state equals from and from -> to is a legal edge. The losing
// side of a race observes ErrInvalidTransition, never a silent overwrite.
func (s *Store) Transition(id string, from, to State, message string) error {
	if !legalEdge(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.chambers[id]
	if !ok {
		return ErrNotFound
	}
	if r.State != from {
		return fmt.Errorf("%w: chamber is %s, expected %s", ErrInvalidTransition, r.State, from)
	}
	if _, err := s.db.Exec(`UPDATE chambers SET state = ?, message = ? WHERE id = ?`,
		to.String(), message, id); err != nil {
		return fmt.Errorf("persist transition: %w", err)
	}
	r.State = to
	r.Message = message
	return nil
}

func containsState(states []State, st State) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}

func sortChambers(cs []Chamber) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}
