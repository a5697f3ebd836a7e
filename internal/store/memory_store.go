package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/logger"
)

// Store keeps the mapping table in memory and writes it through a Persister
// after every mutation. The in-memory table is authoritative: a failed write
// is logged and the mutation stands.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record

	// persistMu orders snapshot writes so an older copy never lands last
	persistMu sync.Mutex
	persister Persister

	generate func() string
	clock    clockwork.Clock
}

type Option func(*Store)

func WithCodeGenerator(generate func() string) Option {
	return func(s *Store) { s.generate = generate }
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

func NewStore(persister Persister, opts ...Option) *Store {
	s := &Store{
		records:   make(map[string]*Record),
		persister: persister,
		generate:  GenerateCode,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory table with the persisted snapshot.
func (s *Store) Load(ctx context.Context) error {
	records, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load url mappings: %w", err)
	}
	s.mu.Lock()
	s.records = make(map[string]*Record, len(records))
	for code, record := range records {
		r := record
		r.ShortCode = code
		s.records[code] = &r
	}
	s.mu.Unlock()
	logger.InfoF("Loaded %d URL mappings from storage", len(records))
	return nil
}

// Create stores originalURL under a fresh short code.
func (s *Store) Create(ctx context.Context, originalURL string) (Record, error) {
	if originalURL == "" {
		return Record{}, ErrEmptyURL
	}

	s.mu.Lock()
	code := s.generate()
	for {
		if _, exists := s.records[code]; !exists {
			break
		}
		logger.DebugF("Short code %s collides, generating another", code)
		code = s.generate()
	}
	record := &Record{
		ShortCode:   code,
		OriginalURL: originalURL,
		CreatedAt:   s.clock.Now().UTC(),
	}
	s.records[code] = record
	created := *record
	s.mu.Unlock()

	s.persist(ctx, code)
	return created, nil
}

// Resolve returns the record for code and counts the access.
func (s *Store) Resolve(ctx context.Context, code string) (Record, error) {
	s.mu.Lock()
	record, ok := s.records[code]
	if !ok {
		s.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, code)
	}
	record.AccessCount++
	resolved := *record
	s.mu.Unlock()

	s.persist(ctx, code)
	return resolved, nil
}

// Get returns the record without counting an access.
func (s *Store) Get(code string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[code]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Flush writes the whole table.
func (s *Store) Flush(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.persister.Save(ctx, s.snapshot(), "")
}

// Close flushes and releases the persister.
func (s *Store) Close(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		logger.ErrorF("Error saving mappings: %v", err)
	}
	return s.persister.Close(ctx)
}

func (s *Store) persist(ctx context.Context, changed string) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.persister.Save(ctx, s.snapshot(), changed); err != nil {
		logger.ErrorF("Error saving mappings after change to %s: %v", changed, err)
	}
}

func (s *Store) snapshot() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[string]Record, len(s.records))
	for code, record := range s.records {
		snapshot[code] = *record
	}
	return snapshot
}
