package state

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/hexe/internal/types"
)

// Profile holds per-user preferences.
type Profile struct {
	UserID    types.UserID `json:"user_id"`
	Timezone  string       `json:"timezone,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ProfileStore is a JSON-file-backed profile store kept in profiles.json.
type ProfileStore struct {
	root string
	mu   sync.RWMutex
}

// NewProfileStore creates a new file-backed ProfileStore rooted at the given directory.
func NewProfileStore(root string) *ProfileStore {
	return &ProfileStore{root: root}
}

func (s *ProfileStore) path() string {
	return filepath.Join(s.root, "profiles.json")
}

func (s *ProfileStore) load() (map[types.UserID]*Profile, error) {
	var profiles []*Profile
	if err := readJSON(s.path(), &profiles); err != nil {
		return nil, err
	}
	index := make(map[types.UserID]*Profile, len(profiles))
	for _, p := range profiles {
		index[p.UserID] = p
	}
	return index, nil
}

func (s *ProfileStore) save(index map[types.UserID]*Profile) error {
	profiles := make([]*Profile, 0, len(index))
	for _, p := range index {
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].UserID < profiles[j].UserID })
	return writeJSON(s.path(), profiles)
}

// Get returns the profile of user or ErrNotFound.
func (s *ProfileStore) Get(_ context.Context, user types.UserID) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.load()
	if err != nil {
		return nil, err
	}
	p, ok := index[user]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", user, ErrNotFound)
	}
	return p, nil
}

// List returns all profiles ordered by user id.
func (s *ProfileStore) List(_ context.Context) ([]*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Profile, 0, len(index))
	for _, p := range index {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// SetTimezone records the IANA timezone of user, creating the profile if needed.
func (s *ProfileStore) SetTimezone(_ context.Context, user types.UserID, tz string) (*Profile, error) {
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.load()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	p, ok := index[user]
	if !ok {
		p = &Profile{UserID: user, CreatedAt: now}
		index[user] = p
	}
	p.Timezone = tz
	p.UpdatedAt = now

	if err := s.save(index); err != nil {
		return nil, err
	}
	return p, nil
}

// Location returns the configured timezone of user, or fallback when the
// user has none.
func (s *ProfileStore) Location(ctx context.Context, user types.UserID, fallback *time.Location) *time.Location {
	p, err := s.Get(ctx, user)
	if err != nil || p.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}
