// Copyright 2024-2026 Aiku AI

// Package player stores per-player bridge preferences.
package player

import (
	"context"
	"strings"
	"sync"

	"github.com/samber/mo"

	"github.com/aiku/ecolink/pkg/link"
)

// Config is a player's bridge preferences, created lazily on first lookup.
type Config struct {
	Username       string
	DefaultChannel link.ChannelRef
}

// Store persists player configs.
type Store interface {
	GetOrCreate(ctx context.Context, username string) (*Config, error)
	SetDefaultChannel(ctx context.Context, username string, ref link.ChannelRef) error
	DefaultChannel(ctx context.Context, username string) (mo.Option[link.ChannelRef], error)
	Close() error
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// defaultChannelOf returns the normalized default channel of cfg, if set.
func defaultChannelOf(cfg *Config) mo.Option[link.ChannelRef] {
	if cfg == nil || !cfg.DefaultChannel.Valid() {
		return mo.None[link.ChannelRef]()
	}
	ref, _ := cfg.DefaultChannel.Normalize()
	return mo.Some(ref)
}

// MemoryStore keeps player configs in memory.
type MemoryStore struct {
	mu      sync.Mutex
	players map[string]*Config
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{players: make(map[string]*Config)}
}

func (s *MemoryStore) getOrCreateLocked(username string) *Config {
	key := normalizeUsername(username)
	cfg, ok := s.players[key]
	if !ok {
		cfg = &Config{Username: username}
		s.players[key] = cfg
	}
	return cfg
}

func (s *MemoryStore) GetOrCreate(_ context.Context, username string) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.getOrCreateLocked(username)
	return &cp, nil
}

func (s *MemoryStore) SetDefaultChannel(_ context.Context, username string, ref link.ChannelRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreateLocked(username).DefaultChannel = ref
	return nil
}

func (s *MemoryStore) DefaultChannel(_ context.Context, username string) (mo.Option[link.ChannelRef], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return defaultChannelOf(s.players[normalizeUsername(username)]), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
