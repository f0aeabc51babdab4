// Package cluster replicates the Controller's cached-prefix affinity
// bookkeeping across multiple core replicas via a
// goa.design/pulse replicated map backed by Redis, so every replica agrees
// on which engines already host a function's cached prefix without a shared
// database round trip on the dispatch-decision hot path.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
)

// Map is the minimal replicated-map contract this package needs from
// goa.design/pulse/rmap. Satisfied by *rmap.Map. Defined locally so
// EngineSet is unit-testable without Redis.
type Map interface {
	Get(key string) (string, bool)
	Keys() []string
	Set(ctx context.Context, key, value string) (string, error)
	Delete(ctx context.Context, key string) (string, error)
}

const keyPrefix = "semcore:cached_prefix_engines:"

// EngineSet replicates, per function name, the set of engine ids known to
// host a materialized cached prefix. Safe for concurrent use when backed by
// a concurrent-safe Map (such as *rmap.Map); the local mutex additionally
// serializes this process's own read-modify-write cycles against the map,
// since Map itself has no compare-and-swap primitive.
type EngineSet struct {
	mu sync.Mutex
	m  Map
}

// New returns an EngineSet backed by m.
func New(m Map) *EngineSet {
	return &EngineSet{m: m}
}

// Join connects to the replicated map named "<name>:cached_prefix_engines"
// over redisClient, joining any other replicas already using the same name.
func Join(ctx context.Context, name string, redisClient *redis.Client) (*EngineSet, error) {
	m, err := rmap.Join(ctx, name+":cached_prefix_engines", redisClient)
	if err != nil {
		return nil, fmt.Errorf("join cached-prefix engine map: %w", err)
	}
	return New(m), nil
}

// Add records that engineID now hosts functionName's cached prefix. A no-op
// if engineID is already recorded.
func (s *EngineSet) Add(ctx context.Context, functionName, engineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	engines := s.enginesLocked(functionName)
	for _, e := range engines {
		if e == engineID {
			return nil
		}
	}
	engines = append(engines, engineID)
	return s.saveLocked(ctx, functionName, engines)
}

// Engines returns the engine ids currently recorded for functionName, in no
// particular order.
func (s *EngineSet) Engines(functionName string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enginesLocked(functionName)
}

// Clear forgets every engine recorded for functionName, e.g. once its
// cached-prefix context is freed.
func (s *EngineSet) Clear(ctx context.Context, functionName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.m.Delete(ctx, key(functionName))
	return err
}

// Functions returns every function name with at least one recorded engine.
func (s *EngineSet) Functions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	for _, k := range s.m.Keys() {
		if name, ok := trimPrefix(k); ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s *EngineSet) enginesLocked(functionName string) []string {
	val, ok := s.m.Get(key(functionName))
	if !ok {
		return nil
	}
	var engines []string
	if err := json.Unmarshal([]byte(val), &engines); err != nil {
		return nil
	}
	return engines
}

func (s *EngineSet) saveLocked(ctx context.Context, functionName string, engines []string) error {
	b, err := json.Marshal(engines)
	if err != nil {
		return fmt.Errorf("marshal cached-prefix engine set for %q: %w", functionName, err)
	}
	if _, err := s.m.Set(ctx, key(functionName), string(b)); err != nil {
		return fmt.Errorf("replicate cached-prefix engine set for %q: %w", functionName, err)
	}
	return nil
}

func key(functionName string) string {
	return keyPrefix + functionName
}

func trimPrefix(k string) (string, bool) {
	if len(k) <= len(keyPrefix) || k[:len(keyPrefix)] != keyPrefix {
		return "", false
	}
	return k[len(keyPrefix):], true
}
