package dataset

import (
	"context"
	"fmt"

	"github.com/openspending/cube/cube/pkg/postgres"
)

// LoadSession loads rows for one import run. It remembers the id of every
// member it upserted so that repeated natural keys resolve without another
// round trip, and tracks the distinct fact rows it wrote. A session is not
// safe for concurrent use.
type LoadSession struct {
	ds      *Dataset
	members map[string]map[string]any
	written map[EntryID]struct{}
}

// NewSession starts a load session. Sessions share nothing, so concurrent
// imports each use their own.
func (d *Dataset) NewSession() *LoadSession {
	return &LoadSession{
		ds:      d,
		members: make(map[string]map[string]any),
		written: make(map[EntryID]struct{}),
	}
}

// Load writes one converted row and returns its entry id. Every field's
// fragment is merged into one fact row which is upserted by id.
func (s *LoadSession) Load(ctx context.Context, conn postgres.Connection, row map[string]any) (EntryID, error) {
	id := s.ds.EntryID(row)
	fact := map[string]any{"id": string(id)}
	for _, f := range s.ds.fields {
		value := row[f.Name()]
		if _, isMember := compound(f); isMember && value == nil {
			return "", fmt.Errorf("field %s: value is required", f.Name())
		}
		fragment, err := f.load(ctx, conn, s, value)
		if err != nil {
			return "", err
		}
		for col, v := range fragment {
			fact[col] = v
		}
	}
	if _, err := s.ds.fact.upsert(ctx, conn, fact); err != nil {
		return "", err
	}
	s.written[id] = struct{}{}
	return id, nil
}

// Written returns the number of distinct fact rows written in the session.
func (s *LoadSession) Written() int {
	return len(s.written)
}

func (s *LoadSession) member(table, key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	id, ok := s.members[table][key]
	return id, ok
}

func (s *LoadSession) remember(table, key string, id any) {
	if s == nil {
		return
	}
	m, ok := s.members[table]
	if !ok {
		m = make(map[string]any)
		s.members[table] = m
	}
	m[key] = id
}
