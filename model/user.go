package model

import (
	"sort"
	"sync"
	"time"
)

// Connection is the part of a worker connection a User needs to track it.
type Connection interface {
	ID() string
}

// User aggregates every connection authorized under one worker name.
type User struct {
	name      string
	algo      string
	createdAt time.Time
	stats     *ShareStats

	mu          sync.RWMutex
	connections map[string]Connection
}

func NewUser(name, algo string, window time.Duration) *User {
	return &User{
		name:        name,
		algo:        algo,
		createdAt:   time.Now(),
		stats:       NewShareStats(window),
		connections: make(map[string]Connection),
	}
}

func (u *User) Name() string { return u.name }

func (u *User) Algo() string { return u.algo }

func (u *User) CreatedAt() time.Time { return u.createdAt }

func (u *User) ShareStats() *ShareStats { return u.stats }

func (u *User) AddConnection(c Connection) {
	u.mu.Lock()
	u.connections[c.ID()] = c
	u.mu.Unlock()
}

func (u *User) RemoveConnection(c Connection) {
	u.mu.Lock()
	delete(u.connections, c.ID())
	u.mu.Unlock()
}

func (u *User) HasConnection(c Connection) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.connections[c.ID()]
	return ok
}

// Connections returns the connections ordered by id.
func (u *User) Connections() []Connection {
	u.mu.RLock()
	out := make([]Connection, 0, len(u.connections))
	for _, c := range u.connections {
		out = append(out, c)
	}
	u.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
