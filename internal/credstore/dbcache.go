package credstore

import (
	"sync"

	"gorm.io/gorm"
)

// dbCache caches an opened *gorm.DB by DSN so a later Open with the same
// database.url in this process does not reopen a connection pool. Adapted from a
// generic GORM connection-cache utility into a single-purpose cache
// scoped to the credential store.
type dbCache struct {
	mu          sync.RWMutex
	connections map[string]*gorm.DB
}

func newDBCache() *dbCache {
	return &dbCache{connections: make(map[string]*gorm.DB)}
}

func (c *dbCache) get(dsn string) (*gorm.DB, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	db, ok := c.connections[dsn]
	return db, ok
}

func (c *dbCache) getOrOpen(dsn string, open func() (*gorm.DB, error)) (*gorm.DB, error) {
	if db, ok := c.get(dsn); ok {
		return db, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.connections[dsn]; ok {
		return db, nil
	}
	db, err := open()
	if err != nil {
		return nil, err
	}
	c.connections[dsn] = db
	return db, nil
}
