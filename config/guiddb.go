package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// dbOperation represents a function to be executed on the database
type dbOperation func(*GUIDStore)

// GUIDStore persists the controller GUID first seen for each BMC host.
type GUIDStore struct {
	HostToGUID map[string]string `json:"host_to_guid"` // Maps hostname to controller GUID
	path       string            `json:"-"`            // Path to the database file
	opChan     chan dbOperation  `json:"-"`            // Channel for serializing operations
	done       chan struct{}     `json:"-"`            // Channel to signal shutdown
}

// NewGUIDStore opens the GUID database at dbPath, creating it on first write
func NewGUIDStore(dbPath string) (*GUIDStore, error) {
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db := &GUIDStore{
		HostToGUID: make(map[string]string),
		path:       dbPath,
		opChan:     make(chan dbOperation),
		done:       make(chan struct{}),
	}

	if _, err := os.Stat(dbPath); err == nil {
		data, err := os.ReadFile(dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read database: %w", err)
		}
		if err := json.Unmarshal(data, db); err != nil {
			return nil, fmt.Errorf("failed to parse database: %w", err)
		}
		if db.HostToGUID == nil {
			db.HostToGUID = make(map[string]string)
		}
	}

	go db.handleOperations()

	return db, nil
}

// save writes the database to disk
func (db *GUIDStore) save() error {
	data, err := json.MarshalIndent(db, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(db.path, data, 0600)
}

// handleOperations processes database operations sequentially
func (db *GUIDStore) handleOperations() {
	for {
		select {
		case op := <-db.opChan:
			op(db)
		case <-db.done:
			return
		}
	}
}

// Close shuts down the database operation handler
func (db *GUIDStore) Close() {
	close(db.done)
}

// LookupGUID returns the GUID pinned for host
func (db *GUIDStore) LookupGUID(host string) (uuid.UUID, bool, error) {
	type result struct {
		guid   uuid.UUID
		exists bool
		err    error
	}
	response := make(chan result)
	db.opChan <- func(db *GUIDStore) {
		s, exists := db.HostToGUID[host]
		if !exists {
			response <- result{}
			return
		}
		guid, err := uuid.Parse(s)
		if err != nil {
			err = fmt.Errorf("corrupt GUID for %s: %w", host, err)
		}
		response <- result{guid, err == nil, err}
	}
	r := <-response
	return r.guid, r.exists, r.err
}

// PinGUID records guid as the controller GUID of host
func (db *GUIDStore) PinGUID(host string, guid uuid.UUID) error {
	response := make(chan error)
	db.opChan <- func(db *GUIDStore) {
		db.HostToGUID[host] = guid.String()
		response <- db.save()
	}
	return <-response
}

// Forget removes the pin of host, for a BMC that was legitimately replaced
func (db *GUIDStore) Forget(host string) error {
	response := make(chan error)
	db.opChan <- func(db *GUIDStore) {
		delete(db.HostToGUID, host)
		response <- db.save()
	}
	return <-response
}
