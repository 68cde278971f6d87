package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "embed"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

func ensureSchema(db *sql.DB) error {
	var current int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	switch {
	case err == nil:
		if current != schemaVersion {
			return fmt.Errorf("store: unsupported schema version %d (expected %d)", current, schemaVersion)
		}
		return nil
	case isMissingTable(err):
		return createSchema(db)
	default:
		return fmt.Errorf("store: read schema version: %w", err)
	}
}

func createSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaSQL); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
		return fmt.Errorf("store: record schema version: %w", err)
	}
	return tx.Commit()
}

func isMissingTable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	return strings.Contains(err.Error(), "no such table")
}
