package main

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"denlab/internal/auth"
)

var db *sql.DB

func initDB(path string) error {
	// Close previous connection if any (prevents goroutine leaks in tests)
	if db != nil {
		db.Close()
	}
	var err error
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	// _txlock=immediate makes every transaction take the write lock at
	// BEGIN, so concurrent transitions serialize instead of failing at
	// commit. The _pragma params apply per pooled connection; busy_timeout
	// turns lock contention into bounded blocking.
	db, err = sql.Open("sqlite", path+sep+"_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)")
	if err != nil {
		return err
	}

	// SQLite handles 1 writer + multiple readers with WAL mode.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}

	return runMigrations(db)
}

func runMigrations(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			display_name TEXT DEFAULT '',
			role TEXT DEFAULT 'technician' CHECK(role IN ('admin','technician','qc_inspector','reception')),
			active INTEGER DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS dentists (
			id TEXT PRIMARY KEY, name TEXT NOT NULL,
			clinic TEXT DEFAULT '', email TEXT DEFAULT '', phone TEXT DEFAULT '',
			address TEXT DEFAULT '',
			status TEXT DEFAULT 'active' CHECK(status IN ('active','inactive')),
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			dentist_id TEXT NOT NULL,
			patient_ref TEXT DEFAULT '',
			device_type TEXT DEFAULT 'other' CHECK(device_type IN ('crown','bridge','inlay','onlay','veneer','denture','partial_denture','splint','implant_abutment','other')),
			shade TEXT DEFAULT '',
			due_date TEXT DEFAULT '',
			status TEXT DEFAULT 'pending' CHECK(status IN ('pending','in_progress','completed','cancelled')),
			notes TEXT DEFAULT '',
			created_by TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (dentist_id) REFERENCES dentists(id) ON DELETE RESTRICT
		)`,
		`CREATE TABLE IF NOT EXISTS materials (
			id TEXT PRIMARY KEY,
			code TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			unit TEXT DEFAULT 'g' CHECK(unit IN ('g','ml','pcs')),
			ce_marked INTEGER DEFAULT 1,
			biocompat_class TEXT DEFAULT '',
			notes TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		// Quantities are decimal strings; CHECK constraints go through
		// CAST because TEXT would compare lexically. Lots are never
		// deleted (regulatory retention).
		`CREATE TABLE IF NOT EXISTS material_lots (
			id TEXT PRIMARY KEY,
			material_id TEXT NOT NULL,
			lot_number TEXT NOT NULL,
			supplier TEXT DEFAULT '',
			arrival_date TEXT NOT NULL,
			expiry_date TEXT,
			quantity_received TEXT NOT NULL CHECK(CAST(quantity_received AS NUMERIC) > 0),
			quantity_available TEXT NOT NULL CHECK(CAST(quantity_available AS NUMERIC) >= 0),
			status TEXT DEFAULT 'AVAILABLE' CHECK(status IN ('AVAILABLE','DEPLETED','EXPIRED','RECALLED')),
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(material_id, lot_number),
			FOREIGN KEY (material_id) REFERENCES materials(id) ON DELETE RESTRICT
		)`,
		`CREATE TABLE IF NOT EXISTS lot_corrections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			lot_id TEXT NOT NULL,
			delta TEXT NOT NULL,
			reason TEXT NOT NULL,
			actor TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (lot_id) REFERENCES material_lots(id) ON DELETE RESTRICT
		)`,
		`CREATE TABLE IF NOT EXISTS worksheets (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			revision INTEGER NOT NULL DEFAULT 1,
			status TEXT DEFAULT 'DRAFT' CHECK(status IN ('DRAFT','IN_PRODUCTION','QC_PENDING','QC_APPROVED','QC_REJECTED','DELIVERED','CANCELLED','VOIDED')),
			device_description TEXT DEFAULT '',
			rejection_notes TEXT DEFAULT '',
			created_by TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE RESTRICT
		)`,
		`CREATE TABLE IF NOT EXISTS worksheet_requirements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worksheet_id TEXT NOT NULL,
			material_id TEXT NOT NULL,
			quantity TEXT NOT NULL CHECK(CAST(quantity AS NUMERIC) > 0),
			UNIQUE(worksheet_id, material_id),
			FOREIGN KEY (worksheet_id) REFERENCES worksheets(id) ON DELETE CASCADE,
			FOREIGN KEY (material_id) REFERENCES materials(id) ON DELETE RESTRICT
		)`,
		// Immutable allocation records: no UPDATE or DELETE path exists.
		`CREATE TABLE IF NOT EXISTS worksheet_consumptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worksheet_id TEXT NOT NULL,
			lot_id TEXT NOT NULL,
			quantity_used TEXT NOT NULL CHECK(CAST(quantity_used AS NUMERIC) > 0),
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (worksheet_id) REFERENCES worksheets(id) ON DELETE RESTRICT,
			FOREIGN KEY (lot_id) REFERENCES material_lots(id) ON DELETE RESTRICT
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor TEXT DEFAULT 'system',
			action TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			summary TEXT DEFAULT '',
			before_value TEXT DEFAULT '',
			after_value TEXT DEFAULT '',
			reason TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS compliance_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worksheet_id TEXT NOT NULL,
			locale TEXT DEFAULT 'en',
			status TEXT DEFAULT 'pending' CHECK(status IN ('pending','sent','failed')),
			attempts INTEGER DEFAULT 0,
			last_error TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(worksheet_id),
			FOREIGN KEY (worksheet_id) REFERENCES worksheets(id) ON DELETE RESTRICT
		)`,
		`CREATE TABLE IF NOT EXISTS compliance_documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worksheet_id TEXT NOT NULL,
			locale TEXT DEFAULT 'en',
			content TEXT NOT NULL,
			generated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (worksheet_id) REFERENCES worksheets(id) ON DELETE RESTRICT
		)`,
		`CREATE TABLE IF NOT EXISTS invoices (
			id TEXT PRIMARY KEY,
			invoice_number TEXT UNIQUE NOT NULL,
			order_id TEXT NOT NULL,
			dentist_id TEXT NOT NULL,
			status TEXT DEFAULT 'draft' CHECK(status IN ('draft','final','paid','cancelled')),
			total TEXT DEFAULT '0',
			issue_date TEXT DEFAULT '',
			due_date TEXT DEFAULT '',
			notes TEXT DEFAULT '',
			finalized_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE RESTRICT,
			FOREIGN KEY (dentist_id) REFERENCES dentists(id) ON DELETE RESTRICT
		)`,
		`CREATE TABLE IF NOT EXISTS invoice_lines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			invoice_id TEXT NOT NULL,
			description TEXT NOT NULL,
			quantity INTEGER NOT NULL DEFAULT 1 CHECK(quantity > 0),
			unit_price TEXT NOT NULL DEFAULT '0',
			total TEXT NOT NULL DEFAULT '0',
			FOREIGN KEY (invoice_id) REFERENCES invoices(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS sequences (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, t := range tables {
		if _, err := db.Exec(t); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_lots_material ON material_lots(material_id, status, arrival_date, lot_number)`,
		`CREATE INDEX IF NOT EXISTS idx_worksheets_order ON worksheets(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_consumptions_worksheet ON worksheet_consumptions(worksheet_id)`,
		`CREATE INDEX IF NOT EXISTS idx_consumptions_lot ON worksheet_consumptions(lot_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id)`,
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("index migration: %w", err)
		}
	}
	return nil
}

// seqTx covers *sql.DB and *sql.Tx so sequence bumps can join an entity's
// creating transaction.
type seqTx interface {
	QueryRow(query string, args ...interface{}) *sql.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// nextID allocates the next entity ID (e.g. WS-2026-0042) from the sequences
// table with a single atomic increment, so concurrent creations never see
// duplicate numbers. Call it inside the transaction that inserts the entity.
func nextID(tx seqTx, prefix string, digits int) (string, error) {
	year := time.Now().Format("2006")
	name := prefix + "-" + year
	if _, err := tx.Exec(`INSERT OR IGNORE INTO sequences (name, value) VALUES (?, 0)`, name); err != nil {
		return "", err
	}
	var n int
	if err := tx.QueryRow(`UPDATE sequences SET value = value + 1 WHERE name = ? RETURNING value`, name).Scan(&n); err != nil {
		return "", fmt.Errorf("sequence %s: %w", name, err)
	}
	return fmt.Sprintf("%s-%s-%0*d", prefix, year, digits, n), nil
}

func seedDB() {
	var count int
	db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count)
	if count > 0 {
		return
	}

	now := time.Now().Format("2006-01-02 15:04:05")
	today := time.Now().Format("2006-01-02")

	seedUser := func(username, password, displayName, role string) {
		hash, err := auth.HashPassword(password)
		if err != nil {
			return
		}
		db.Exec(`INSERT INTO users (username, password_hash, display_name, role) VALUES (?, ?, ?, ?)`,
			username, hash, displayName, role)
	}
	seedUser("admin", "changeme", "Administrator", "admin")
	seedUser("tech", "changeme", "Bench Technician", "technician")
	seedUser("qc", "changeme", "QC Inspector", "qc_inspector")

	db.Exec(`INSERT INTO dentists (id, name, clinic, email, status) VALUES (?,?,?,?,?)`,
		"DEN-0001", "Dr. Eva Horn", "Smile Clinic", "eva@smileclinic.example", "active")

	db.Exec(`INSERT INTO materials (id, code, name, unit, ce_marked, biocompat_class) VALUES (?,?,?,?,?,?)`,
		"MAT-0001", "ZR-A2", "Zirconia disc A2", "g", 1, "IIa")
	db.Exec(`INSERT INTO materials (id, code, name, unit, ce_marked, biocompat_class) VALUES (?,?,?,?,?,?)`,
		"MAT-0002", "PMMA-CL", "PMMA clear", "g", 1, "I")

	db.Exec(`INSERT INTO material_lots (id, material_id, lot_number, supplier, arrival_date, expiry_date,
		quantity_received, quantity_available, status, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		"LOT-0001", "MAT-0001", "Z2406-A", "DentSupply", today, nil,
		decimal.NewFromInt(500), decimal.NewFromInt(500), "AVAILABLE", now, now)
}
