package testutil

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"denlab/internal/models"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// SetupTestDB creates an in-memory SQLite database with the full schema and
// a seeded admin user. Single connection: each in-memory connection is its
// own database otherwise.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	testDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test DB: %v", err)
	}
	testDB.SetMaxOpenConns(1)

	if _, err := testDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	createTables(t, testDB)
	seedAdminUser(t, testDB)

	return testDB
}

// SetupSharedTestDB opens a shared-cache in-memory database that multiple
// connections can hit concurrently, for tests that race real transactions.
// Each call gets a distinct database name so tests don't see each other.
func SetupSharedTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_txlock=immediate&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)",
		t.Name()+time.Now().Format("150405.000000"))
	testDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("Failed to open shared test DB: %v", err)
	}

	createTables(t, testDB)
	seedAdminUser(t, testDB)

	return testDB
}

func createTables(t *testing.T, db *sql.DB) {
	t.Helper()
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
	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			t.Fatalf("Failed to create table: %v", err)
		}
	}
}

func seedAdminUser(t *testing.T, db *sql.DB) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("changeme"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Failed to hash admin password: %v", err)
	}
	_, err = db.Exec(`INSERT INTO users (username, password_hash, display_name, role) VALUES (?, ?, ?, ?)`,
		"admin", string(hash), "Administrator", "admin")
	if err != nil {
		t.Fatalf("Failed to create default admin user: %v", err)
	}
}

// SeedDentistAndOrder inserts one dentist and one pending order, returning
// the order ID. Most worksheet tests start here.
func SeedDentistAndOrder(t *testing.T, db *sql.DB) string {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO dentists (id, name, clinic) VALUES ('DEN-T001', 'Dr. Test', 'Test Clinic')`); err != nil {
		t.Fatalf("Failed to seed dentist: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO orders (id, dentist_id, patient_ref, device_type) VALUES ('ORD-T001', 'DEN-T001', 'P-42', 'crown')`); err != nil {
		t.Fatalf("Failed to seed order: %v", err)
	}
	return "ORD-T001"
}

// SeedMaterial inserts a material row.
func SeedMaterial(t *testing.T, db *sql.DB, id, code string) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO materials (id, code, name, unit) VALUES (?, ?, ?, 'g')`, id, code, code+" material"); err != nil {
		t.Fatalf("Failed to seed material %s: %v", id, err)
	}
}

// SeedLot inserts an AVAILABLE lot with the given received quantity and
// arrival date. expiry may be empty for non-perishable stock.
func SeedLot(t *testing.T, db *sql.DB, id, materialID, lotNumber, arrival, expiry, qty string) {
	t.Helper()
	var exp interface{}
	if expiry != "" {
		exp = expiry
	}
	_, err := db.Exec(`INSERT INTO material_lots (id, material_id, lot_number, arrival_date, expiry_date,
		quantity_received, quantity_available, status) VALUES (?,?,?,?,?,?,?, 'AVAILABLE')`,
		id, materialID, lotNumber, arrival, exp, qty, qty)
	if err != nil {
		t.Fatalf("Failed to seed lot %s: %v", id, err)
	}
}

// SeedWorksheet inserts a worksheet in the given status.
func SeedWorksheet(t *testing.T, db *sql.DB, id, orderID, status string, revision int) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO worksheets (id, order_id, revision, status) VALUES (?,?,?,?)`,
		id, orderID, revision, status)
	if err != nil {
		t.Fatalf("Failed to seed worksheet %s: %v", id, err)
	}
}

// SeedRequirement attaches a material requirement to a worksheet.
func SeedRequirement(t *testing.T, db *sql.DB, worksheetID, materialID, qty string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO worksheet_requirements (worksheet_id, material_id, quantity) VALUES (?,?,?)`,
		worksheetID, materialID, qty)
	if err != nil {
		t.Fatalf("Failed to seed requirement: %v", err)
	}
}

// CreateTestUser creates a user with the given credentials.
func CreateTestUser(t *testing.T, db *sql.DB, username, password, role string, active bool) int {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}
	activeInt := 0
	if active {
		activeInt = 1
	}
	result, err := db.Exec(
		"INSERT INTO users (username, password_hash, display_name, role, active) VALUES (?, ?, ?, ?, ?)",
		username, string(hash), username+" Display", role, activeInt,
	)
	if err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	id, _ := result.LastInsertId()
	return int(id)
}

// CreateTestSession creates a session token with a 24h expiry.
func CreateTestSession(t *testing.T, db *sql.DB, userID int) string {
	t.Helper()
	token := "test-session-token-" + time.Now().Format("20060102150405.000000")
	expiresAt := time.Now().Add(24 * time.Hour)
	_, err := db.Exec(
		"INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)",
		token, userID, expiresAt.Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		t.Fatalf("Failed to create test session: %v", err)
	}
	return token
}

// LoginAdmin returns a session token for the seeded admin user.
func LoginAdmin(t *testing.T, db *sql.DB) string {
	t.Helper()
	var adminID int
	if err := db.QueryRow("SELECT id FROM users WHERE username = 'admin'").Scan(&adminID); err != nil {
		t.Fatalf("Failed to find admin user: %v", err)
	}
	return CreateTestSession(t, db, adminID)
}

// LoginAs creates a user with the given role and returns their session token.
func LoginAs(t *testing.T, db *sql.DB, username, role string) string {
	t.Helper()
	userID := CreateTestUser(t, db, username, "password", role, true)
	return CreateTestSession(t, db, userID)
}

// AuthedRequest creates an HTTP request carrying a session cookie.
func AuthedRequest(method, path string, body []byte, sessionToken string) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if sessionToken != "" {
		req.AddCookie(&http.Cookie{Name: "denlab_session", Value: sessionToken})
	}
	return req
}

// AuthedJSONRequest creates an authenticated request with a JSON body.
func AuthedJSONRequest(method, path string, body interface{}, sessionToken string) *http.Request {
	var bodyBytes []byte
	if body != nil {
		bodyBytes, _ = json.Marshal(body)
	}
	req := AuthedRequest(method, path, bodyBytes, sessionToken)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// AssertStatus checks the HTTP status code.
func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if w.Code != expected {
		t.Errorf("Expected status %d, got %d. Body: %s", expected, w.Code, w.Body.String())
	}
}

// DecodeEnvelope decodes the API response envelope and extracts the data.
func DecodeEnvelope(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode API envelope: %v", err)
	}
	dataBytes, _ := json.Marshal(resp.Data)
	if err := json.Unmarshal(dataBytes, v); err != nil {
		t.Fatalf("Failed to decode data from envelope: %v", err)
	}
}
