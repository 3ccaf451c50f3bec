package main

import (
	"database/sql"
	"testing"
	"time"

	"denlab/internal/engine"
	"denlab/internal/testutil"
)

// setupHandlerTest swaps the global db and orchestrator for an in-memory
// database, restoring them when the test finishes.
func setupHandlerTest(t *testing.T) *sql.DB {
	t.Helper()
	oldDB := db
	oldOrch := orchestrator

	testDB := testutil.SetupSharedTestDB(t)
	db = testDB
	orchestrator = &engine.Orchestrator{
		DB:     testDB,
		Docs:   &complianceQueue{db: testDB},
		Locale: "en",
		Now:    time.Now,
	}

	t.Cleanup(func() {
		testDB.Close()
		db = oldDB
		orchestrator = oldOrch
	})
	return testDB
}

func TestNextIDSequence(t *testing.T) {
	testDB := setupHandlerTest(t)

	first, err := nextID(testDB, "WS", 4)
	if err != nil {
		t.Fatalf("nextID: %v", err)
	}
	second, err := nextID(testDB, "WS", 4)
	if err != nil {
		t.Fatalf("nextID: %v", err)
	}
	year := time.Now().Format("2006")
	if first != "WS-"+year+"-0001" || second != "WS-"+year+"-0002" {
		t.Errorf("sequence wrong: %s, %s", first, second)
	}

	// Independent prefixes get independent counters.
	inv, err := nextID(testDB, "INV", 5)
	if err != nil {
		t.Fatalf("nextID: %v", err)
	}
	if inv != "INV-"+year+"-00001" {
		t.Errorf("invoice sequence wrong: %s", inv)
	}
}
