package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"denlab/internal/engine"
	"denlab/internal/websocket"
)

func main() {
	port := flag.Int("port", 9000, "HTTP port")
	dbPath := flag.String("db", "denlab.db", "SQLite database path")
	configPath := flag.String("config", "lab.yaml", "Lab profile YAML path")
	flag.Parse()

	var err error
	labConfig, err = loadLabConfig(*configPath)
	if err != nil {
		log.Fatal("config load failed:", err)
	}

	if err := initDB(*dbPath); err != nil {
		log.Fatal("DB init failed:", err)
	}
	seedDB()

	orchestrator = &engine.Orchestrator{
		DB:        db,
		Docs:      &complianceQueue{db: db},
		Locale:    labConfig.Locale,
		Now:       time.Now,
		Broadcast: wsHub.BroadcastChange,
	}

	stop := make(chan struct{})
	go runComplianceWorker(stop)

	// Expiry sweep: run once after a short delay, then daily.
	go func() {
		time.Sleep(5 * time.Second)
		for {
			if n, err := engine.SweepExpired(db, time.Now()); err != nil {
				log.Printf("expiry sweep: %v", err)
			} else if n > 0 {
				log.Printf("expiry sweep: marked %d lots expired", n)
				wsHub.BroadcastChange("material_lot", "expired", "swept")
			}
			time.Sleep(24 * time.Hour)
		}
	}()

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", handleHealthz)

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.Handle(wsHub, w, r)
	})

	// Auth routes
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			handleLogin(w, r)
		} else {
			http.Error(w, "Method not allowed", 405)
		}
	})
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			handleLogout(w, r)
		} else {
			http.Error(w, "Method not allowed", 405)
		}
	})
	mux.HandleFunc("/auth/me", handleMe)

	// API routes - simple path router
	mux.HandleFunc("/api/v1/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/v1/")
		path = strings.TrimSuffix(path, "/")
		parts := strings.Split(path, "/")

		switch {
		// Dashboard
		case path == "dashboard" && r.Method == "GET":
			handleDashboard(w, r)

		// Dentists
		case parts[0] == "dentists" && len(parts) == 1 && r.Method == "GET":
			handleListDentists(w, r)
		case parts[0] == "dentists" && len(parts) == 1 && r.Method == "POST":
			handleCreateDentist(w, r)
		case parts[0] == "dentists" && len(parts) == 2 && r.Method == "GET":
			handleGetDentist(w, r, parts[1])
		case parts[0] == "dentists" && len(parts) == 2 && r.Method == "PUT":
			handleUpdateDentist(w, r, parts[1])
		case parts[0] == "dentists" && len(parts) == 3 && parts[2] == "deactivate" && r.Method == "POST":
			handleDeactivateDentist(w, r, parts[1])

		// Orders
		case parts[0] == "orders" && len(parts) == 1 && r.Method == "GET":
			handleListOrders(w, r)
		case parts[0] == "orders" && len(parts) == 1 && r.Method == "POST":
			handleCreateOrder(w, r)
		case parts[0] == "orders" && len(parts) == 2 && r.Method == "GET":
			handleGetOrder(w, r, parts[1])
		case parts[0] == "orders" && len(parts) == 2 && r.Method == "PUT":
			handleUpdateOrder(w, r, parts[1])
		case parts[0] == "orders" && len(parts) == 3 && parts[2] == "worksheets" && r.Method == "GET":
			handleListOrderWorksheets(w, r, parts[1])

		// Materials and lots
		case parts[0] == "materials" && len(parts) == 1 && r.Method == "GET":
			handleListMaterials(w, r)
		case parts[0] == "materials" && len(parts) == 1 && r.Method == "POST":
			handleCreateMaterial(w, r)
		case parts[0] == "materials" && len(parts) == 2 && r.Method == "GET":
			handleGetMaterial(w, r, parts[1])
		case parts[0] == "materials" && len(parts) == 3 && parts[2] == "lots" && r.Method == "POST":
			handleReceiveLot(w, r, parts[1])
		case parts[0] == "materials" && len(parts) == 3 && parts[2] == "lots" && r.Method == "GET":
			handleLotLedger(w, r, parts[1])
		case parts[0] == "materials" && len(parts) == 3 && parts[2] == "preview" && r.Method == "GET":
			handleAllocationPreview(w, r, parts[1])
		case parts[0] == "materials" && len(parts) == 3 && parts[2] == "export" && r.Method == "GET":
			handleExportLotLedger(w, r, parts[1])
		case parts[0] == "lots" && len(parts) == 1 && r.Method == "GET":
			handleExpiringLots(w, r)
		case parts[0] == "lots" && len(parts) == 3 && parts[2] == "recall" && r.Method == "POST":
			handleRecallLot(w, r, parts[1])
		case parts[0] == "lots" && len(parts) == 3 && parts[2] == "adjust" && r.Method == "POST":
			handleAdjustLot(w, r, parts[1])
		case parts[0] == "lots" && len(parts) == 3 && parts[2] == "usage" && r.Method == "GET":
			handleLotUsage(w, r, parts[1])

		// Worksheets
		case parts[0] == "worksheets" && len(parts) == 1 && r.Method == "GET":
			handleListWorksheets(w, r)
		case parts[0] == "worksheets" && len(parts) == 1 && r.Method == "POST":
			handleCreateWorksheet(w, r)
		case parts[0] == "worksheets" && len(parts) == 2 && r.Method == "GET":
			handleGetWorksheet(w, r, parts[1])
		case parts[0] == "worksheets" && len(parts) == 3 && parts[2] == "requirements" && r.Method == "PUT":
			handleSetRequirements(w, r, parts[1])
		case parts[0] == "worksheets" && len(parts) == 3 && parts[2] == "requirements" && r.Method == "GET":
			handleListRequirements(w, r, parts[1])
		case parts[0] == "worksheets" && len(parts) == 3 && parts[2] == "transition" && r.Method == "POST":
			handleTransitionWorksheet(w, r, parts[1])
		case parts[0] == "worksheets" && len(parts) == 3 && parts[2] == "consumptions" && r.Method == "GET":
			handleWorksheetConsumptions(w, r, parts[1])
		case parts[0] == "worksheets" && len(parts) == 3 && parts[2] == "preview" && r.Method == "GET":
			handleWorksheetPreview(w, r, parts[1])
		case parts[0] == "worksheets" && len(parts) == 3 && parts[2] == "deliver" && r.Method == "POST":
			handleDeliverWithoutInvoice(w, r, parts[1])
		case parts[0] == "worksheets" && len(parts) == 3 && parts[2] == "document" && r.Method == "GET":
			handleGetComplianceDocument(w, r, parts[1])
		case parts[0] == "worksheets" && len(parts) == 3 && parts[2] == "compliance-retry" && r.Method == "POST":
			handleRetryCompliance(w, r, parts[1])

		// Invoices
		case parts[0] == "invoices" && len(parts) == 1 && r.Method == "GET":
			handleListInvoices(w, r)
		case parts[0] == "invoices" && len(parts) == 1 && r.Method == "POST":
			handleCreateInvoice(w, r)
		case parts[0] == "invoices" && len(parts) == 2 && r.Method == "GET":
			handleGetInvoice(w, r, parts[1])
		case parts[0] == "invoices" && len(parts) == 3 && parts[2] == "lines" && r.Method == "GET":
			handleListInvoiceLines(w, r, parts[1])
		case parts[0] == "invoices" && len(parts) == 3 && parts[2] == "finalize" && r.Method == "POST":
			handleFinalizeInvoice(w, r, parts[1])
		case parts[0] == "invoices" && len(parts) == 3 && parts[2] == "pay" && r.Method == "POST":
			handleMarkInvoicePaid(w, r, parts[1])
		case parts[0] == "invoices" && len(parts) == 3 && parts[2] == "cancel" && r.Method == "POST":
			handleCancelInvoice(w, r, parts[1])

		// Compliance queue
		case path == "compliance" && r.Method == "GET":
			handleListComplianceRequests(w, r)

		// Audit trail
		case path == "audit" && r.Method == "GET":
			handleListAudit(w, r)
		case path == "audit/export" && r.Method == "GET":
			handleExportAudit(w, r)
		case parts[0] == "audit" && len(parts) == 3 && r.Method == "GET":
			handleEntityHistory(w, r, parts[1], parts[2])

		// Reports
		case path == "reports/traceability" && r.Method == "GET":
			handleExportTraceability(w, r)

		default:
			jsonErr(w, "not found", 404)
		}
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("denlab server starting on http://localhost%s", addr)
	log.Fatal(http.ListenAndServe(addr, logging(requireAuth(mux))))
}
