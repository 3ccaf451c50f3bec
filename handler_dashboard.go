package main

import (
	"net/http"
	"time"
)

// handleDashboard aggregates the numbers the lab bench screen polls for.
func handleDashboard(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{}

	statusCounts := map[string]int{}
	rows, err := db.Query(`SELECT status, COUNT(*) FROM worksheets GROUP BY status`)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	for rows.Next() {
		var status string
		var n int
		rows.Scan(&status, &n)
		statusCounts[status] = n
	}
	rows.Close()
	stats["worksheets_by_status"] = statusCounts

	var openOrders int
	db.QueryRow(`SELECT COUNT(*) FROM orders WHERE status IN ('pending','in_progress')`).Scan(&openOrders)
	stats["open_orders"] = openOrders

	soon := time.Now().AddDate(0, 0, 30).Format("2006-01-02")
	today := time.Now().Format("2006-01-02")
	var expiringLots int
	db.QueryRow(`SELECT COUNT(*) FROM material_lots
		WHERE status = 'AVAILABLE' AND expiry_date IS NOT NULL AND expiry_date > ? AND expiry_date <= ?`,
		today, soon).Scan(&expiringLots)
	stats["lots_expiring_30d"] = expiringLots

	var pendingCompliance int
	db.QueryRow(`SELECT COUNT(*) FROM compliance_requests WHERE status IN ('pending','failed')`).Scan(&pendingCompliance)
	stats["compliance_pending"] = pendingCompliance

	var unpaidInvoices int
	db.QueryRow(`SELECT COUNT(*) FROM invoices WHERE status = 'final'`).Scan(&unpaidInvoices)
	stats["unpaid_invoices"] = unpaidInvoices

	jsonResp(w, stats)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := db.Ping(); err != nil {
		jsonErr(w, "database unavailable", 503)
		return
	}
	jsonResp(w, map[string]string{"status": "ok"})
}
