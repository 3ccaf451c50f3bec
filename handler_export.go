package main

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strings"

	"github.com/xuri/excelize/v2"

	"denlab/internal/engine"
)

// exportCSV writes tabular data as a CSV attachment.
func exportCSV(w http.ResponseWriter, filename string, headers []string, data [][]string) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	writer := csv.NewWriter(w)
	defer writer.Flush()

	writer.Write(headers)
	for _, row := range data {
		writer.Write(row)
	}
}

// exportExcel writes tabular data as an XLSX attachment with a bold header row.
func exportExcel(w http.ResponseWriter, sheetName string, headers []string, data [][]string) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		http.Error(w, "Failed to create Excel sheet", 500)
		return
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#D3D3D3"}, Pattern: 1},
	})
	if err != nil {
		http.Error(w, "Failed to create header style", 500)
		return
	}

	for i, header := range headers {
		cell := fmt.Sprintf("%s1", string(rune('A'+i)))
		f.SetCellValue(sheetName, cell, header)
		f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}
	for rowIdx, row := range data {
		for colIdx, value := range row {
			cell := fmt.Sprintf("%s%d", string(rune('A'+colIdx)), rowIdx+2)
			f.SetCellValue(sheetName, cell, value)
		}
	}
	for i := range headers {
		col := string(rune('A' + i))
		f.SetColWidth(sheetName, col, col, 18)
	}
	if sheetName != "Sheet1" {
		f.DeleteSheet("Sheet1")
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.xlsx", strings.ToLower(sheetName)))

	if err := f.Write(w); err != nil {
		http.Error(w, "Failed to write Excel file", 500)
	}
}

// handleExportLotLedger exports the full lot ledger for one material:
// receipts, remaining stock, and every correction.
func handleExportLotLedger(w http.ResponseWriter, r *http.Request, materialID string) {
	rows, err := db.Query(`SELECT l.id, l.lot_number, l.status, l.quantity_received, l.quantity_available,
		COALESCE(l.arrival_date,''), COALESCE(l.expiry_date,''),
		COALESCE((SELECT SUM(CAST(c.quantity_used AS NUMERIC)) FROM worksheet_consumptions c WHERE c.lot_id = l.id), 0),
		COALESCE((SELECT SUM(CAST(k.delta AS NUMERIC)) FROM lot_corrections k WHERE k.lot_id = l.id), 0)
		FROM material_lots l WHERE l.material_id = ?
		ORDER BY l.arrival_date ASC, l.lot_number ASC`, materialID)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer rows.Close()

	headers := []string{"Lot ID", "Lot Number", "Status", "Received", "Available", "Arrival", "Expiry", "Consumed", "Corrections"}
	var data [][]string
	for rows.Next() {
		var id, lotNumber, status, received, available, arrival, expiry, consumed, corrections string
		rows.Scan(&id, &lotNumber, &status, &received, &available, &arrival, &expiry, &consumed, &corrections)
		data = append(data, []string{id, lotNumber, status, received, available, arrival, expiry, consumed, corrections})
	}

	writeExport(w, r, "LotLedger", headers, data)
	engine.RecordAudit(db, engine.AuditRecord{
		Actor: getUsername(r), Action: engine.ActionExport,
		EntityType: "material", EntityID: materialID, Summary: "Exported lot ledger",
	})
}

// handleExportTraceability exports the worksheet <-> lot join both
// directions read from: which lots went into which delivered device.
func handleExportTraceability(w http.ResponseWriter, r *http.Request) {
	rows, err := db.Query(`SELECT ws.id, ws.revision, ws.status, ws.order_id, d.name,
		m.code, l.lot_number, c.quantity_used, m.unit, c.created_at
		FROM worksheet_consumptions c
		JOIN worksheets ws ON ws.id = c.worksheet_id
		JOIN orders o ON o.id = ws.order_id
		JOIN dentists d ON d.id = o.dentist_id
		JOIN material_lots l ON l.id = c.lot_id
		JOIN materials m ON m.id = l.material_id
		ORDER BY c.id`)
	if err != nil {
		jsonErr(w, err.Error(), 500)
		return
	}
	defer rows.Close()

	headers := []string{"Worksheet", "Revision", "Status", "Order", "Dentist", "Material", "Lot Number", "Quantity", "Unit", "Consumed At"}
	var data [][]string
	for rows.Next() {
		var worksheet, revision, status, order, dentist, material, lotNumber, qty, unit, at string
		rows.Scan(&worksheet, &revision, &status, &order, &dentist, &material, &lotNumber, &qty, &unit, &at)
		data = append(data, []string{worksheet, revision, status, order, dentist, material, lotNumber, qty, unit, at})
	}

	writeExport(w, r, "Traceability", headers, data)
	engine.RecordAudit(db, engine.AuditRecord{
		Actor: getUsername(r), Action: engine.ActionExport,
		EntityType: "traceability", EntityID: "all", Summary: "Exported traceability report",
	})
}

// writeExport picks the output format from the format query parameter.
// Defaults to XLSX.
func writeExport(w http.ResponseWriter, r *http.Request, name string, headers []string, data [][]string) {
	if r.URL.Query().Get("format") == "csv" {
		exportCSV(w, strings.ToLower(name)+".csv", headers, data)
		return
	}
	exportExcel(w, name, headers, data)
}
