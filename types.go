package main

import (
	"net/http"
	"strconv"

	"denlab/internal/engine"
	"denlab/internal/models"
	"denlab/internal/response"
	"denlab/internal/validation"
	"denlab/internal/websocket"
)

// Shared type aliases so handlers can use the unqualified names while the
// definitions live in internal/models.
type APIResponse = models.APIResponse
type Meta = models.Meta
type Dentist = models.Dentist
type Order = models.Order
type Material = models.Material
type MaterialLot = models.MaterialLot
type LotCorrection = models.LotCorrection
type Worksheet = models.Worksheet
type WorksheetRequirement = models.WorksheetRequirement
type MaterialConsumption = models.MaterialConsumption
type AuditEntry = models.AuditEntry
type ComplianceRequest = models.ComplianceRequest
type Invoice = models.Invoice
type InvoiceLine = models.InvoiceLine
type User = models.User

type ValidationErrors = validation.ValidationErrors

// wsHub broadcasts entity-change events to connected clients.
var wsHub = websocket.NewHub()

// orchestrator is the single entry point for worksheet status changes.
// Configured in main after the database and lab config are loaded.
var orchestrator *engine.Orchestrator

func jsonResp(w http.ResponseWriter, data interface{}) {
	response.JSON(w, data)
}

func jsonRespMeta(w http.ResponseWriter, data interface{}, total, page, limit int) {
	response.JSONMeta(w, data, total, page, limit)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	response.Err(w, msg, code)
}

func decodeBody(r *http.Request, v interface{}) error {
	return response.DecodeBody(r, v)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
