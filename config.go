package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LabConfig is the lab profile, loaded from a YAML file at startup. Every
// field has a usable default so the file is optional.
type LabConfig struct {
	CompanyName               string `yaml:"company_name"`
	CompanyAddress            string `yaml:"company_address"`
	CompanyEmail              string `yaml:"company_email"`
	Locale                    string `yaml:"locale"`
	AuditRetentionDays        int    `yaml:"audit_retention_days"`
	ComplianceIntervalMinutes int    `yaml:"compliance_interval_minutes"`
	ComplianceMaxAttempts     int    `yaml:"compliance_max_attempts"`
	InvoiceDueDays            int    `yaml:"invoice_due_days"`
}

var labConfig = defaultLabConfig()

func defaultLabConfig() LabConfig {
	return LabConfig{
		CompanyName:               "Denlab Dental Laboratory",
		CompanyEmail:              "lab@example.com",
		Locale:                    "en",
		AuditRetentionDays:        3650,
		ComplianceIntervalMinutes: 5,
		ComplianceMaxAttempts:     5,
		InvoiceDueDays:            30,
	}
}

// loadLabConfig reads the lab profile, layering the file over defaults.
// A missing file is not an error.
func loadLabConfig(path string) (LabConfig, error) {
	cfg := defaultLabConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read lab config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse lab config: %w", err)
	}
	return cfg, nil
}
