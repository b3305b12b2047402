package main

import (
	"github.com/liamcoop/automations/automation"
)

// API request and response models

// RulesListResponse is the selector view of an organization's rules
type RulesListResponse struct {
	OrganizationID string                       `json:"organizationId"`
	ProjectID      string                       `json:"projectId,omitempty"`
	Rules          []*automation.AutomationRule `json:"rules"`
} // @name RulesListResponse

// ValidateRuleResponse reports whether a rule definition is acceptable
type ValidateRuleResponse struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
} // @name ValidateRuleResponse

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"invalid request body"`
	Details string `json:"details,omitempty"`
} // @name ErrorResponse

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status" example:"healthy"`
	Error  string `json:"error,omitempty"`
} // @name HealthResponse
