// Package models defines the core domain models for task scheduling and workflow execution.
package models

// Tier is the billing tier of an organization. Tier only matters to the
// claim ordering here; enforcement of tier limits lives with the accounts
// service.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Organization is the read-model of an account as consumed from the
// accounts service. MonthlyLimit and MaxConcurrentExecutions are capacity
// numbers computed elsewhere; this service only checks against them.
type Organization struct {
	ID                      string `json:"id"                        validate:"required"`
	Name                    string `json:"name"`
	Tier                    Tier   `json:"tier"                      validate:"required,oneof=free paid"`
	MonthlyLimit            int    `json:"monthly_limit"`
	MaxConcurrentExecutions int    `json:"max_concurrent_executions"`
	WebhookSecret           string `json:"-"`
}

// Queue is a named serial-execution lane within an organization. At most
// one execution of a queue may be running at a time, and a paused queue is
// skipped by the claimer entirely.
type Queue struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	Name           string `json:"name"            validate:"required,min=1"`
	Paused         bool   `json:"paused"`
}
