package m365

import (
	"context"
	"errors"
	"fmt"
)

// SKU is a subscribed license product of the tenant.
type SKU struct {
	SkuID            string       `json:"skuId"`
	SkuPartNumber    string       `json:"skuPartNumber"`
	CapabilityStatus string       `json:"capabilityStatus,omitempty"`
	ConsumedUnits    int          `json:"consumedUnits"`
	PrepaidUnits     PrepaidUnits `json:"prepaidUnits"`
}

// PrepaidUnits holds the purchased seat counts of a SKU.
type PrepaidUnits struct {
	Enabled   int `json:"enabled"`
	Suspended int `json:"suspended,omitempty"`
	Warning   int `json:"warning,omitempty"`
}

// Counts returns enabled, consumed and remaining seats. Remaining never
// goes below zero.
func (s SKU) Counts() (enabled, consumed, remaining int) {
	enabled, consumed = s.PrepaidUnits.Enabled, s.ConsumedUnits
	remaining = enabled - consumed
	if remaining < 0 {
		remaining = 0
	}
	return enabled, consumed, remaining
}

// User is a directory user.
type User struct {
	ID                string `json:"id,omitempty"`
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
	AccountEnabled    *bool  `json:"accountEnabled,omitempty"`
	UsageLocation     string `json:"usageLocation,omitempty"`
}

// LicenseDetail is one license assigned to a user.
type LicenseDetail struct {
	ID            string `json:"id,omitempty"`
	SkuID         string `json:"skuId"`
	SkuPartNumber string `json:"skuPartNumber"`
}

// Tenant identifies the organization behind a verified domain.
type Tenant struct {
	OrganizationID  string   `json:"organizationId"`
	DisplayName     string   `json:"displayName"`
	VerifiedDomains []string `json:"verifiedDomains,omitempty"`
}

// NewUser is the input of CreateUser.
type NewUser struct {
	UserPrincipalName string
	DisplayName       string
	UsageLocation     string
}

// Tools is the directory administration backend. Every failure, transport
// included, is reported as a *ToolError.
type Tools interface {
	ListSubscribedSkus(ctx context.Context) ([]SKU, error)
	GetUserLicenses(ctx context.Context, userIDOrUPN string) ([]LicenseDetail, error)
	CreateUser(ctx context.Context, u NewUser) (*User, error)
	AssignLicense(ctx context.Context, userIDOrUPN string, addSkuIDs, removeSkuIDs []string) (*User, error)
	DisableUser(ctx context.Context, userIDOrUPN string) error
	DeleteUser(ctx context.Context, userIDOrUPN string) error
	UpdateUser(ctx context.Context, userIDOrUPN string, patch map[string]interface{}) error
	FindUsersByDisplayNamePrefix(ctx context.Context, prefix string) ([]User, error)
	DiscoverTenant(ctx context.Context, domain string) (*Tenant, error)
}

// ToolError is the uniform failure of a Tools operation.
type ToolError struct {
	Tool    string                 `json:"tool"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Tool, e.Message)
}

// Code is the wire code of every tool failure.
func (e *ToolError) Code() string {
	return "TOOL_ERROR"
}

func toolErr(tool string, err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Tool: tool, Message: err.Error()}
}
