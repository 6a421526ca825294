package m365

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/normanking/athena/internal/logging"
)

// DefaultGraphBaseURL is the public Microsoft Graph v1.0 endpoint.
const DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

// maxGraphBody bounds how much of a Graph response is read.
const maxGraphBody = 4 * 1024 * 1024

// GraphConfig configures GraphTools.
type GraphConfig struct {
	BaseURL      string
	Token        string
	TenantDomain string
	Timeout      time.Duration
}

// GraphTools implements Tools against a Microsoft Graph compatible REST API
// using a static bearer token.
type GraphTools struct {
	cfg    GraphConfig
	client *http.Client
	log    *logging.Logger
}

// NewGraphTools creates a Graph backend. client may be nil.
func NewGraphTools(cfg GraphConfig, client *http.Client) *GraphTools {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGraphBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &GraphTools{cfg: cfg, client: client, log: logging.WithComponent("graph")}
}

type graphList[T any] struct {
	Value []T `json:"value"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *GraphTools) do(ctx context.Context, tool, method, path string, body, out interface{}) error {
	if g.cfg.Token == "" {
		return &ToolError{Tool: tool, Message: "graph token not configured"}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &ToolError{Tool: tool, Message: fmt.Sprintf("encode request: %v", err)}
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return &ToolError{Tool: tool, Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return &ToolError{Tool: tool, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxGraphBody))
	if err != nil {
		return &ToolError{Tool: tool, Message: fmt.Sprintf("read response: %v", err)}
	}
	g.log.Debug("%s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 300 {
		te := &ToolError{
			Tool:    tool,
			Message: fmt.Sprintf("graph returned %d", resp.StatusCode),
			Details: map[string]interface{}{"status": resp.StatusCode},
		}
		var ge graphError
		if json.Unmarshal(data, &ge) == nil && ge.Error.Message != "" {
			te.Message = ge.Error.Message
			te.Details["code"] = ge.Error.Code
		}
		return te
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ToolError{Tool: tool, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

func userPath(userIDOrUPN string) (string, error) {
	id := strings.TrimSpace(userIDOrUPN)
	if id == "" {
		return "", fmt.Errorf("userIdOrUpn is required")
	}
	return "/users/" + url.PathEscape(id), nil
}

// ListSubscribedSkus returns the tenant's subscribed SKUs.
func (g *GraphTools) ListSubscribedSkus(ctx context.Context) ([]SKU, error) {
	var out graphList[SKU]
	if err := g.do(ctx, "graph.listSubscribedSkus", http.MethodGet, "/subscribedSkus", nil, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// GetUserLicenses returns the licenses assigned to a user.
func (g *GraphTools) GetUserLicenses(ctx context.Context, userIDOrUPN string) ([]LicenseDetail, error) {
	const tool = "graph.getUserLicenses"
	p, err := userPath(userIDOrUPN)
	if err != nil {
		return nil, toolErr(tool, err)
	}
	var out graphList[LicenseDetail]
	if err := g.do(ctx, tool, http.MethodGet, p+"/licenseDetails", nil, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// CreateUser creates an enabled user with a generated temporary password
// that must be changed at first sign-in.
func (g *GraphTools) CreateUser(ctx context.Context, u NewUser) (*User, error) {
	const tool = "graph.createUser"
	upn := strings.TrimSpace(u.UserPrincipalName)
	name := strings.TrimSpace(u.DisplayName)
	loc := strings.ToUpper(strings.TrimSpace(u.UsageLocation))
	switch {
	case upn == "":
		return nil, &ToolError{Tool: tool, Message: "userPrincipalName is required"}
	case name == "":
		return nil, &ToolError{Tool: tool, Message: "displayName is required"}
	case loc == "":
		return nil, &ToolError{Tool: tool, Message: "usageLocation is required"}
	}

	password, err := tempPassword()
	if err != nil {
		return nil, toolErr(tool, err)
	}
	body := map[string]interface{}{
		"accountEnabled":    true,
		"displayName":       name,
		"mailNickname":      strings.SplitN(upn, "@", 2)[0],
		"userPrincipalName": upn,
		"usageLocation":     loc,
		"passwordProfile": map[string]interface{}{
			"password":                      password,
			"forceChangePasswordNextSignIn": true,
		},
	}
	var out User
	if err := g.do(ctx, tool, http.MethodPost, "/users", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AssignLicense adds and removes licenses for a user.
func (g *GraphTools) AssignLicense(ctx context.Context, userIDOrUPN string, addSkuIDs, removeSkuIDs []string) (*User, error) {
	const tool = "graph.assignLicense"
	p, err := userPath(userIDOrUPN)
	if err != nil {
		return nil, toolErr(tool, err)
	}
	add := make([]map[string]string, 0, len(addSkuIDs))
	for _, id := range addSkuIDs {
		add = append(add, map[string]string{"skuId": id})
	}
	if removeSkuIDs == nil {
		removeSkuIDs = []string{}
	}
	var out User
	body := map[string]interface{}{"addLicenses": add, "removeLicenses": removeSkuIDs}
	if err := g.do(ctx, tool, http.MethodPost, p+"/assignLicense", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DisableUser blocks sign-in for a user.
func (g *GraphTools) DisableUser(ctx context.Context, userIDOrUPN string) error {
	return g.patchUser(ctx, "graph.disableUser", userIDOrUPN, map[string]interface{}{"accountEnabled": false})
}

// UpdateUser patches user properties.
func (g *GraphTools) UpdateUser(ctx context.Context, userIDOrUPN string, patch map[string]interface{}) error {
	if len(patch) == 0 {
		return &ToolError{Tool: "graph.updateUser", Message: "patch object is required"}
	}
	return g.patchUser(ctx, "graph.updateUser", userIDOrUPN, patch)
}

func (g *GraphTools) patchUser(ctx context.Context, tool, userIDOrUPN string, patch map[string]interface{}) error {
	p, err := userPath(userIDOrUPN)
	if err != nil {
		return toolErr(tool, err)
	}
	return g.do(ctx, tool, http.MethodPatch, p, patch, nil)
}

// DeleteUser removes a user.
func (g *GraphTools) DeleteUser(ctx context.Context, userIDOrUPN string) error {
	const tool = "graph.deleteUser"
	p, err := userPath(userIDOrUPN)
	if err != nil {
		return toolErr(tool, err)
	}
	return g.do(ctx, tool, http.MethodDelete, p, nil, nil)
}

// FindUsersByDisplayNamePrefix lists users whose display name starts with
// prefix.
func (g *GraphTools) FindUsersByDisplayNamePrefix(ctx context.Context, prefix string) ([]User, error) {
	const tool = "graph.findUsers"
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, &ToolError{Tool: tool, Message: "display name is required"}
	}
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("startswith(displayName,'%s')", strings.ReplaceAll(prefix, "'", "''")))
	q.Set("$select", "id,displayName,userPrincipalName,accountEnabled")
	q.Set("$top", "25")

	var out graphList[User]
	if err := g.do(ctx, tool, http.MethodGet, "/users?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// DiscoverTenant returns the organization behind the configured token. The
// domain is echoed for logging only; a static token is already tenant
// scoped.
func (g *GraphTools) DiscoverTenant(ctx context.Context, domain string) (*Tenant, error) {
	const tool = "graph.discoverTenant"
	if domain == "" {
		domain = g.cfg.TenantDomain
	}
	g.log.Debug("discovering tenant for %q", domain)

	var out graphList[struct {
		ID              string `json:"id"`
		DisplayName     string `json:"displayName"`
		VerifiedDomains []struct {
			Name string `json:"name"`
		} `json:"verifiedDomains"`
	}]
	if err := g.do(ctx, tool, http.MethodGet, "/organization?$select=id,displayName,verifiedDomains", nil, &out); err != nil {
		return nil, err
	}
	if len(out.Value) == 0 {
		return nil, &ToolError{Tool: tool, Message: "no organization returned"}
	}
	org := out.Value[0]
	t := &Tenant{OrganizationID: org.ID, DisplayName: org.DisplayName}
	for _, d := range org.VerifiedDomains {
		t.VerifiedDomains = append(t.VerifiedDomains, d.Name)
	}
	return t, nil
}

func tempPassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	s := base64.RawURLEncoding.EncodeToString(b)
	s = strings.Map(func(r rune) rune {
		if r == '-' || r == '_' {
			return 'A'
		}
		return r
	}, s)
	return s[:16] + "1!", nil
}
