package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistoryRender(t *testing.T) {
	h := History{
		{Role: RoleCustomer, Content: "My broadband is down"},
		{Role: RoleAgent, Content: "Let me check"},
	}
	assert.Equal(t, "CUSTOMER: My broadband is down\nAGENT: Let me check", h.Render())
	assert.Equal(t, "My broadband is down\nLet me check", h.Text())
	assert.Equal(t, "", History{}.Render())
}

func TestHistoryLastCustomer(t *testing.T) {
	h := History{
		{Role: RoleCustomer, Content: " first "},
		{Role: RoleAgent, Content: "reply"},
		{Role: "Customer", Content: " second "},
		{Role: RoleAgent, Content: "reply"},
	}
	assert.Equal(t, "second", h.LastCustomer())
	assert.Equal(t, "", History{{Role: RoleAgent, Content: "x"}}.LastCustomer())
}

func TestHistoryTail(t *testing.T) {
	h := History{{Content: "1"}, {Content: "2"}, {Content: "3"}}
	assert.Equal(t, History{{Content: "2"}, {Content: "3"}}, h.Tail(2))
	assert.Len(t, h.Tail(10), 3)
	assert.Empty(t, h.Tail(0))
}

func TestExtractIdentifiers(t *testing.T) {
	text := "Please add a new user: Anushka Sen (anushkas@contoso.onmicrosoft.com) today"
	assert.Equal(t, "anushkas@contoso.onmicrosoft.com", ExtractUPN(text))
	assert.Equal(t, "Anushka Sen", ExtractDisplayName(text))

	assert.Equal(t, "Jo Bloggs", ExtractDisplayName("Jo Bloggs (jo@example.com"))
	assert.Equal(t, "", ExtractDisplayName("email jo@example.com"))
	assert.Equal(t, "", ExtractUPN("no address here"))
}
