package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/normanking/athena/internal/logging"
)

// DefaultNetwork is used when no per-widget network is configured.
const DefaultNetwork = "contact_center_systems_architect"

// Transport delivers one task text to a named agent network and returns the
// folded response object.
type Transport interface {
	Send(ctx context.Context, network, text string) (map[string]interface{}, error)
	Name() string
}

// AgentNetworkConfig configures the agent-network provider.
type AgentNetworkConfig struct {
	// Network is the default network name.
	Network string

	// Networks maps widget names to network overrides. Keys are matched
	// case-insensitively.
	Networks map[string]string

	// Timeout bounds one Send.
	Timeout time.Duration
}

// AgentNetworkProvider sends widget tasks to a multi-agent network.
type AgentNetworkProvider struct {
	config    AgentNetworkConfig
	transport Transport
	observer  Observer
	log       *logging.Logger
}

// NewAgentNetworkProvider creates an agent-network provider on top of a transport.
func NewAgentNetworkProvider(cfg AgentNetworkConfig, transport Transport, observer Observer) *AgentNetworkProvider {
	if cfg.Network == "" {
		cfg.Network = DefaultNetwork
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	networks := make(map[string]string, len(cfg.Networks))
	for k, v := range cfg.Networks {
		if v != "" {
			networks[strings.ToLower(k)] = v
		}
	}
	cfg.Networks = networks

	return &AgentNetworkProvider{
		config:    cfg,
		transport: transport,
		observer:  observer,
		log:       logging.WithComponent("llm.agentnet"),
	}
}

// Name returns the provider identifier.
func (p *AgentNetworkProvider) Name() string {
	return ProviderAgentNetwork
}

// Available returns true when a transport is wired.
func (p *AgentNetworkProvider) Available() bool {
	return p.transport != nil
}

// NetworkFor returns the network that serves widget.
func (p *AgentNetworkProvider) NetworkFor(widget string) string {
	if n, ok := p.config.Networks[strings.ToLower(widget)]; ok {
		return n
	}
	return p.config.Network
}

// Invoke sends req.Prompt as the task text and returns the folded response
// object encoded as JSON. Transport failures are returned so the caller can
// fall back to the direct provider.
func (p *AgentNetworkProvider) Invoke(ctx context.Context, req *Request) (string, error) {
	if !p.Available() {
		return "", ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	network := p.NetworkFor(req.Widget)
	start := time.Now()
	data, err := p.transport.Send(ctx, network, req.Prompt)
	if p.observer != nil {
		p.observer(p.Name(), req.Widget, time.Since(start), err)
	}
	if err != nil {
		return "", fmt.Errorf("agent network %s via %s: %w", network, p.transport.Name(), err)
	}
	if data == nil {
		data = map[string]interface{}{}
	}

	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode agent response: %w", err)
	}
	p.log.Debug("network %s answered %s in %s", network, req.Widget, time.Since(start))
	return string(b), nil
}
