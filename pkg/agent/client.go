package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/types"
)

// DefaultPushTimeout bounds a direct command push to a node agent.
const DefaultPushTimeout = 10 * time.Second

// attestationGuestPort is the fixed in-guest attestation listener the
// agent proxies to.
const attestationGuestPort = 9999

// Caller abstracts the node-agent HTTP surface so handlers and the
// attestation engine can be tested against fakes.
type Caller interface {
	PushCommand(ctx context.Context, node *types.Node, cmd *types.NodeCommand) error
	SendChallenge(ctx context.Context, node *types.Node, vmID string, challenge *types.AttestationChallenge, timeout time.Duration) (*types.AttestationResponse, time.Duration, error)
}

// Client talks to node agents over plain HTTP/JSON.
type Client struct {
	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates an agent client
func NewClient() *Client {
	return &Client{
		http:   &http.Client{Timeout: DefaultPushTimeout},
		logger: log.WithComponent("agent-client"),
	}
}

func agentURL(node *types.Node, path string) string {
	return fmt.Sprintf("http://%s:%d%s", node.PublicIP, node.AgentPort, path)
}

// PushCommand delivers a command directly to the agent, outside the
// heartbeat pull. Pull remains authoritative; push is an optimisation.
func (c *Client) PushCommand(ctx context.Context, node *types.Node, cmd *types.NodeCommand) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL(node, "/api/commands"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("push to node %s failed: %w", node.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push to node %s failed: status %d", node.ID, resp.StatusCode)
	}
	return nil
}

// SendChallenge posts an attestation challenge to the VM's in-guest
// endpoint through the agent proxy and measures the wall-clock round
// trip. The timeout is per-challenge and adaptive, decided by the
// caller.
func (c *Client) SendChallenge(ctx context.Context, node *types.Node, vmID string, challenge *types.AttestationChallenge, timeout time.Duration) (*types.AttestationResponse, time.Duration, error) {
	body, err := json.Marshal(challenge)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode challenge: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := fmt.Sprintf("/api/vms/%s/proxy/http/%d/challenge", vmID, attestationGuestPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL(node, path), bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	rtt := time.Since(start)
	if err != nil {
		return nil, rtt, fmt.Errorf("challenge to vm %s failed: %w", vmID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, rtt, fmt.Errorf("challenge to vm %s failed: status %d", vmID, resp.StatusCode)
	}

	var out types.AttestationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, rtt, fmt.Errorf("malformed challenge response from vm %s: %w", vmID, err)
	}
	return &out, rtt, nil
}
