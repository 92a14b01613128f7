package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kukuri-dev/kukuri-node/internal/httpkit"
)

// bootstrapResponse is the peer-hint document served by a bootstrap
// address: a flat list of peer hints applied to every topic this node
// has currently joined. The wire shape is deliberately minimal since
// spec §6 only names the address/refresh env vars, not a protocol.
type bootstrapResponse struct {
	Peers []string `json:"peers"`
}

// BootstrapTicker periodically fetches a peer-hint list from a
// bootstrap address and merges it into every topic the node has
// joined, refreshing the mesh's view of reachable peers (spec §6:
// `BOOTSTRAP_ADDR`/`BOOTSTRAP_REFRESH_SECONDS`). Grounded on the
// teacher's scheduler ticker shape and httpkit's shared HTTP client.
type BootstrapTicker struct {
	node   *Node
	client *http.Client
	addr   string
	log    *slog.Logger
}

// NewBootstrapTicker builds a ticker that polls addr for peer hints.
func NewBootstrapTicker(node *Node, addr string, log *slog.Logger) *BootstrapTicker {
	if log == nil {
		log = slog.Default()
	}
	return &BootstrapTicker{
		node:   node,
		client: httpkit.NewClient(httpkit.WithTimeout(10 * time.Second)),
		addr:   addr,
		log:    log,
	}
}

// Run polls immediately, then every interval, until ctx is canceled.
func (b *BootstrapTicker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	b.pollOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pollOnce(ctx)
		}
	}
}

func (b *BootstrapTicker) pollOnce(ctx context.Context) {
	peers, err := b.fetch(ctx)
	if err != nil {
		b.log.Warn("gossip: bootstrap fetch failed", "addr", b.addr, "error", err)
		return
	}
	if len(peers) == 0 {
		return
	}
	for _, topicID := range b.node.GetJoinedTopics() {
		if err := b.node.JoinTopic(topicID, peers); err != nil {
			b.log.Warn("gossip: bootstrap hint merge failed", "topic_id", topicID, "error", err)
		}
	}
}

func (b *BootstrapTicker) fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.addr, nil)
	if err != nil {
		return nil, fmt.Errorf("gossip: build bootstrap request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gossip: bootstrap request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gossip: bootstrap address returned %d", resp.StatusCode)
	}
	var body bootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("gossip: decode bootstrap response: %w", err)
	}
	return body.Peers, nil
}
