package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bardlex/poolacct/pkg/log"
)

const (
	onlineWorkersTTL = 8 * time.Minute
	stratumCountTTL  = 20 * time.Minute
)

// OnlineWorker is one connected worker reported by a front-end endpoint.
type OnlineWorker struct {
	Worker   string
	Endpoint int
}

// EndpointCache stores the polled front-end state for the display layer.
type EndpointCache interface {
	SetOnlineWorkers(ctx context.Context, byUser map[string][]OnlineWorker, ttl time.Duration) error
	SetStratumCount(ctx context.Context, endpoint int, count int64, ttl time.Duration) error
	SetTotalWorkers(ctx context.Context, total int64, ttl time.Duration) error
}

// Poller periodically scrapes the pool front end's monitoring endpoints.
// Each endpoint failure is contained to that endpoint.
type Poller struct {
	endpoints []string
	cache     EndpointCache
	client    *http.Client
	logger    *log.Logger
}

// NewPoller creates an endpoint poller over the given monitor base URLs.
func NewPoller(endpoints []string, cache EndpointCache, logger *log.Logger) *Poller {
	return &Poller{
		endpoints: endpoints,
		cache:     cache,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger.WithComponent("poller"),
	}
}

type clientsResponse struct {
	Clients map[string][]struct {
		Worker string `json:"worker"`
	} `json:"clients"`
}

type statusResponse struct {
	StratumClients int64 `json:"stratum_clients"`
}

// PollOnlineWorkers fetches the connected-worker list from every endpoint
// and caches the merged per-user view.
func (p *Poller) PollOnlineWorkers(ctx context.Context) error {
	byUser := make(map[string][]OnlineWorker)

	for i, base := range p.endpoints {
		var resp clientsResponse
		if err := p.getJSON(ctx, base+"/clients", &resp); err != nil {
			p.logger.WithError(err).Warn("unable to gather worker summary", "endpoint", base)
			continue
		}
		for user, workers := range resp.Clients {
			for _, w := range workers {
				byUser[user] = append(byUser[user], OnlineWorker{Worker: w.Worker, Endpoint: i})
			}
		}
	}

	return p.cache.SetOnlineWorkers(ctx, byUser, onlineWorkersTTL)
}

// PollServerStatus fetches connection counts from every endpoint and caches
// both the per-endpoint and pool-wide totals.
func (p *Poller) PollServerStatus(ctx context.Context) error {
	var total int64

	for i, base := range p.endpoints {
		var resp statusResponse
		if err := p.getJSON(ctx, base, &resp); err != nil {
			p.logger.WithError(err).Warn("unable to reach monitor endpoint", "endpoint", base)
			continue
		}
		if err := p.cache.SetStratumCount(ctx, i, resp.StratumClients, stratumCountTTL); err != nil {
			return err
		}
		total += resp.StratumClients
	}

	return p.cache.SetTotalWorkers(ctx, total, stratumCountTTL)
}

func (p *Poller) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
