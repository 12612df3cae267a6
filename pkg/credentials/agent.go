package credentials

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rendergrid/workeragent/pkg/apiclient"
	"github.com/rendergrid/workeragent/pkg/metrics"
	"github.com/rendergrid/workeragent/pkg/types"
)

const (
	agentRefreshLeadTime = 15 * time.Minute
	minRefreshInterval   = 30 * time.Second
)

// AgentCredentialManager owns the worker's own fleet-scoped credentials
// (spec §4.2). Exactly one instance exists per worker. Snapshot is
// non-blocking; the refresh call itself never holds a lock.
type AgentCredentialManager struct {
	client   apiclient.ServiceClient
	farmID   string
	fleetID  string
	workerID string
	logger   zerolog.Logger

	current atomic.Pointer[types.AgentCredentials]
}

// NewAgentCredentialManager constructs a manager for the given worker.
func NewAgentCredentialManager(client apiclient.ServiceClient, farmID, fleetID, workerID string, logger zerolog.Logger) *AgentCredentialManager {
	return &AgentCredentialManager{
		client:   client,
		farmID:   farmID,
		fleetID:  fleetID,
		workerID: workerID,
		logger:   logger,
	}
}

// Snapshot returns the current credentials, or nil before Bootstrap has
// succeeded. Safe to call from any goroutine without blocking.
func (m *AgentCredentialManager) Snapshot() *types.AgentCredentials {
	return m.current.Load()
}

// Bootstrap obtains the first set of agent credentials using bootstrap
// credentials. It must be called once, before Run.
func (m *AgentCredentialManager) Bootstrap(ctx context.Context) error {
	creds, err := m.client.AssumeFleetRoleForWorker(ctx, apiclient.AssumeFleetRoleForWorkerInput{
		Source:   apiclient.CredentialSourceBootstrap,
		FarmID:   m.farmID,
		FleetID:  m.fleetID,
		WorkerID: m.workerID,
	})
	if err != nil {
		return err
	}
	m.current.Store(creds)
	return nil
}

// Run drives the refresh timer until ctx is canceled. It must be started
// only after a successful Bootstrap.
func (m *AgentCredentialManager) Run(ctx context.Context) {
	for {
		creds := m.current.Load()
		if creds == nil {
			return
		}

		delay := refreshDelay(creds.Credentials.Expires)
		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.refresh(ctx)
		}
	}
}

// refreshDelay computes expiry-15m clamped to >=30s from now (spec §4.2).
func refreshDelay(expiry time.Time) time.Duration {
	d := time.Until(expiry) - agentRefreshLeadTime
	if d < minRefreshInterval {
		d = minRefreshInterval
	}
	return d
}

func (m *AgentCredentialManager) refresh(ctx context.Context) {
	timer := metrics.NewTimer()
	current := m.current.Load()

	source := apiclient.CredentialSourceAgent
	if current == nil || current.Expired(time.Now()) {
		// Current credentials have already expired; the only thing left
		// to sign this call with is bootstrap.
		source = apiclient.CredentialSourceBootstrap
	}

	newCreds, err := m.client.AssumeFleetRoleForWorker(ctx, apiclient.AssumeFleetRoleForWorkerInput{
		Source:   source,
		FarmID:   m.farmID,
		FleetID:  m.fleetID,
		WorkerID: m.workerID,
	})
	if err != nil {
		metrics.CredentialRefreshFailuresTotal.WithLabelValues("agent").Inc()
		m.handleRefreshError(err)
		return
	}
	timer.ObserveDurationVec(metrics.CredentialRefreshDuration, "agent")

	m.current.Store(newCreds)
}

func (m *AgentCredentialManager) handleRefreshError(err error) {
	apiErr, ok := err.(*apiclient.Error)
	if !ok {
		m.logger.Error().Err(err).Msg("agent credential refresh failed")
		return
	}

	if apiErr.Kind == apiclient.ErrorKindConflict && apiErr.ResourceID == m.workerID {
		// IMDS-style credentials leaking into the response. Keep using
		// the cached credentials; never fall back to bootstrap once an
		// online agent already holds credentials (spec §4.2).
		m.logger.Warn().Msg("agent credential refresh saw a conflict on the worker resource; retrying with cached credentials")
		return
	}

	m.logger.Error().Err(err).Str("kind", string(apiErr.Kind)).Msg("agent credential refresh failed")
}
