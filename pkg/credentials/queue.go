package credentials

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rendergrid/workeragent/pkg/apiclient"
	"github.com/rendergrid/workeragent/pkg/credentials/credfile"
	"github.com/rendergrid/workeragent/pkg/metrics"
	"github.com/rendergrid/workeragent/pkg/types"
)

// queueEntry tracks one queue's credentials and how many active Sessions
// currently reference them.
type queueEntry struct {
	refcount int
	creds    types.QueueCredentials
	paths    credfile.Paths
	timer    *time.Timer
	cancel   context.CancelFunc
}

// QueueCredentialManager holds per-queue credentials, refcounted by active
// Sessions (spec §4.2). A queue's credentials are obtained when the first
// Session for it starts and purged when the last Session for it ends.
type QueueCredentialManager struct {
	client   apiclient.ServiceClient
	farmID   string
	fleetID  string
	workerID string
	baseDir  string
	logger   zerolog.Logger

	mu      sync.Mutex
	entries map[string]*queueEntry
}

// NewQueueCredentialManager constructs a manager rooted at baseDir, which
// holds one subdirectory per queue.
func NewQueueCredentialManager(client apiclient.ServiceClient, farmID, fleetID, workerID, baseDir string, logger zerolog.Logger) *QueueCredentialManager {
	return &QueueCredentialManager{
		client:   client,
		farmID:   farmID,
		fleetID:  fleetID,
		workerID: workerID,
		baseDir:  baseDir,
		logger:   logger,
		entries:  make(map[string]*queueEntry),
	}
}

// Acquire increments the queue's refcount, obtaining credentials and
// provisioning its on-disk artifacts if this is the first active Session
// for the queue. Returns the paths a subprocess needs to read the
// credentials via AWS_CONFIG_FILE/AWS_SHARED_CREDENTIALS_FILE.
func (m *QueueCredentialManager) Acquire(ctx context.Context, queueID string) (credfile.Paths, error) {
	m.mu.Lock()
	entry, ok := m.entries[queueID]
	if ok {
		entry.refcount++
		paths := entry.paths
		m.mu.Unlock()
		return paths, nil
	}
	m.mu.Unlock()

	out, err := m.client.AssumeQueueRoleForWorker(ctx, apiclient.AssumeQueueRoleForWorkerInput{
		Source:   apiclient.CredentialSourceAgent,
		FarmID:   m.farmID,
		FleetID:  m.fleetID,
		WorkerID: m.workerID,
		QueueID:  queueID,
	})
	if err != nil {
		return credfile.Paths{}, err
	}
	if out.Credentials == nil {
		return credfile.Paths{}, fmt.Errorf("queue %s granted no queue role", queueID)
	}

	paths := credfile.NewPaths(filepath.Join(m.baseDir, queueID))
	if err := paths.EnsureProvisioned(queueID); err != nil {
		return credfile.Paths{}, err
	}
	if err := credfile.WriteCredentialsJSON(paths.JSONPath, credfile.FromAWSCredentials(out.Credentials.Credentials)); err != nil {
		return credfile.Paths{}, err
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	entry = &queueEntry{
		refcount: 1,
		creds:    *out.Credentials,
		paths:    paths,
		cancel:   cancel,
	}

	m.mu.Lock()
	m.entries[queueID] = entry
	m.mu.Unlock()

	go m.refreshLoop(refreshCtx, queueID)

	return paths, nil
}

// Release decrements the queue's refcount. When it reaches zero the
// credentials are purged from memory and the on-disk artifacts removed.
func (m *QueueCredentialManager) Release(queueID string) {
	m.mu.Lock()
	entry, ok := m.entries[queueID]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.refcount--
	if entry.refcount > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.entries, queueID)
	m.mu.Unlock()

	entry.cancel()
	if err := entry.paths.RemoveAll(); err != nil {
		m.logger.Error().Err(err).Str("queue_id", queueID).Msg("failed to remove queue credentials artifacts")
	}
}

func (m *QueueCredentialManager) refreshLoop(ctx context.Context, queueID string) {
	for {
		m.mu.Lock()
		entry, ok := m.entries[queueID]
		m.mu.Unlock()
		if !ok {
			return
		}

		delay := refreshDelay(entry.creds.Credentials.Expires)
		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.refresh(ctx, queueID)
		}
	}
}

func (m *QueueCredentialManager) refresh(ctx context.Context, queueID string) {
	timer := metrics.NewTimer()
	out, err := m.client.AssumeQueueRoleForWorker(ctx, apiclient.AssumeQueueRoleForWorkerInput{
		Source:   apiclient.CredentialSourceAgent,
		FarmID:   m.farmID,
		FleetID:  m.fleetID,
		WorkerID: m.workerID,
		QueueID:  queueID,
	})
	if err != nil {
		// A retry-exhausted failure here does not crash the agent; the
		// stale on-disk credentials remain until a subsequent Session
		// Action for this queue fails and surfaces the problem (§4.2).
		metrics.CredentialRefreshFailuresTotal.WithLabelValues("queue").Inc()
		m.logger.Error().Err(err).Str("queue_id", queueID).Msg("queue credential refresh failed")
		return
	}
	if out.Credentials == nil {
		metrics.CredentialRefreshFailuresTotal.WithLabelValues("queue").Inc()
		m.logger.Error().Str("queue_id", queueID).Msg("queue credential refresh returned no credentials")
		return
	}
	timer.ObserveDurationVec(metrics.CredentialRefreshDuration, "queue")

	m.mu.Lock()
	entry, ok := m.entries[queueID]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.creds = *out.Credentials
	paths := entry.paths
	m.mu.Unlock()

	if err := credfile.WriteCredentialsJSON(paths.JSONPath, credfile.FromAWSCredentials(out.Credentials.Credentials)); err != nil {
		m.logger.Error().Err(err).Str("queue_id", queueID).Msg("failed to write refreshed queue credentials")
	}
}

// Snapshot returns the queue's current credentials, or nil if the queue
// has no active Sessions.
func (m *QueueCredentialManager) Snapshot(queueID string) *types.QueueCredentials {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[queueID]
	if !ok {
		return nil
	}
	creds := entry.creds
	return &creds
}
