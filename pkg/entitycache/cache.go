package entitycache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rendergrid/workeragent/pkg/apiclient"
	"github.com/rendergrid/workeragent/pkg/metrics"
	"github.com/rendergrid/workeragent/pkg/types"
)

// ErrTornDown is returned by Get once the Cache has been torn down.
var ErrTornDown = errors.New("entitycache: torn down")

// DefaultDebounce is how long the batching goroutine waits after the
// first queued request before issuing a BatchGetJobEntity call, giving
// near-simultaneous requests from the same Session a chance to join one
// batch.
const DefaultDebounce = 50 * time.Millisecond

type entityResult struct {
	data []byte
	err  error
}

// Cache is a memoized view over BatchGetJobEntity. Results are immutable
// once written and keyed by EntityRef, which carries the SessionID, so one
// Cache can serve several Sessions without mixing their entries.
// cmd/workeragent builds one Cache for the whole worker; entries are not
// removed when a single Session tears down, only when the Cache is
// stopped.
type Cache struct {
	client   apiclient.ServiceClient
	farmID   string
	fleetID  string
	workerID string
	debounce time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	results map[types.EntityRef]entityResult
	waiters map[types.EntityRef][]chan struct{}
	pending map[types.EntityRef]bool

	requestCh chan types.EntityRef
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
}

// New constructs a Cache.
func New(client apiclient.ServiceClient, farmID, fleetID, workerID string, logger zerolog.Logger) *Cache {
	return &Cache{
		client:    client,
		farmID:    farmID,
		fleetID:   fleetID,
		workerID:  workerID,
		debounce:  DefaultDebounce,
		logger:    logger,
		results:   make(map[types.EntityRef]entityResult),
		waiters:   make(map[types.EntityRef][]chan struct{}),
		pending:   make(map[types.EntityRef]bool),
		requestCh: make(chan types.EntityRef, 64),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the batching goroutine.
func (c *Cache) Start() {
	go c.run()
}

// Stop tears the Cache down, releasing every pending Get with
// ErrTornDown. Memoized results are discarded (spec §3, "Cleared when the
// Session is torn down").
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
	c.mu.Lock()
	c.results = make(map[types.EntityRef]entityResult)
	c.mu.Unlock()
}

// Get blocks until ref is resolved, the context is canceled, or the Cache
// is torn down.
func (c *Cache) Get(ctx context.Context, ref types.EntityRef) ([]byte, error) {
	c.mu.Lock()
	if res, ok := c.results[ref]; ok {
		c.mu.Unlock()
		return res.data, res.err
	}

	wait := make(chan struct{})
	c.waiters[ref] = append(c.waiters[ref], wait)
	needsDispatch := !c.pending[ref]
	if needsDispatch {
		c.pending[ref] = true
	}
	c.mu.Unlock()

	if needsDispatch {
		select {
		case c.requestCh <- ref:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.stopCh:
			return nil, ErrTornDown
		}
	}

	select {
	case <-wait:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopCh:
		return nil, ErrTornDown
	}

	c.mu.Lock()
	res := c.results[ref]
	c.mu.Unlock()
	return res.data, res.err
}

func (c *Cache) run() {
	defer close(c.doneCh)

	var batch []types.EntityRef
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	timerActive := false

	for {
		select {
		case ref := <-c.requestCh:
			batch = append(batch, ref)
			if !timerActive {
				timer.Reset(c.debounce)
				timerActive = true
			}
		case <-timer.C:
			timerActive = false
			if len(batch) == 0 {
				continue
			}
			toSend := batch
			batch = nil
			c.dispatch(toSend)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) dispatch(refs []types.EntityRef) {
	batchID := uuid.NewString()
	metrics.EntityBatchSize.Observe(float64(len(refs)))
	c.logger.Debug().Str("batch_id", batchID).Int("count", len(refs)).Msg("dispatching entity batch")

	out, err := c.client.BatchGetJobEntity(context.Background(), apiclient.BatchGetJobEntityInput{
		Source:   apiclient.CredentialSourceAgent,
		FarmID:   c.farmID,
		FleetID:  c.fleetID,
		WorkerID: c.workerID,
		Refs:     refs,
	})
	if err != nil {
		c.logger.Warn().Str("batch_id", batchID).Err(err).Msg("entity batch failed")
		for _, ref := range refs {
			c.resolve(ref, entityResult{err: err})
		}
		return
	}

	var requeue []types.EntityRef
	for _, r := range out.Results {
		switch {
		case r.MaxPayloadSizeExceeded:
			requeue = append(requeue, r.Ref)
		case r.Err != nil:
			c.resolve(r.Ref, entityResult{err: r.Err})
		default:
			c.resolve(r.Ref, entityResult{data: r.Data})
		}
	}

	if len(requeue) > 0 {
		metrics.EntityRequeuedTotal.Add(float64(len(requeue)))
	}
	for _, ref := range requeue {
		c.mu.Lock()
		c.pending[ref] = false
		c.mu.Unlock()
		select {
		case c.requestCh <- ref:
		case <-c.stopCh:
		}
	}
}

func (c *Cache) resolve(ref types.EntityRef, res entityResult) {
	c.mu.Lock()
	c.results[ref] = res
	waiters := c.waiters[ref]
	delete(c.waiters, ref)
	delete(c.pending, ref)
	c.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}
