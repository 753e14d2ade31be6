// Package poller owns the known-device set and drives the poll cycle:
// bounded-concurrency fan-out over every pollable device, per-device
// failure bookkeeping, and atomic publication of the results as a
// snapshot. One device's failure never delays or fails another's poll.
package poller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/edgewatt/plugmon/internal/device"
	"github.com/edgewatt/plugmon/internal/models"
	"github.com/edgewatt/plugmon/internal/snapshot"
)

// Querier polls one device address. Implemented by device.Client.
type Querier interface {
	Query(ctx context.Context, addr, hardwareVersion string) (models.Reading, error)
}

// Discoverer performs one local-network discovery pass.
type Discoverer interface {
	Discover(ctx context.Context) ([]models.Candidate, error)
}

// Directory is an external source of known devices, e.g. the vendor cloud
// account. Its failures are contained; prior known devices stay pollable.
type Directory interface {
	Devices(ctx context.Context) ([]models.Candidate, error)
}

type Config struct {
	// Concurrency bounds in-flight device queries per cycle.
	Concurrency int

	// RateLimit/RateLimitBurst throttle query launches so a large device
	// set does not flood the local network.
	RateLimit      float64
	RateLimitBurst int

	// UnreachableThreshold is the consecutive-failure count that marks a
	// device Unreachable. One success marks it Reachable again.
	UnreachableThreshold int

	// StaleAfter drops a device's reading from the snapshot once its last
	// success is this old, even below the failure threshold.
	StaleAfter time.Duration

	// RemoveAfterScans removes a device absent from every source for this
	// many consecutive discovery passes.
	RemoveAfterScans int

	// ErrorHistorySize bounds the retained last-error-per-device cache.
	ErrorHistorySize int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 64
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = c.Concurrency
	}
	if c.UnreachableThreshold <= 0 {
		c.UnreachableThreshold = 3
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.RemoveAfterScans <= 0 {
		c.RemoveAfterScans = 3
	}
	if c.ErrorHistorySize <= 0 {
		c.ErrorHistorySize = 256
	}

	return c
}

// Poller is the orchestrator. The registry is owned here exclusively; the
// lock is never held across network I/O.
type Poller struct {
	cfg        Config
	querier    Querier
	discoverer Discoverer
	directory  Directory // nil when no directory is configured
	store      *snapshot.Store
	limiter    *rate.Limiter
	metrics    *Metrics
	logger     *logrus.Logger

	mu         sync.Mutex
	devices    map[string]*models.DeviceRecord
	lastGood   map[string]models.Reading
	lastErrors *lru.Cache
}

func New(
	cfg Config,
	querier Querier,
	discoverer Discoverer,
	directory Directory,
	store *snapshot.Store,
	metrics *Metrics,
	logger *logrus.Logger,
) (*Poller, error) {
	cfg = cfg.withDefaults()

	errCache, err := lru.New(cfg.ErrorHistorySize)
	if err != nil {
		return nil, err
	}

	return &Poller{
		cfg:        cfg,
		querier:    querier,
		discoverer: discoverer,
		directory:  directory,
		store:      store,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		metrics:    metrics,
		logger:     logger,
		devices:    map[string]*models.DeviceRecord{},
		lastGood:   map[string]models.Reading{},
		lastErrors: errCache,
	}, nil
}

// RefreshSources runs one discovery pass plus one directory fetch and
// merges the results into the known-device set. Absence marking only
// happens when every configured source succeeded; a failed source proves
// nothing about which devices are gone, and a device may be visible to
// only one of them.
func (p *Poller) RefreshSources(ctx context.Context) error {
	var (
		candidates  []models.Candidate
		discoveryOK bool
		directoryOK = true
	)

	found, err := p.discoverer.Discover(ctx)
	if err != nil {
		p.metrics.SourceErrors.WithLabelValues("discovery").Inc()
		p.logger.WithError(err).Warn("Discovery pass failed")
	} else {
		discoveryOK = true
		candidates = append(candidates, found...)
		p.metrics.DiscoveryCandidates.Set(float64(len(found)))
	}

	if p.directory != nil {
		listed, dirErr := p.directory.Devices(ctx)
		if dirErr != nil {
			directoryOK = false
			p.metrics.SourceErrors.WithLabelValues("directory").Inc()
			p.logger.WithError(dirErr).Warn("Directory fetch failed")
		} else {
			candidates = append(candidates, listed...)
		}
	}

	if !discoveryOK && len(candidates) == 0 {
		return errors.New("poller: no device source produced candidates")
	}

	p.IngestCandidates(candidates)

	if discoveryOK && directoryOK {
		seen := make(map[string]struct{}, len(candidates))
		for _, c := range candidates {
			seen[c.DeviceID] = struct{}{}
		}
		p.markAbsent(seen)
	}

	return nil
}

// IngestCandidates merges sightings into the registry keyed by device id.
// Re-sighting an existing id updates address and alias in place; it never
// creates a duplicate entry. Idempotent for identical input.
func (p *Poller) IngestCandidates(candidates []models.Candidate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range candidates {
		if c.DeviceID == "" {
			continue
		}

		rec, ok := p.devices[c.DeviceID]
		if !ok {
			rec = &models.DeviceRecord{
				DeviceID: c.DeviceID,
				State:    models.StateDiscovered,
			}
			p.devices[c.DeviceID] = rec

			p.logger.WithFields(logrus.Fields{
				"device_id": c.DeviceID,
				"alias":     c.Alias,
				"addr":      c.Addr,
			}).Info("New device")
		}

		if c.Alias != "" {
			rec.Alias = c.Alias
		}
		if c.Addr != "" && c.Addr != rec.Addr {
			if rec.Addr != "" {
				p.logger.WithFields(logrus.Fields{
					"device_id": c.DeviceID,
					"old_addr":  rec.Addr,
					"new_addr":  c.Addr,
				}).Info("Device address changed")
			}
			rec.Addr = c.Addr
		}
		if c.Model != "" {
			rec.Model = c.Model
		}
		if c.HardwareVersion != "" {
			rec.HardwareVersion = c.HardwareVersion
		}

		rec.MissedScans = 0
	}
}

// markAbsent advances the missed-scan counter for every device not in
// seen and removes those missing for too many passes.
func (p *Poller) markAbsent(seen map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, rec := range p.devices {
		if _, ok := seen[id]; ok {
			continue
		}

		rec.MissedScans++
		if rec.MissedScans < p.cfg.RemoveAfterScans {
			continue
		}

		delete(p.devices, id)
		delete(p.lastGood, id)
		p.lastErrors.Remove(id)

		p.logger.WithFields(logrus.Fields{
			"device_id":    id,
			"alias":        rec.Alias,
			"missed_scans": rec.MissedScans,
		}).Info("Removing device absent from all sources")
	}
}

type pollTarget struct {
	id              string
	addr            string
	hardwareVersion string
}

type pollResult struct {
	id      string
	reading models.Reading
	err     error
}

// RunCycle polls every pollable device concurrently, folds the outcomes
// into the registry, and publishes a fresh snapshot.
func (p *Poller) RunCycle(ctx context.Context) {
	start := time.Now()

	targets := p.pollTargets()
	results := p.fanOut(ctx, targets)

	for _, res := range results {
		p.fold(res)
	}

	p.publish()
	p.metrics.CycleDuration.Observe(time.Since(start).Seconds())
}

// pollTargets copies what the fan-out needs out of the registry so the
// lock is released before any network I/O starts.
func (p *Poller) pollTargets() []pollTarget {
	p.mu.Lock()
	defer p.mu.Unlock()

	targets := make([]pollTarget, 0, len(p.devices))
	for _, rec := range p.devices {
		if rec.Addr == "" {
			continue
		}
		targets = append(targets, pollTarget{
			id:              rec.DeviceID,
			addr:            rec.Addr,
			hardwareVersion: rec.HardwareVersion,
		})
	}

	return targets
}

func (p *Poller) fanOut(ctx context.Context, targets []pollTarget) []pollResult {
	if len(targets) == 0 {
		return nil
	}

	workCh := make(chan pollTarget)
	resultCh := make(chan pollResult, len(targets))

	workers := p.cfg.Concurrency
	if workers > len(targets) {
		workers = len(targets)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, workCh, resultCh)
		}()
	}

	go func() {
		defer close(workCh)
		for _, t := range targets {
			select {
			case <-ctx.Done():
				return
			case workCh <- t:
			}
		}
	}()

	wg.Wait()
	close(resultCh)

	results := make([]pollResult, 0, len(targets))
	for res := range resultCh {
		results = append(results, res)
	}

	return results
}

func (p *Poller) worker(ctx context.Context, workCh <-chan pollTarget, resultCh chan<- pollResult) {
	for t := range workCh {
		if err := p.limiter.Wait(ctx); err != nil {
			resultCh <- pollResult{id: t.id, err: err}
			continue
		}

		reading, err := p.querier.Query(ctx, t.addr, t.hardwareVersion)
		resultCh <- pollResult{id: t.id, reading: reading, err: err}
	}
}

// fold applies one poll outcome to the registry. Serialized by the
// registry lock; cycles never overlap, so there is one writer.
func (p *Poller) fold(res pollResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.devices[res.id]
	if !ok {
		// Removed mid-cycle by a concurrent source refresh.
		return
	}

	if res.err == nil {
		if rec.State == models.StateUnreachable {
			p.logger.WithFields(logrus.Fields{
				"device_id": rec.DeviceID,
				"alias":     rec.Alias,
			}).Info("Device reachable again")
		}

		rec.State = models.StateReachable
		rec.ConsecutiveFailures = 0
		rec.LastSuccessAt = res.reading.ObservedAt
		p.lastGood[res.id] = res.reading
		p.lastErrors.Remove(res.id)

		return
	}

	rec.ConsecutiveFailures++
	p.lastErrors.Add(res.id, res.err.Error())
	p.metrics.PollErrors.WithLabelValues(device.KindOf(res.err).String()).Inc()

	p.logger.WithFields(logrus.Fields{
		"device_id":            rec.DeviceID,
		"alias":                rec.Alias,
		"addr":                 rec.Addr,
		"consecutive_failures": rec.ConsecutiveFailures,
		"kind":                 device.KindOf(res.err).String(),
	}).Warn("Poll failed")

	if rec.ConsecutiveFailures >= p.cfg.UnreachableThreshold &&
		rec.State != models.StateUnreachable {
		rec.State = models.StateUnreachable

		p.logger.WithFields(logrus.Fields{
			"device_id": rec.DeviceID,
			"alias":     rec.Alias,
		}).Warn("Marking device unreachable")
	}
}

// publish builds the cycle's snapshot from the registry and swaps it in.
func (p *Poller) publish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make(map[string]snapshot.Entry, len(p.devices))
	reachable := 0

	for id, rec := range p.devices {
		if rec.State == models.StateReachable {
			reachable++
		}
		if !p.includeInSnapshot(rec) {
			continue
		}

		entries[id] = snapshot.Entry{
			Device:  *rec,
			Reading: p.lastGood[id],
		}
	}

	p.metrics.DevicesKnown.Set(float64(len(p.devices)))
	p.metrics.DevicesReachable.Set(float64(reachable))

	p.store.Publish(entries)
}

// includeInSnapshot applies the fail-safe rules: a prior good reading
// survives failures until the unreachable threshold or the staleness age,
// whichever trips first.
func (p *Poller) includeInSnapshot(rec *models.DeviceRecord) bool {
	if _, ok := p.lastGood[rec.DeviceID]; !ok {
		return false
	}
	if rec.ConsecutiveFailures >= p.cfg.UnreachableThreshold {
		return false
	}
	if time.Since(rec.LastSuccessAt) > p.cfg.StaleAfter {
		return false
	}

	return true
}

// DeviceStatus is the admin view of one known device.
type DeviceStatus struct {
	DeviceID            string     `json:"device_id"`
	Alias               string     `json:"alias"`
	Addr                string     `json:"addr,omitempty"`
	Model               string     `json:"model,omitempty"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	InSnapshot          bool       `json:"in_snapshot"`
}

// DeviceList returns the registry for the admin endpoint, sorted by id.
func (p *Poller) DeviceList() []DeviceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := make([]DeviceStatus, 0, len(p.devices))
	for _, rec := range p.devices {
		status := DeviceStatus{
			DeviceID:            rec.DeviceID,
			Alias:               rec.Alias,
			Addr:                rec.Addr,
			Model:               rec.Model,
			State:               rec.State.String(),
			ConsecutiveFailures: rec.ConsecutiveFailures,
			InSnapshot:          p.includeInSnapshot(rec),
		}
		if !rec.LastSuccessAt.IsZero() {
			at := rec.LastSuccessAt
			status.LastSuccessAt = &at
		}
		if msg, ok := p.lastErrors.Get(rec.DeviceID); ok {
			status.LastError, _ = msg.(string)
		}
		list = append(list, status)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].DeviceID < list[j].DeviceID })

	return list
}
