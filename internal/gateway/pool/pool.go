// Package pool rotates upstream session credentials across model buckets.
//
// Every credential is registered into each bucket of its tier's rate table. Requests take the
// head of a bucket until its budget is spent, at which point the entry is quarantined and the
// next credential becomes current. A periodic sweep puts quarantined credentials back once their
// window has passed.
package pool

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/grok-gateway/internal/shared/models"
)

const (
	maxUsageHistory   = 100
	usageSaveInterval = 10
)

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Store persists named snapshots. Load returns store.ErrNotFound for unknown names.
type Store interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, data []byte) error
}

// Option customises a Pool
type Option func(*Pool)

// WithClock replaces the wall clock, mainly for tests
func WithClock(c Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// WithIntervals sets the sweep and snapshot periods; zero disables the task
func WithIntervals(sweep, snapshot time.Duration) Option {
	return func(p *Pool) {
		p.sweepInterval = sweep
		p.snapshotInterval = snapshot
	}
}

// Pool owns all credential lifecycle state. It is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	rates   models.RateTables
	buckets map[string][]*models.TokenEntry
	status  map[string]map[string]*models.TokenStatus
	usage   map[string]map[string]*models.UsageRecord
	expired []models.ExpiredEntry

	store   Store
	clock   Clock
	saveSeq map[string]uint64

	persistMu sync.Mutex
	savedSeq  map[string]uint64

	sweepInterval    time.Duration
	snapshotInterval time.Duration
	startOnce        sync.Once
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
}

// New creates an empty pool. store may be nil, in which case nothing is persisted.
func New(rates models.RateTables, store Store, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		rates:            rates,
		buckets:          make(map[string][]*models.TokenEntry),
		status:           make(map[string]map[string]*models.TokenStatus),
		usage:            make(map[string]map[string]*models.UsageRecord),
		store:            store,
		clock:            systemClock{},
		saveSeq:          make(map[string]uint64),
		savedSeq:         make(map[string]uint64),
		sweepInterval:    30 * time.Minute,
		snapshotInterval: 10 * time.Minute,
		ctx:              ctx,
		cancel:           cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) nowMs() int64 {
	return p.clock.Now().UnixMilli()
}

func (p *Pool) rateFor(tier models.Tier, bucket string) (models.RateLimit, bool) {
	limit, ok := p.rates.For(tier)[bucket]
	return limit, ok
}

// Register adds a credential to every bucket of its tier and persists the status map
func (p *Pool) Register(credential string, tier models.Tier) {
	p.register(credential, tier, false)
}

func (p *Pool) register(credential string, tier models.Tier, bulk bool) {
	p.mu.Lock()
	sso := SSOID(credential)
	now := p.nowMs()
	if p.status[sso] == nil {
		p.status[sso] = make(map[string]*models.TokenStatus)
	}
	for bucket, limit := range p.rates.For(tier) {
		if indexOf(p.buckets[bucket], credential) >= 0 {
			continue
		}
		p.buckets[bucket] = append(p.buckets[bucket], newEntry(credential, tier, limit, now))
		if _, ok := p.status[sso][bucket]; !ok {
			p.status[sso][bucket] = &models.TokenStatus{IsValid: true, IsSuper: tier == models.TierSuper}
		}
	}
	var pending []*pendingSave
	if !bulk {
		pending = append(pending, p.prepareLocked(statusKey, p.status))
	}
	p.mu.Unlock()

	log.WithFields(log.Fields{"sso": ShortID(sso), "tier": tier}).Info("Credential registered")
	p.flush(pending...)
}

// Replace drops every credential and installs this one alone in each bucket of its tier
func (p *Pool) Replace(credential string, tier models.Tier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replaceLocked(credential, tier)
}

func (p *Pool) replaceLocked(credential string, tier models.Tier) {
	sso := SSOID(credential)
	now := p.nowMs()
	p.buckets = make(map[string][]*models.TokenEntry)
	p.expired = nil
	p.status[sso] = make(map[string]*models.TokenStatus)
	for bucket, limit := range p.rates.For(tier) {
		p.buckets[bucket] = []*models.TokenEntry{newEntry(credential, tier, limit, now)}
		p.status[sso][bucket] = &models.TokenStatus{IsValid: true, IsSuper: tier == models.TierSuper}
	}
}

// Remove deletes a credential from all buckets, the quarantine and the status map
func (p *Pool) Remove(credential string) bool {
	p.mu.Lock()
	removed := false
	for bucket, entries := range p.buckets {
		if i := indexOf(entries, credential); i >= 0 {
			p.buckets[bucket] = append(entries[:i:i], entries[i+1:]...)
			removed = true
		}
	}
	kept := p.expired[:0]
	for _, e := range p.expired {
		if e.Credential == credential {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	p.expired = kept
	sso := SSOID(credential)
	if _, ok := p.status[sso]; ok {
		delete(p.status, sso)
		removed = true
	}
	pending := p.prepareLocked(statusKey, p.status)
	p.mu.Unlock()

	if removed {
		log.WithField("sso", ShortID(sso)).Info("Credential removed")
	}
	p.flush(pending)
	return removed
}

// Current returns the head credential of the model's bucket without counting a call
func (p *Pool) Current(model string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.buckets[NormalizeModel(model)]
	if len(entries) == 0 {
		return "", false
	}
	return entries[0].Credential, true
}

// Acquire counts a call against the head credential of the model's bucket and returns it.
// When the call pushes the credential over its budget it is quarantined and the next head,
// if any, is returned instead.
func (p *Pool) Acquire(model string) (string, bool) {
	bucket := NormalizeModel(model)
	p.startBackground()

	p.mu.Lock()
	credential, ok, pending := p.acquireLocked(bucket)
	p.mu.Unlock()

	p.flush(pending...)
	return credential, ok
}

// AcquireAs installs credential as the only one in the pool and counts a call against it,
// without letting a concurrent Replace slip in between. It returns false when the tier has
// no budget for the model.
func (p *Pool) AcquireAs(credential string, tier models.Tier, model string) (string, bool) {
	bucket := NormalizeModel(model)
	p.startBackground()

	p.mu.Lock()
	p.replaceLocked(credential, tier)
	got, ok, pending := p.acquireLocked(bucket)
	p.mu.Unlock()

	p.flush(pending...)
	return got, ok
}

func (p *Pool) acquireLocked(bucket string) (string, bool, []*pendingSave) {
	entries := p.buckets[bucket]
	if len(entries) == 0 {
		return "", false, nil
	}

	entry := entries[0]
	now := p.nowMs()
	if entry.StartCallAt == nil {
		start := now
		entry.StartCallAt = &start
	}
	entry.RequestCount++

	sso := SSOID(entry.Credential)
	pending := p.recordUsageLocked(bucket, entry.Credential, true, now)

	if entry.RequestCount > entry.MaxRequestCount {
		p.evictLocked(bucket, entry.Credential, now)
		if rest := p.buckets[bucket]; len(rest) > 0 {
			return rest[0].Credential, true, pending
		}
		return "", false, pending
	}

	if st := p.status[sso][bucket]; st != nil {
		if limit, ok := p.rateFor(entry.Tier, bucket); ok && entry.RequestCount == limit.RequestFrequency {
			invalidated := now
			st.IsValid = false
			st.InvalidatedAt = &invalidated
		}
		if rec := p.usage[sso][bucket]; rec != nil {
			st.TotalRequestCount = rec.TotalCalls
		} else {
			st.TotalRequestCount++
		}
		pending = append(pending, p.prepareLocked(statusKey, p.status))
	}
	return entry.Credential, true, pending
}

// Penalize gives back n calls to the head credential of the model's bucket, never going below zero
func (p *Pool) Penalize(model string, n int) bool {
	bucket := NormalizeModel(model)

	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.buckets[bucket]
	if len(entries) == 0 {
		log.WithField("bucket", bucket).Warn("No credential to penalize")
		return false
	}
	entry := entries[0]
	newCount := max(0, entry.RequestCount-n)
	reduction := entry.RequestCount - newCount
	entry.RequestCount = newCount

	if st := p.status[SSOID(entry.Credential)][bucket]; st != nil {
		st.TotalRequestCount = max(0, st.TotalRequestCount-reduction)
	}
	return true
}

// Evict quarantines a credential in the model's bucket. It reports whether anything was removed.
func (p *Pool) Evict(model, credential string) bool {
	bucket := NormalizeModel(model)
	p.startBackground()

	p.mu.Lock()
	removed := p.evictLocked(bucket, credential, p.nowMs())
	p.mu.Unlock()

	if !removed {
		log.WithFields(log.Fields{"bucket": bucket, "sso": ShortID(credential)}).Debug("Credential not in bucket")
	}
	return removed
}

func (p *Pool) evictLocked(bucket, credential string, now int64) bool {
	entries := p.buckets[bucket]
	i := indexOf(entries, credential)
	if i < 0 {
		return false
	}
	entry := entries[i]
	p.buckets[bucket] = append(entries[:i:i], entries[i+1:]...)

	quarantined := models.ExpiredEntry{Credential: credential, Bucket: bucket, ExpiredAt: now, Tier: entry.Tier}
	replaced := false
	for j := range p.expired {
		if p.expired[j].Credential == credential && p.expired[j].Bucket == bucket {
			p.expired[j] = quarantined
			replaced = true
		}
	}
	if !replaced {
		p.expired = append(p.expired, quarantined)
	}

	log.WithFields(log.Fields{
		"bucket":    bucket,
		"sso":       ShortID(credential),
		"remaining": len(p.buckets[bucket]),
	}).Info("Credential quarantined")
	return true
}

// RecordUsage appends a call outcome to the credential's usage record
func (p *Pool) RecordUsage(model, credential string, success bool) {
	p.mu.Lock()
	pending := p.recordUsageLocked(NormalizeModel(model), credential, success, p.nowMs())
	p.mu.Unlock()
	p.flush(pending...)
}

func (p *Pool) recordUsageLocked(bucket, credential string, success bool, now int64) []*pendingSave {
	sso := SSOID(credential)
	if p.usage[sso] == nil {
		p.usage[sso] = make(map[string]*models.UsageRecord)
	}
	rec := p.usage[sso][bucket]
	if rec == nil {
		rec = &models.UsageRecord{History: []models.CallEvent{}}
		p.usage[sso][bucket] = rec
	}

	rec.TotalCalls++
	last := now
	rec.LastCallAt = &last
	if success {
		rec.SuccessCalls++
	} else {
		rec.FailCalls++
	}
	rec.History = append(rec.History, models.CallEvent{Timestamp: now, Success: success, Model: bucket})
	if len(rec.History) > maxUsageHistory {
		rec.History = append([]models.CallEvent(nil), rec.History[len(rec.History)-maxUsageHistory:]...)
	}

	log.WithFields(log.Fields{"bucket": bucket, "sso": ShortID(sso), "success": success}).Debug("Usage recorded")

	if rec.TotalCalls%usageSaveInterval == 0 {
		return []*pendingSave{p.prepareLocked(usageKey, p.usage)}
	}
	return nil
}

// Count returns the number of live credentials in the model's bucket
func (p *Pool) Count(model string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buckets[NormalizeModel(model)])
}

// Credentials lists every distinct live credential
func (p *Pool) Credentials() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, entries := range p.buckets {
		for _, e := range entries {
			if !seen[e.Credential] {
				seen[e.Credential] = true
				out = append(out, e.Credential)
			}
		}
	}
	return out
}

// Entries returns a copy of the live entries of the model's bucket
func (p *Pool) Entries(model string) []models.TokenEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.buckets[NormalizeModel(model)]
	out := make([]models.TokenEntry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out
}

// Expired returns a copy of the quarantine
func (p *Pool) Expired() []models.ExpiredEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ExpiredEntry(nil), p.expired...)
}

// RemainingCapacity reports, per bucket, the calls left across all live credentials
func (p *Pool) RemainingCapacity() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]int)
	for _, table := range []map[string]models.RateLimit{p.rates.Normal, p.rates.Super} {
		for bucket := range table {
			out[bucket] = 0
		}
	}
	for bucket, entries := range p.buckets {
		total := 0
		for _, e := range entries {
			total += e.MaxRequestCount - e.RequestCount
		}
		out[bucket] = max(0, total)
	}
	return out
}

// Status returns a copy of the status map keyed by sso id then bucket
func (p *Pool) Status() map[string]map[string]models.TokenStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]map[string]models.TokenStatus, len(p.status))
	for sso, buckets := range p.status {
		out[sso] = make(map[string]models.TokenStatus, len(buckets))
		for bucket, st := range buckets {
			out[sso][bucket] = *st
		}
	}
	return out
}

// Usage returns a copy of the usage records, optionally filtered by sso id and model
func (p *Pool) Usage(sso, model string) map[string]map[string]models.UsageRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	bucket := ""
	if model != "" {
		bucket = NormalizeModel(model)
	}
	out := make(map[string]map[string]models.UsageRecord)
	for id, records := range p.usage {
		if sso != "" && id != sso {
			continue
		}
		out[id] = make(map[string]models.UsageRecord)
		for b, rec := range records {
			if bucket != "" && b != bucket {
				continue
			}
			cp := *rec
			cp.History = append([]models.CallEvent(nil), rec.History...)
			out[id][b] = cp
		}
	}
	return out
}

// RateTables returns the configured rate tables
func (p *Pool) RateTables() models.RateTables {
	return p.rates
}

func newEntry(credential string, tier models.Tier, limit models.RateLimit, now int64) *models.TokenEntry {
	return &models.TokenEntry{
		Credential:      credential,
		MaxRequestCount: limit.RequestFrequency,
		AddedAt:         now,
		Tier:            tier,
	}
}

func indexOf(entries []*models.TokenEntry, credential string) int {
	for i, e := range entries {
		if e.Credential == credential {
			return i
		}
	}
	return -1
}
