package pool

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/grok-gateway/internal/shared/models"
)

// Sweep reinstates quarantined credentials whose window has passed and resets live entries
// whose first call is older than the window. Status is persisted afterwards.
func (p *Pool) Sweep() {
	p.mu.Lock()
	now := p.nowMs()
	reinstated, reset := 0, 0

	kept := p.expired[:0]
	for _, e := range p.expired {
		limit, ok := p.rateFor(e.Tier, e.Bucket)
		if !ok || now-e.ExpiredAt < limit.Expiration.Milliseconds() {
			kept = append(kept, e)
			continue
		}
		if indexOf(p.buckets[e.Bucket], e.Credential) < 0 {
			p.buckets[e.Bucket] = append(p.buckets[e.Bucket], newEntry(e.Credential, e.Tier, limit, now))
		}
		p.resetStatusLocked(e.Credential, e.Bucket, e.Tier)
		reinstated++
	}
	p.expired = kept

	for bucket, entries := range p.buckets {
		for _, e := range entries {
			if e.StartCallAt == nil {
				continue
			}
			limit, ok := p.rateFor(e.Tier, bucket)
			if !ok || now-*e.StartCallAt < limit.Expiration.Milliseconds() {
				continue
			}
			e.RequestCount = 0
			e.StartCallAt = nil
			p.resetStatusLocked(e.Credential, bucket, e.Tier)
			reset++
		}
	}

	pending := p.prepareLocked(statusKey, p.status)
	p.mu.Unlock()

	if reinstated > 0 || reset > 0 {
		log.WithFields(log.Fields{"reinstated": reinstated, "reset": reset}).Info("Credential sweep finished")
	}
	p.flush(pending)
}

func (p *Pool) resetStatusLocked(credential, bucket string, tier models.Tier) {
	sso := SSOID(credential)
	if p.status[sso] == nil {
		p.status[sso] = make(map[string]*models.TokenStatus)
	}
	p.status[sso][bucket] = &models.TokenStatus{IsValid: true, IsSuper: tier == models.TierSuper}
}

// Start launches the background sweep and snapshot tasks. It is also called lazily on first use.
func (p *Pool) Start() {
	p.startBackground()
}

func (p *Pool) startBackground() {
	p.startOnce.Do(func() {
		if p.sweepInterval > 0 {
			p.wg.Add(1)
			go p.every(p.sweepInterval, p.Sweep)
		}
		if p.snapshotInterval > 0 {
			p.wg.Add(1)
			go p.every(p.snapshotInterval, p.SaveSnapshot)
		}
		log.WithFields(log.Fields{
			"sweep":    p.sweepInterval,
			"snapshot": p.snapshotInterval,
		}).Debug("Pool background tasks started")
	})
}

func (p *Pool) every(interval time.Duration, task func()) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			task()
		}
	}
}

// Close stops the background tasks and writes a final snapshot
func (p *Pool) Close(ctx context.Context) error {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.Persist()
	p.SaveSnapshot()
	return nil
}
