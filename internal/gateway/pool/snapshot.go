package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/grok-gateway/internal/gateway/store"
	"github.com/mrmushfiq/grok-gateway/internal/shared/models"
)

const (
	statusKey   = "token_status"
	usageKey    = "token_usage_records"
	snapshotKey = "token_pool"

	// SnapshotVersion is the schema version written into full pool snapshots
	SnapshotVersion = 1
)

// Snapshot is the persisted form of the whole pool
type Snapshot struct {
	Version int                                       `json:"version"`
	SavedAt int64                                     `json:"savedAt"`
	Buckets map[string][]models.TokenEntry            `json:"buckets"`
	Expired []models.ExpiredEntry                     `json:"expired"`
	Status  map[string]map[string]*models.TokenStatus `json:"status"`
	Usage   map[string]map[string]*models.UsageRecord `json:"usage"`
}

type pendingSave struct {
	name string
	seq  uint64
	data []byte
}

// prepareLocked serialises v while p.mu is held. The write happens later in flush.
func (p *Pool) prepareLocked(name string, v any) *pendingSave {
	if p.store == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).WithField("key", name).Error("Failed to encode pool state")
		return nil
	}
	p.saveSeq[name]++
	return &pendingSave{name: name, seq: p.saveSeq[name], data: data}
}

// flush writes prepared snapshots, skipping any that a newer write already superseded
func (p *Pool) flush(pending ...*pendingSave) {
	if p.store == nil {
		return
	}
	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	for _, ps := range pending {
		if ps == nil || ps.seq <= p.savedSeq[ps.name] {
			continue
		}
		if err := p.store.Save(context.Background(), ps.name, ps.data); err != nil {
			log.WithError(err).WithField("key", ps.name).Error("Failed to persist pool state")
			continue
		}
		p.savedSeq[ps.name] = ps.seq
	}
}

func (p *Pool) snapshotLocked() Snapshot {
	buckets := make(map[string][]models.TokenEntry, len(p.buckets))
	for bucket, entries := range p.buckets {
		copied := make([]models.TokenEntry, len(entries))
		for i, e := range entries {
			copied[i] = *e
		}
		buckets[bucket] = copied
	}
	return Snapshot{
		Version: SnapshotVersion,
		SavedAt: p.nowMs(),
		Buckets: buckets,
		Expired: append([]models.ExpiredEntry{}, p.expired...),
		Status:  p.status,
		Usage:   p.usage,
	}
}

// SaveSnapshot writes the full pool snapshot
func (p *Pool) SaveSnapshot() {
	p.mu.Lock()
	pending := p.prepareLocked(snapshotKey, p.snapshotLocked())
	p.mu.Unlock()
	p.flush(pending)
}

// Persist writes the status and usage snapshots
func (p *Pool) Persist() {
	p.mu.Lock()
	status := p.prepareLocked(statusKey, p.status)
	usage := p.prepareLocked(usageKey, p.usage)
	p.mu.Unlock()
	p.flush(status, usage)
}

// Restore rebuilds pool state at startup. A full snapshot wins when one exists; otherwise the
// status and usage snapshots are loaded and the given credentials are registered.
// Entries in normal and super may be bare sso values or full cookie strings.
func (p *Pool) Restore(ctx context.Context, normal, super []string) (bool, error) {
	if p.store == nil {
		p.registerAll(normal, super)
		return false, nil
	}

	restored, err := p.loadSnapshot(ctx)
	if err != nil {
		log.WithError(err).Warn("Ignoring unreadable pool snapshot")
	}
	if restored {
		log.WithField("credentials", len(p.Credentials())).Info("Pool restored from snapshot")
		return true, nil
	}

	if err := p.loadInto(ctx, statusKey, &p.status); err != nil {
		return false, err
	}
	if err := p.loadInto(ctx, usageKey, &p.usage); err != nil {
		return false, err
	}

	p.registerAll(normal, super)
	p.Persist()
	return false, nil
}

func (p *Pool) registerAll(normal, super []string) {
	for _, raw := range super {
		if c := credentialFromConfig(raw); c != "" {
			p.register(c, models.TierSuper, true)
		}
	}
	for _, raw := range normal {
		if c := credentialFromConfig(raw); c != "" {
			p.register(c, models.TierNormal, true)
		}
	}
}

func credentialFromConfig(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, "sso=") {
		return raw
	}
	return CredentialFromSSO(raw)
}

func (p *Pool) loadSnapshot(ctx context.Context) (bool, error) {
	data, err := p.store.Load(ctx, snapshotKey)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, fmt.Errorf("failed to decode pool snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return false, fmt.Errorf("unsupported pool snapshot version %d", snap.Version)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.buckets = make(map[string][]*models.TokenEntry, len(snap.Buckets))
	for bucket, entries := range snap.Buckets {
		for i := range entries {
			e := entries[i]
			p.buckets[bucket] = append(p.buckets[bucket], &e)
		}
	}
	p.expired = snap.Expired
	p.status = snap.Status
	if p.status == nil {
		p.status = make(map[string]map[string]*models.TokenStatus)
	}
	p.usage = snap.Usage
	if p.usage == nil {
		p.usage = make(map[string]map[string]*models.UsageRecord)
	}
	return true, nil
}

func (p *Pool) loadInto(ctx context.Context, name string, dst any) error {
	data, err := p.store.Load(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}
