package channels

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/showrunner/pkg/events"
	"github.com/cuemby/showrunner/pkg/log"
	"github.com/cuemby/showrunner/pkg/storage"
	"github.com/cuemby/showrunner/pkg/types"
)

// ChannelConfig is one channel's configuration file, one file per channel
// in the configuration directory.
type ChannelConfig struct {
	ID                 string  `yaml:"channel_id" validate:"required"`
	Name               string  `yaml:"channel_name" validate:"required"`
	PlanningDatabaseID string  `yaml:"planning_db_database_id" validate:"required"`
	Active             *bool   `yaml:"active"`
	PriorityWeight     int     `yaml:"priority_weight" validate:"gte=0"`
	MaxConcurrent      int     `yaml:"max_concurrent" validate:"gte=0"`
	VoiceID            string  `yaml:"voice_id"`
	IntroPath          string  `yaml:"intro_path"`
	OutroPath          string  `yaml:"outro_path"`
	StorageStrategy    string  `yaml:"storage_strategy" validate:"omitempty,oneof=local external_object_store"`
	UploadPrivacy      string  `yaml:"upload_privacy" validate:"omitempty,oneof=private unlisted public"`
	DailySpendCapUSD   float64 `yaml:"daily_spend_cap_usd" validate:"gte=0"`
	DailyUploadUnits   int64   `yaml:"daily_upload_units" validate:"gte=0"`
}

func (c *ChannelConfig) toChannel() *types.Channel {
	ch := &types.Channel{
		ID:                 c.ID,
		Name:               c.Name,
		PlanningDatabaseID: c.PlanningDatabaseID,
		Active:             c.Active == nil || *c.Active,
		PriorityWeight:     c.PriorityWeight,
		MaxConcurrent:      c.MaxConcurrent,
		VoiceID:            c.VoiceID,
		StorageStrategy:    types.StorageStrategy(c.StorageStrategy),
		UploadPrivacy:      types.UploadPrivacy(c.UploadPrivacy),
		DailySpendCapUSD:   c.DailySpendCapUSD,
		DailyUploadUnits:   c.DailyUploadUnits,
	}
	if ch.PriorityWeight == 0 {
		ch.PriorityWeight = 1
	}
	if ch.MaxConcurrent == 0 {
		ch.MaxConcurrent = 3
	}
	if ch.StorageStrategy == "" {
		ch.StorageStrategy = types.StorageLocal
	}
	if ch.UploadPrivacy == "" {
		ch.UploadPrivacy = types.PrivacyPrivate
	}
	if ch.DailyUploadUnits == 0 {
		ch.DailyUploadUnits = 10000
	}
	if c.IntroPath != "" || c.OutroPath != "" {
		ch.Branding = &types.Branding{IntroPath: c.IntroPath, OutroPath: c.OutroPath}
	}
	return ch
}

// Registry is the in-memory view of configured channels plus their in-flight
// task counters. The YAML directory is the source of configuration; the
// database mirrors it so other components can join against channel rows.
type Registry struct {
	dir      string
	store    *storage.Store
	broker   *events.Broker
	validate *validator.Validate

	mu       sync.RWMutex
	channels map[string]*types.Channel
	inflight map[string]int
	paused   map[string]bool

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRegistry loads the configuration directory and syncs it to the store.
func NewRegistry(ctx context.Context, dir string, store *storage.Store, broker *events.Broker) (*Registry, error) {
	r := &Registry{
		dir:      dir,
		store:    store,
		broker:   broker,
		validate: validator.New(),
		channels: make(map[string]*types.Channel),
		inflight: make(map[string]int),
		paused:   make(map[string]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-scans the configuration directory, one YAML file per channel,
// and applies it. An invalid file is skipped with a precise error; the
// remaining files still load, so one channel's broken edit cannot take the
// fleet down. A file whose channel was loaded from an earlier file (sorted
// by name) is skipped as a duplicate.
func (r *Registry) Reload(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read channel config dir %s: %w", r.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	next := make(map[string]*types.Channel, len(names))
	skipped := 0
	for _, name := range names {
		cfg, err := r.loadFile(filepath.Join(r.dir, name))
		if err != nil {
			log.WithComponent("channels").Error().Err(err).
				Str("file", name).
				Msg("channel config file rejected, other channels unaffected")
			skipped++
			continue
		}
		if _, dup := next[cfg.ID]; dup {
			log.WithComponent("channels").Error().
				Str("file", name).
				Str("channel_id", cfg.ID).
				Msg("duplicate channel_id, file skipped")
			continue
		}
		ch := cfg.toChannel()
		if err := r.store.UpsertChannel(ctx, ch); err != nil {
			return err
		}
		next[ch.ID] = ch
	}

	// A broken file must not take its channel offline: when any file was
	// skipped, channels absent from this pass keep their previous config
	// and deactivation waits for a clean scan. On a clean scan, channels
	// whose file disappeared are deactivated, not deleted; their history
	// and credentials stay.
	if skipped > 0 {
		r.mu.Lock()
		for id, ch := range r.channels {
			if _, ok := next[id]; !ok {
				next[id] = ch
			}
		}
		r.channels = next
		r.mu.Unlock()
	} else {
		existing, err := r.store.ListChannels(ctx)
		if err != nil {
			return err
		}
		for _, ch := range existing {
			if _, ok := next[ch.ID]; !ok && ch.Active {
				if err := r.store.SetChannelActive(ctx, ch.ID, false); err != nil {
					return err
				}
				log.WithChannelID(ch.ID).Info().Msg("channel config removed, deactivated")
			}
		}
		r.mu.Lock()
		r.channels = next
		r.mu.Unlock()
	}

	if r.broker != nil {
		r.broker.Publish(&events.Event{Type: events.EventChannelReloaded})
	}
	log.WithComponent("channels").Info().
		Int("count", len(next)).
		Int("skipped_files", skipped).
		Msg("channel configuration loaded")
	return nil
}

// loadFile parses and validates one channel's YAML file.
func (r *Registry) loadFile(path string) (*ChannelConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read channel config %s: %w", path, err)
	}
	var cfg ChannelConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse channel config: %w", err)
	}
	if err := r.validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid channel config: %w", err)
	}
	return &cfg, nil
}

// Watch starts reloading on changes in the configuration directory. SIGHUP
// handling belongs to the caller; it should invoke Reload directly.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", r.dir, err)
	}
	r.watcher = watcher

	go func() {
		defer close(r.doneCh)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if ext := filepath.Ext(ev.Name); ext != ".yaml" && ext != ".yml" {
					continue
				}
				if err := r.Reload(ctx); err != nil {
					log.WithComponent("channels").Error().Err(err).
						Msg("config reload failed, keeping previous configuration")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithComponent("channels").Warn().Err(err).Msg("config watcher error")
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts the watcher.
func (r *Registry) Stop() {
	close(r.stopCh)
	if r.watcher != nil {
		r.watcher.Close()
		<-r.doneCh
	}
}

// Get returns a channel by ID.
func (r *Registry) Get(id string) (*types.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// List returns all configured channels.
func (r *Registry) List() []*types.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// Eligible returns the IDs of channels that can accept another task right
// now: active, not paused, and below their concurrency cap.
func (r *Registry) Eligible() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, ch := range r.channels {
		if !ch.Active || r.paused[id] {
			continue
		}
		if r.inflight[id] >= ch.MaxConcurrent {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Acquire reserves one concurrency slot for a channel. Returns false when
// the channel is at capacity, paused, or unknown.
func (r *Registry) Acquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	if !ok || !ch.Active || r.paused[id] {
		return false
	}
	if r.inflight[id] >= ch.MaxConcurrent {
		return false
	}
	r.inflight[id]++
	return true
}

// Release frees a concurrency slot.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[id] > 0 {
		r.inflight[id]--
	}
}

// InFlight reports the current slot usage for a channel.
func (r *Registry) InFlight(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inflight[id]
}

// Pause stops new claims for a channel without touching in-flight work.
// Used when credentials go bad or re-authorization is required.
func (r *Registry) Pause(id, reason string) {
	r.mu.Lock()
	already := r.paused[id]
	r.paused[id] = true
	r.mu.Unlock()
	if !already {
		log.WithChannelID(id).Warn().Str("reason", reason).Msg("channel paused")
		if r.broker != nil {
			r.broker.Publish(&events.Event{
				Type:      events.EventChannelPaused,
				ChannelID: id,
				Metadata:  map[string]string{"reason": reason},
			})
		}
	}
}

// Resume lifts a pause.
func (r *Registry) Resume(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paused, id)
}

// Paused reports whether a channel is administratively paused.
func (r *Registry) Paused(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused[id]
}
