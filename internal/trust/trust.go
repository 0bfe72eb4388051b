// Package trust implements the trust/autonomy registry: who is known to
// the house, which trust tier each action requires, and which tiers a
// room admits. The policy lives in a YAML file and is hot-reloadable,
// but consumers only ever see immutable snapshots — a reload can never
// retroactively re-authorize an action already mid-dispatch, and there
// is no global mutable trust state threaded through the pipeline.
package trust

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/normanking/majordomo/internal/logging"
	"github.com/normanking/majordomo/pkg/types"
)

// policyFile is the on-disk YAML shape.
type policyFile struct {
	People []struct {
		ID        string   `yaml:"id"`
		Name      string   `yaml:"name"`
		Tier      string   `yaml:"tier"`
		RoomScope []string `yaml:"room_scope"`
	} `yaml:"people"`
	Actions map[string]string   `yaml:"actions"`
	Rooms   map[string][]string `yaml:"rooms"`
}

// Snapshot is an immutable view of the policy taken at a single point in
// time. The gateway takes one snapshot per authorization and holds it
// only for the authorize+dispatch critical section.
type Snapshot struct {
	people       map[string]types.Person
	actionTiers  map[string]types.TrustTier
	roomMinTiers map[string]types.TrustTier
}

// Person resolves a person by ID. The boolean is false for strangers.
func (s Snapshot) Person(id string) (types.Person, bool) {
	p, ok := s.people[id]
	return p, ok
}

// RequiredTier returns the trust tier an action demands. Unknown actions
// require owner tier: an unregistered action can only be run by someone
// who could run anything anyway.
func (s Snapshot) RequiredTier(action string) (types.TrustTier, bool) {
	tier, ok := s.actionTiers[action]
	if !ok {
		return types.TierOwner, false
	}
	return tier, true
}

// RoomAdmits reports whether a tier is sufficient for a room. Rooms with
// no declared policy admit everyone.
func (s Snapshot) RoomAdmits(room string, tier types.TrustTier) bool {
	min, ok := s.roomMinTiers[room]
	if !ok {
		return true
	}
	return tier.Clears(min)
}

// Registry owns the current policy and its reloads.
type Registry struct {
	mu       sync.RWMutex
	current  Snapshot
	path     string
	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stop     chan struct{}
	log      zerolog.Logger

	// firstSight holds people recognized at runtime but absent from the
	// policy file. They enter at guest tier and are never silently
	// escalated; only a policy edit can promote them.
	firstSight map[string]types.Person
}

// NewRegistry loads the policy file. A malformed policy is fatal here —
// it is never partially applied.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		path:       path,
		stop:       make(chan struct{}),
		log:        logging.Component("trust"),
		firstSight: make(map[string]types.Person),
	}
	snap, err := loadPolicy(path)
	if err != nil {
		return nil, err
	}
	r.current = snap
	return r, nil
}

// Watch starts hot reload on policy file changes. A reload that fails
// validation keeps the previous policy in place.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	if err := watcher.Add(r.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch policy file: %w", err)
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				snap, err := loadPolicy(r.path)
				if err != nil {
					r.log.Error().Err(err).Msg("policy reload failed, keeping previous policy")
					continue
				}
				r.mu.Lock()
				r.current = snap
				r.mu.Unlock()
				r.log.Info().Str("path", r.path).Msg("trust policy reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Error().Err(err).Msg("policy watcher error")
			case <-r.stop:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (r *Registry) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// Snapshot returns the current immutable policy view, overlaid with
// runtime first-sight people.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.firstSight) == 0 {
		return r.current
	}
	merged := Snapshot{
		people:       make(map[string]types.Person, len(r.current.people)+len(r.firstSight)),
		actionTiers:  r.current.actionTiers,
		roomMinTiers: r.current.roomMinTiers,
	}
	for id, p := range r.firstSight {
		merged.people[id] = p
	}
	// Policy-file people win over first-sight records with the same ID.
	for id, p := range r.current.people {
		merged.people[id] = p
	}
	return merged
}

// Recognize records a person seen for the first time. They enter at
// guest tier; if they are already known (from the policy or a previous
// recognition) the existing record is returned untouched.
func (r *Registry) Recognize(id, name string) types.Person {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.current.people[id]; ok {
		return p
	}
	if p, ok := r.firstSight[id]; ok {
		return p
	}
	p := types.Person{ID: id, Name: name, Tier: types.TierGuest}
	r.firstSight[id] = p
	r.log.Info().Str("person", id).Msg("new person recognized at guest tier")
	return p
}

func loadPolicy(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read policy file: %w", err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return Snapshot{}, fmt.Errorf("parse policy file: %w", err)
	}

	snap := Snapshot{
		people:       make(map[string]types.Person, len(pf.People)),
		actionTiers:  make(map[string]types.TrustTier, len(pf.Actions)),
		roomMinTiers: make(map[string]types.TrustTier, len(pf.Rooms)),
	}

	for _, p := range pf.People {
		if p.ID == "" {
			return Snapshot{}, fmt.Errorf("policy person with empty id")
		}
		tier, err := types.ParseTier(p.Tier)
		if err != nil {
			return Snapshot{}, fmt.Errorf("person %q: %w", p.ID, err)
		}
		if tier != types.TierGuest && len(p.RoomScope) > 0 {
			return Snapshot{}, fmt.Errorf("person %q: room_scope is only valid for guests", p.ID)
		}
		snap.people[p.ID] = types.Person{ID: p.ID, Name: p.Name, Tier: tier, RoomScope: p.RoomScope}
	}

	for action, tierName := range pf.Actions {
		tier, err := types.ParseTier(tierName)
		if err != nil {
			return Snapshot{}, fmt.Errorf("action %q: %w", action, err)
		}
		snap.actionTiers[action] = tier
	}

	for room, tiers := range pf.Rooms {
		if len(tiers) == 0 {
			return Snapshot{}, fmt.Errorf("room %q: empty tier list", room)
		}
		// The room's minimum admitted tier is the lowest listed.
		min := types.TierOwner
		for _, tierName := range tiers {
			tier, err := types.ParseTier(tierName)
			if err != nil {
				return Snapshot{}, fmt.Errorf("room %q: %w", room, err)
			}
			if tier < min {
				min = tier
			}
		}
		snap.roomMinTiers[room] = min
	}

	return snap, nil
}
