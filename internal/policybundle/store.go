package policybundle

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/toolgate/toolgate/internal/policy"
)

// ApplyOutcome is the result code of a proposed bundle Apply.
type ApplyOutcome string

const (
	Applied          ApplyOutcome = "applied"
	SignatureInvalid ApplyOutcome = "signature_invalid"
	Malformed        ApplyOutcome = "malformed"
	VersionConflict  ApplyOutcome = "version_conflict"
)

// snapshot is the immutable state swapped atomically on reload.
type snapshot struct {
	bundles map[string]*policy.CompiledBundle // version -> compiled bundle
	rollout Rollout
}

// Store owns the set of loaded bundle versions, the active rollout state,
// and a directory watch that hot-reloads bundles as they are written to
// disk. All reads go through an atomic pointer to a snapshot so readers
// never observe a torn update.
type Store struct {
	dir             string
	requireSig      bool
	pubkey          ed25519.PublicKey
	logger          *slog.Logger

	current atomic.Pointer[snapshot]

	mu       sync.Mutex // serializes LoadVersion/Apply/reloadAll against each other
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewStore constructs a Store rooted at dir. If requireSig is true,
// LoadVersion rejects any bundle whose companion .sig file is missing or
// does not verify under pubkey.
func NewStore(dir string, requireSig bool, pubkey ed25519.PublicKey, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dir:        dir,
		requireSig: requireSig,
		pubkey:     pubkey,
		logger:     logger.With("component", "policybundle.Store"),
		done:       make(chan struct{}),
	}
	s.current.Store(&snapshot{bundles: map[string]*policy.CompiledBundle{}})
	return s
}

// LoadVersion loads and compiles the bundle file for version v from disk
// (expected at <dir>/<v>.yaml, with an optional <dir>/<v>.yaml.sig), verifies
// its signature when required, and installs it into the in-memory set.
func (s *Store) LoadVersion(v string) (*policy.CompiledBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, v+".yaml")
	bundle, data, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	if s.requireSig {
		sigPath := path + ".sig"
		sf, err := LoadSignatureFile(sigPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		if err := VerifySignature(data, sf, s.pubkey); err != nil {
			return nil, err
		}
	}

	cur := s.current.Load()
	next := &snapshot{bundles: make(map[string]*policy.CompiledBundle, len(cur.bundles)+1), rollout: cur.rollout}
	for k, b := range cur.bundles {
		next.bundles[k] = b
	}
	next.bundles[v] = bundle
	s.current.Store(next)

	s.logger.Info("loaded policy bundle", "version", v, "rules", bundle.RuleCount())
	return bundle, nil
}

// Apply validates and installs a proposed bundle submitted out-of-band
// (e.g. via the admin API), without requiring it to already exist on disk.
// It never mutates the active/canary rollout pointers; callers promote a
// version explicitly via SetRollout.
func (s *Store) Apply(version string, data []byte, sig *SignatureFile) (ApplyOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if _, exists := cur.bundles[version]; exists {
		return VersionConflict, fmt.Errorf("version %q already loaded", version)
	}

	if s.requireSig {
		if sig == nil {
			return SignatureInvalid, fmt.Errorf("%w: no signature supplied", ErrSignatureInvalid)
		}
		if err := VerifySignature(data, *sig, s.pubkey); err != nil {
			return SignatureInvalid, err
		}
	}

	bundle, err := LoadYAML(data)
	if err != nil {
		return Malformed, err
	}
	if bundle.Version != version {
		return Malformed, fmt.Errorf("bundle version %q does not match requested version %q", bundle.Version, version)
	}

	next := &snapshot{bundles: make(map[string]*policy.CompiledBundle, len(cur.bundles)+1), rollout: cur.rollout}
	for k, b := range cur.bundles {
		next.bundles[k] = b
	}
	next.bundles[version] = bundle
	s.current.Store(next)

	if err := os.WriteFile(filepath.Join(s.dir, version+".yaml"), data, 0o644); err != nil {
		s.logger.Warn("bundle applied in memory but failed to persist to disk", "version", version, "error", err)
	}
	if sig != nil {
		sigData, _ := json.Marshal(sig)
		_ = os.WriteFile(filepath.Join(s.dir, version+".yaml.sig"), sigData, 0o644)
	}

	return Applied, nil
}

// SetRollout installs a new rollout configuration, taking effect for the
// next Resolve call.
func (s *Store) SetRollout(r Rollout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current.Load()
	next := &snapshot{bundles: cur.bundles, rollout: r}
	s.current.Store(next)
}

// Rollout returns the currently active rollout configuration.
func (s *Store) Rollout() Rollout {
	return s.current.Load().rollout
}

// Resolve returns the compiled bundle that applies to tenant under the
// current rollout configuration, or an error if the resolved version has
// not been loaded.
func (s *Store) Resolve(tenant string) (*policy.CompiledBundle, string, error) {
	snap := s.current.Load()
	version := snap.rollout.ResolveVersion(tenant)
	b, ok := snap.bundles[version]
	if !ok {
		return nil, version, fmt.Errorf("bundle version %q not loaded", version)
	}
	return b, version, nil
}

// Watch starts an fsnotify watch on the store's directory, reloading any
// *.yaml file as it is created or written. Non-fatal on a missing
// directory: the watch is retried implicitly the next time Watch is
// called.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy bundle watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch policy bundle directory %s: %w", s.dir, err)
	}
	s.watcher = w
	go s.watchLoop()
	return nil
}

// Close stops the directory watch, if any.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}
			version := strings.TrimSuffix(filepath.Base(event.Name), ".yaml")
			if _, err := s.LoadVersion(version); err != nil {
				s.logger.Error("failed to hot-reload policy bundle", "version", version, "error", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("policy bundle watcher error", "error", err)
		}
	}
}
