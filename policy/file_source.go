package policy

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eoniclabs/methodcache-go/observability"
)

// fileFragment is the on-disk shape of one method's YAML policy block. All
// fields are pointers so the "was this key present" bitmask can be derived
// from nil-ness rather than from Go's zero values.
type fileFragment struct {
	Duration             *string           `mapstructure:"duration"`
	SlidingExpiration    *string           `mapstructure:"sliding_expiration"`
	RefreshAheadFraction *float64          `mapstructure:"refresh_ahead_fraction"`
	Tags                 []string          `mapstructure:"tags"`
	Version              *int              `mapstructure:"version"`
	KeyGenerator         *string           `mapstructure:"key_generator"`
	RequireIdempotent    *bool             `mapstructure:"require_idempotent"`
	Metadata             map[string]string `mapstructure:"metadata"`
}

type fileDocument struct {
	Methods map[string]fileFragment `mapstructure:"methods"`
}

// FileSource loads per-method policy fragments from a YAML configuration
// file, priority 50 (spec.md §4.6). It hot-reloads on fsnotify write events,
// debounced the way the teacher's config watcher debounces reloads, and
// invalidates only the method-ids whose fragment actually changed.
type FileSource struct {
	mu        sync.RWMutex
	fragments map[string]Fragment
	methodIDs []string

	v      *viper.Viper
	path   string
	logger observability.Logger

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	onChange func(methodID string)
}

// NewFileSource loads path once synchronously; call Watch to also hot-reload.
func NewFileSource(path string, logger observability.Logger) (*FileSource, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	s := &FileSource{
		fragments: make(map[string]Fragment),
		v:         viper.New(),
		path:      path,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
	s.v.SetConfigFile(path)
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSource) ID() string { return fmt.Sprintf("file:%s", s.path) }

func (s *FileSource) Priority() int { return PriorityFile }

func (s *FileSource) FragmentFor(methodID string) (Fragment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fragments[methodID]
	return f, ok
}

func (s *FileSource) MethodIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.methodIDs...)
}

// subscribe wires the per-method invalidation callback; called once by
// Registry at construction.
func (s *FileSource) subscribe(onChange func(methodID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = onChange
}

// Watch starts the fsnotify-driven hot reload loop, debounced 100ms like the
// teacher's ConfigWatcher. Stop() shuts it down.
func (s *FileSource) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: create file watcher: %w", err)
	}
	if err := w.Add(s.path); err != nil {
		w.Close()
		return fmt.Errorf("policy: watch config file %s: %w", s.path, err)
	}
	s.watcher = w
	go s.watchLoop()
	return nil
}

func (s *FileSource) watchLoop() {
	var debounce *time.Timer
	const debounceDuration = 100 * time.Millisecond

	for {
		select {
		case <-s.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, s.handleChange)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("policy file watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (s *FileSource) handleChange() {
	s.mu.RLock()
	before := cloneFragmentMap(s.fragments)
	s.mu.RUnlock()

	if err := s.reload(); err != nil {
		s.logger.Error("failed to reload policy file, keeping previous policies", map[string]interface{}{
			"path": s.path, "error": err.Error(),
		})
		return
	}

	s.mu.RLock()
	after := cloneFragmentMap(s.fragments)
	cb := s.onChange
	s.mu.RUnlock()

	if cb == nil {
		return
	}
	for methodID := range unionKeys(before, after) {
		old, hadOld := before[methodID]
		cur, hasCur := after[methodID]
		if hadOld && hasCur && reflect.DeepEqual(old, cur) {
			continue
		}
		cb(methodID)
	}
}

func cloneFragmentMap(m map[string]Fragment) map[string]Fragment {
	out := make(map[string]Fragment, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func unionKeys(a, b map[string]Fragment) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

// reload re-reads the config file and rebuilds the fragment map.
func (s *FileSource) reload() error {
	if err := s.v.ReadInConfig(); err != nil {
		return fmt.Errorf("policy: read config %s: %w", s.path, err)
	}

	var doc fileDocument
	if err := s.v.Unmarshal(&doc); err != nil {
		return fmt.Errorf("policy: unmarshal config %s: %w", s.path, err)
	}

	fragments := make(map[string]Fragment, len(doc.Methods))
	ids := make([]string, 0, len(doc.Methods))
	for methodID, raw := range doc.Methods {
		f, err := decodeFileFragment(raw)
		if err != nil {
			return fmt.Errorf("policy: method %q: %w", methodID, err)
		}
		fragments[methodID] = f
		ids = append(ids, methodID)
	}

	s.mu.Lock()
	s.fragments = fragments
	s.methodIDs = ids
	s.mu.Unlock()
	return nil
}

func decodeFileFragment(raw fileFragment) (Fragment, error) {
	var f Fragment
	if raw.Duration != nil {
		d, err := time.ParseDuration(*raw.Duration)
		if err != nil {
			return f, fmt.Errorf("duration: %w", err)
		}
		f.Policy.Duration = d
		f.Policy.HasDuration = true
		f.Fields |= FieldDuration
	}
	if raw.SlidingExpiration != nil {
		d, err := time.ParseDuration(*raw.SlidingExpiration)
		if err != nil {
			return f, fmt.Errorf("sliding_expiration: %w", err)
		}
		f.Policy.SlidingExpiration = d
		f.Policy.HasSlidingExpiration = true
		f.Fields |= FieldSlidingExpiration
	}
	if raw.RefreshAheadFraction != nil {
		f.Policy.RefreshAheadFraction = *raw.RefreshAheadFraction
		f.Policy.HasRefreshAhead = true
		f.Fields |= FieldRefreshAheadFraction
	}
	if len(raw.Tags) > 0 {
		f.Policy.Tags = raw.Tags
		f.Fields |= FieldTags
	}
	if raw.Version != nil {
		f.Policy.Version = *raw.Version
		f.Policy.HasVersion = true
		f.Fields |= FieldVersion
	}
	if raw.KeyGenerator != nil {
		f.Policy.KeyGeneratorID = *raw.KeyGenerator
		f.Policy.HasKeyGeneratorID = true
		f.Fields |= FieldKeyGeneratorID
	}
	if raw.RequireIdempotent != nil {
		f.Policy.RequireIdempotent = *raw.RequireIdempotent
		f.Fields |= FieldRequireIdempotent
	}
	if len(raw.Metadata) > 0 {
		f.Policy.Metadata = raw.Metadata
		f.Fields |= FieldMetadata
	}
	return f, nil
}

// Stop shuts down the hot-reload watcher, if started. Safe to call even if
// Watch was never called.
func (s *FileSource) Stop() {
	if s.watcher == nil {
		return
	}
	select {
	case <-s.stopCh:
		return // already closed
	default:
	}
	close(s.stopCh)
	s.watcher.Close()
}
