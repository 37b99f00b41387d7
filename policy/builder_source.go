package policy

import (
	"sync"
	"time"
)

// BuilderSource holds fragments assembled by the programmatic fluent
// builder API, priority 40 (spec.md §4.6). One Builder per method-id;
// Build() deposits the resulting fragment into the owning source.
type BuilderSource struct {
	mu        sync.RWMutex
	fragments map[string]Fragment
}

// NewBuilderSource constructs an empty BuilderSource.
func NewBuilderSource() *BuilderSource {
	return &BuilderSource{fragments: make(map[string]Fragment)}
}

func (s *BuilderSource) ID() string { return "builder" }

func (s *BuilderSource) Priority() int { return PriorityBuilder }

func (s *BuilderSource) FragmentFor(methodID string) (Fragment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fragments[methodID]
	return f, ok
}

func (s *BuilderSource) MethodIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.fragments))
	for id := range s.fragments {
		ids = append(ids, id)
	}
	return ids
}

func (s *BuilderSource) set(methodID string, fragment Fragment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fragments[methodID] = fragment
}

// Builder accumulates one method-id's policy fragment fluently, mirroring
// the teacher's chained-setter configuration style. Build() must be called
// to commit the fragment into the owning BuilderSource.
type Builder struct {
	owner    *BuilderSource
	methodID string
	fragment Fragment
}

// For starts (or resumes) building the fragment for methodID.
func (s *BuilderSource) For(methodID string) *Builder {
	existing, _ := s.FragmentFor(methodID)
	return &Builder{owner: s, methodID: methodID, fragment: existing}
}

func (b *Builder) WithDuration(d time.Duration) *Builder {
	b.fragment.Policy.Duration = d
	b.fragment.Policy.HasDuration = true
	b.fragment.Fields |= FieldDuration
	return b
}

func (b *Builder) WithSlidingExpiration(d time.Duration) *Builder {
	b.fragment.Policy.SlidingExpiration = d
	b.fragment.Policy.HasSlidingExpiration = true
	b.fragment.Fields |= FieldSlidingExpiration
	return b
}

func (b *Builder) WithRefreshAheadFraction(f float64) *Builder {
	b.fragment.Policy.RefreshAheadFraction = f
	b.fragment.Policy.HasRefreshAhead = true
	b.fragment.Fields |= FieldRefreshAheadFraction
	return b
}

func (b *Builder) WithTags(tags ...string) *Builder {
	b.fragment.Policy.Tags = append(append([]string(nil), b.fragment.Policy.Tags...), tags...)
	b.fragment.Fields |= FieldTags
	return b
}

func (b *Builder) WithVersion(v int) *Builder {
	b.fragment.Policy.Version = v
	b.fragment.Policy.HasVersion = true
	b.fragment.Fields |= FieldVersion
	return b
}

func (b *Builder) WithKeyGenerator(id string) *Builder {
	b.fragment.Policy.KeyGeneratorID = id
	b.fragment.Policy.HasKeyGeneratorID = true
	b.fragment.Fields |= FieldKeyGeneratorID
	return b
}

func (b *Builder) RequireIdempotent(v bool) *Builder {
	b.fragment.Policy.RequireIdempotent = v
	b.fragment.Fields |= FieldRequireIdempotent
	return b
}

func (b *Builder) WithStampedeProtection(sp StampedeProtection) *Builder {
	b.fragment.Policy.Stampede = sp
	b.fragment.Policy.HasStampede = true
	b.fragment.Fields |= FieldStampedeProtection
	return b
}

func (b *Builder) WithDistributedLock(dl DistributedLock) *Builder {
	b.fragment.Policy.Lock = dl
	b.fragment.Policy.HasLock = true
	b.fragment.Fields |= FieldDistributedLock
	return b
}

func (b *Builder) WithMetadata(key, value string) *Builder {
	if b.fragment.Policy.Metadata == nil {
		b.fragment.Policy.Metadata = make(map[string]string)
	}
	b.fragment.Policy.Metadata[key] = value
	b.fragment.Fields |= FieldMetadata
	return b
}

// Build commits the accumulated fragment into the owning BuilderSource.
func (b *Builder) Build() {
	b.owner.set(b.methodID, b.fragment)
}
