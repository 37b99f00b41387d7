package policy

// Canonical source priorities (spec.md §4.6). Higher wins on conflict.
const (
	PriorityAttribute = 10
	PriorityBuilder   = 40
	PriorityFile      = 50
	PriorityRuntime   = 100
)

// Source is one configuration surface that yields per-method policy
// fragments (spec.md §2 "Policy Source"). A Registry holds a fixed ordered
// list of sources at startup.
type Source interface {
	// ID identifies this source in Contribution records (e.g. "attributes",
	// "builder", "file:config.yaml", "runtime").
	ID() string

	// Priority is this source's fixed merge priority; higher overwrites
	// lower on field conflicts.
	Priority() int

	// FragmentFor returns this source's contribution for method-id, and
	// whether it has one at all (a source with nothing to say about a
	// method-id is skipped entirely, so it does not appear in the
	// contribution list).
	FragmentFor(methodID string) (Fragment, bool)

	// MethodIDs enumerates every method-id this source has an opinion on,
	// for get-all-policies() diagnostics (spec.md §4.6).
	MethodIDs() []string
}
