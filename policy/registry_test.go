package policy_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eoniclabs/methodcache-go/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityMerge(t *testing.T) {
	// Scenario E (spec.md §8): attribute source sets duration=1m, tags=[x];
	// runtime override sets duration=5s; resolved: duration=5s, tags=[x].
	attrs := policy.NewAttributeSource()
	attrs.Declare("Orders.Get", policy.Fragment{
		Policy: policy.CachePolicy{Duration: time.Minute, Tags: []string{"x"}},
		Fields: policy.FieldDuration | policy.FieldTags,
	})

	runtime := policy.NewRuntimeSource()

	reg := policy.NewRegistry(attrs, runtime)

	runtime.Override("Orders.Get", policy.Fragment{
		Policy: policy.CachePolicy{Duration: 5 * time.Second},
		Fields: policy.FieldDuration,
	})

	result := reg.GetPolicy("Orders.Get")
	assert.Equal(t, 5*time.Second, result.Policy.Duration)
	assert.Equal(t, []string{"x"}, result.Policy.Tags)
	require.Len(t, result.Contributions, 2)
	assert.Equal(t, "attributes", result.Contributions[0].SourceID)
	assert.Equal(t, "runtime", result.Contributions[1].SourceID)
}

func TestTagsAreUnionedNotOverwritten(t *testing.T) {
	builder := policy.NewBuilderSource()
	builder.For("M").WithTags("a", "b").Build()

	runtime := policy.NewRuntimeSource()
	runtime.Override("M", policy.Fragment{
		Policy: policy.CachePolicy{Tags: []string{"b", "c"}},
		Fields: policy.FieldTags,
	})

	reg := policy.NewRegistry(builder, runtime)
	result := reg.GetPolicy("M")

	assert.ElementsMatch(t, []string{"a", "b", "c"}, result.Policy.Tags)
}

func TestRuntimeOverrideInvalidatesOnlyThatMethod(t *testing.T) {
	builder := policy.NewBuilderSource()
	builder.For("A").WithDuration(time.Minute).Build()
	builder.For("B").WithDuration(time.Hour).Build()

	runtime := policy.NewRuntimeSource()
	reg := policy.NewRegistry(builder, runtime)

	// Prime the cache for both.
	first := reg.GetPolicy("A")
	second := reg.GetPolicy("B")
	assert.Equal(t, time.Minute, first.Policy.Duration)
	assert.Equal(t, time.Hour, second.Policy.Duration)

	runtime.Override("A", policy.Fragment{
		Policy: policy.CachePolicy{Duration: 5 * time.Second},
		Fields: policy.FieldDuration,
	})

	assert.Equal(t, 5*time.Second, reg.GetPolicy("A").Policy.Duration)
	assert.Equal(t, time.Hour, reg.GetPolicy("B").Policy.Duration, "unrelated method-id must not be invalidated")
}

func TestResolverIsPure(t *testing.T) {
	builder := policy.NewBuilderSource()
	builder.For("M").WithDuration(time.Minute).WithTags("t").Build()
	reg := policy.NewRegistry(builder)

	r1 := reg.GetPolicy("M")
	r2 := reg.GetPolicy("M")
	assert.Equal(t, r1.Policy, r2.Policy)
}

func TestMetadataHigherPriorityWinsOnConflict(t *testing.T) {
	builder := policy.NewBuilderSource()
	builder.For("M").WithMetadata("team", "core").Build()

	runtime := policy.NewRuntimeSource()
	runtime.Override("M", policy.Fragment{
		Policy: policy.CachePolicy{Metadata: map[string]string{"team": "platform"}},
		Fields: policy.FieldMetadata,
	})

	reg := policy.NewRegistry(builder, runtime)
	result := reg.GetPolicy("M")
	assert.Equal(t, "platform", result.Policy.Metadata["team"])
}

func TestGetAllPoliciesEnumeratesEverySourcedMethod(t *testing.T) {
	attrs := policy.NewAttributeSource()
	attrs.Declare("A", policy.Fragment{Fields: policy.FieldDuration, Policy: policy.CachePolicy{Duration: time.Second}})

	builder := policy.NewBuilderSource()
	builder.For("B").WithDuration(time.Minute).Build()

	reg := policy.NewRegistry(attrs, builder)
	all := reg.GetAllPolicies()

	require.Len(t, all, 2)
	assert.Equal(t, "A", all[0].MethodID)
	assert.Equal(t, "B", all[1].MethodID)
}

func TestFileSourceLoadsFragments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	initial := `
methods:
  Orders.Get:
    duration: 1m
    tags: ["orders"]
`
	require.NoError(t, os.WriteFile(path, []byte(initial), 0o644))

	fs, err := policy.NewFileSource(path, nil)
	require.NoError(t, err)

	frag, ok := fs.FragmentFor("Orders.Get")
	require.True(t, ok)
	assert.Equal(t, time.Minute, frag.Policy.Duration)
	assert.Equal(t, []string{"orders"}, frag.Policy.Tags)
}

func TestFileSourceRejectsMalformedDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	bad := `
methods:
  Orders.Get:
    duration: "not-a-duration"
`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	_, err := policy.NewFileSource(path, nil)
	assert.Error(t, err)
}
