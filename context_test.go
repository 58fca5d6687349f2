package spanz

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAttributeKeyValidation(t *testing.T) {
	tracer := New()
	defer tracer.Close()
	tc, _ := tracer.StartTrace("op", nil)

	require.NoError(t, tc.SetAttribute("auth-token", "v"))
	require.NoError(t, tc.SetAttribute("A1", "v"))
	require.NoError(t, tc.SetAttribute("x", "v"))
	require.NoError(t, tc.SetAttribute("0-starts-with-digit", "v"))

	for _, key := range []string{"Bad Key!", "", "-leading-dash", "under_score", "dot.key", "ünïcode"} {
		err := tc.SetAttribute(key, "v")
		assert.ErrorIs(t, err, ErrInvalidAttributeKey, "key %q", key)
		_, ok := tc.GetAttribute(key)
		assert.False(t, ok, "rejected key %q must not be stored", key)
	}
}

func TestAttributeCaseInsensitive(t *testing.T) {
	tracer := New()
	defer tracer.Close()
	tc, _ := tracer.StartTrace("op", nil)

	require.NoError(t, tc.SetAttribute("auth-token", "secret"))

	for _, key := range []string{"auth-token", "Auth-Token", "AUTH-TOKEN"} {
		v, ok := tc.GetAttribute(key)
		require.True(t, ok, "lookup %q", key)
		assert.Equal(t, "secret", v)
	}

	// Differently cased writes hit the same slot: last write wins.
	require.NoError(t, tc.SetAttribute("Auth-Token", "rotated"))
	v, _ := tc.GetAttribute("auth-token")
	assert.Equal(t, "rotated", v)
	assert.Equal(t, 1, tc.AttributeCount())
}

// TestAttributeVisibilityOrdering pins the derivation-order contract:
// a write on a context is visible to children derived after the write,
// never to children derived before it.
func TestAttributeVisibilityOrdering(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	root, _ := tracer.StartTrace("root", nil)

	earlyCtx, _, ok := tracer.CreateSpan("early", root)
	require.True(t, ok)

	require.NoError(t, root.SetAttribute("x", "v"))

	lateCtx, _, ok := tracer.CreateSpan("late", root)
	require.True(t, ok)

	_, ok = earlyCtx.GetAttribute("x")
	assert.False(t, ok, "child derived before the write must not see it")

	v, ok := lateCtx.GetAttribute("x")
	require.True(t, ok, "child derived after the write must see it")
	assert.Equal(t, "v", v)

	v, ok = root.GetAttribute("x")
	require.True(t, ok, "the written context itself must see it")
	assert.Equal(t, "v", v)
}

func TestDeriveInheritsSnapshot(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	parent, _ := tracer.StartTrace("parent", nil)
	require.NoError(t, parent.SetAttribute("tenant", "acme"))

	child, _, ok := tracer.CreateSpan("child", parent)
	require.True(t, ok)

	v, ok := child.GetAttribute("tenant")
	require.True(t, ok)
	assert.Equal(t, "acme", v)

	// A child write never flows back up.
	require.NoError(t, child.SetAttribute("request-id", "r-1"))
	_, ok = parent.GetAttribute("request-id")
	assert.False(t, ok)

	// And the child keeps its snapshot when the parent moves on.
	require.NoError(t, parent.SetAttribute("tenant", "globex"))
	v, _ = child.GetAttribute("tenant")
	assert.Equal(t, "acme", v)
}

func TestDeriveSnapshotFields(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	parent, parentSpan := tracer.StartTrace("parent", nil)
	child, childSpan, ok := tracer.CreateSpan("child", parent)
	require.True(t, ok)

	assert.Equal(t, parent.TraceID(), child.TraceID())
	assert.Equal(t, childSpan.SpanID(), child.SpanID())
	assert.NotEqual(t, parentSpan.SpanID(), child.SpanID())
	assert.Equal(t, parent.Sampled(), child.Sampled())
}

func TestSetDebug(t *testing.T) {
	tracer := New()
	defer tracer.Close()
	tc, _ := tracer.StartTrace("op", nil)

	assert.False(t, tc.Debug())

	tc.SetDebug(true)
	assert.True(t, tc.Debug())
	v, ok := tc.GetAttribute(DebugAttributeKey)
	require.True(t, ok)
	assert.Equal(t, "true", v)

	// Debug rides normal attribute inheritance.
	child, _, ok := tracer.CreateSpan("child", tc)
	require.True(t, ok)
	assert.True(t, child.Debug())

	tc.SetDebug(false)
	assert.False(t, tc.Debug())
	_, ok = tc.GetAttribute(DebugAttributeKey)
	assert.False(t, ok)
}

func TestForeachAttribute(t *testing.T) {
	tracer := New()
	defer tracer.Close()
	tc, _ := tracer.StartTrace("op", nil)

	require.NoError(t, tc.SetAttribute("a", "1"))
	require.NoError(t, tc.SetAttribute("b", "2"))
	require.NoError(t, tc.SetAttribute("c", "3"))

	seen := map[string]string{}
	tc.ForeachAttribute(func(k, v string) bool {
		seen[k] = v
		return true
	})
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, seen)

	// Early stop.
	count := 0
	tc.ForeachAttribute(func(_, _ string) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}

// TestConcurrentAttributeAccess exercises the copy-then-publish write
// path under the race detector: readers must always observe a complete
// mapping, and every write must land.
func TestConcurrentAttributeAccess(t *testing.T) {
	tracer := New()
	defer tracer.Close()
	tc, _ := tracer.StartTrace("op", nil)

	var wg sync.WaitGroup
	writers := 8
	keysPerWriter := 20

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < keysPerWriter; i++ {
				key := fmt.Sprintf("k%d-%d", w, i)
				assert.NoError(t, tc.SetAttribute(key, "v"))
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			tc.ForeachAttribute(func(_, v string) bool {
				assert.Equal(t, "v", v)
				return true
			})
		}
	}()

	wg.Wait()
	assert.Equal(t, writers*keysPerWriter, tc.AttributeCount())
}

// TestConcurrentDerivationDeterminism checks that a child derived while
// an ancestor write races either sees the whole write or none of it.
func TestConcurrentDerivationDeterminism(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	root, _ := tracer.StartTrace("root", nil)

	var wg sync.WaitGroup
	children := make([]*TraceContext, 50)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = root.SetAttribute("flag", "on")
	}()

	for i := range children {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			child, _, ok := tracer.CreateSpan("child", root)
			assert.True(t, ok)
			children[i] = child
		}(i)
	}

	wg.Wait()

	for _, child := range children {
		v, ok := child.GetAttribute("flag")
		if ok {
			assert.Equal(t, "on", v, "a visible write must be complete")
		}
	}
}
