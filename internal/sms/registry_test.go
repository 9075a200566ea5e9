package sms

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"   ", ""},
		{"/", "/"},
		{"webhooks/sms", "/webhooks/sms"},
		{"/webhooks/sms", "/webhooks/sms"},
		{"/webhooks/sms/", "/webhooks/sms"},
		{"/webhooks/sms///", "/webhooks/sms"},
		{"  /hook  ", "/hook"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, NormalizePath(tc.in), "input %q", tc.in)
	}
}

func TestRegistryLookupOrder(t *testing.T) {
	t.Parallel()

	registry := NewPathRegistry()
	first := &WebhookTarget{AccountID: "a", Path: "/hook"}
	second := &WebhookTarget{AccountID: "b", Path: "/hook/"}
	third := &WebhookTarget{AccountID: "c", Path: "hook"}

	registry.Register(first)
	registry.Register(second)
	registry.Register(third)

	targets := registry.Lookup("/hook")
	require.Len(t, targets, 3)
	require.Same(t, first, targets[0])
	require.Same(t, second, targets[1])
	require.Same(t, third, targets[2])
}

func TestRegistryUnregisterPreservesOthers(t *testing.T) {
	t.Parallel()

	registry := NewPathRegistry()
	first := &WebhookTarget{AccountID: "a", Path: "/hook"}
	second := &WebhookTarget{AccountID: "b", Path: "/hook"}

	unregisterFirst := registry.Register(first)
	registry.Register(second)

	unregisterFirst()
	targets := registry.Lookup("/hook")
	require.Len(t, targets, 1)
	require.Same(t, second, targets[0])

	// Double unregister is a no-op.
	unregisterFirst()
	require.Len(t, registry.Lookup("/hook"), 1)
}

func TestRegistryRegisterIdempotent(t *testing.T) {
	t.Parallel()

	registry := NewPathRegistry()
	target := &WebhookTarget{AccountID: "a", Path: "/hook"}

	registry.Register(target)
	unregister := registry.Register(target)

	require.Len(t, registry.Lookup("/hook"), 1)
	unregister()
	require.Empty(t, registry.Lookup("/hook"))
	require.Empty(t, registry.Paths())
}

func TestRegistryNilAndEmptyPath(t *testing.T) {
	t.Parallel()

	registry := NewPathRegistry()
	require.NotPanics(t, func() { registry.Register(nil)() })
	require.NotPanics(t, func() { registry.Register(&WebhookTarget{AccountID: "a"})() })
	require.Empty(t, registry.Paths())
}

func TestRegistryConcurrentRegisterUnregister(t *testing.T) {
	t.Parallel()

	registry := NewPathRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := &WebhookTarget{AccountID: fmt.Sprintf("acct-%d", i), Path: "/hook"}
			unregister := registry.Register(target)
			registry.Lookup("/hook")
			unregister()
		}(i)
	}
	wg.Wait()
	require.Empty(t, registry.Lookup("/hook"))
}
