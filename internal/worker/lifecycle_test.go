package worker

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/moles-world/shellcache/internal/cache"
)

func TestInstallPopulatesShellAndImages(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	res, err := env.worker.Install(ctx)
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if res.Shell != 3 || res.Images != 2 || res.ImageMisses != 0 {
		t.Fatalf("unexpected install result %+v", res)
	}
	if env.worker.State() != StateInstalled {
		t.Fatalf("expected installed(waiting), got %s", env.worker.State())
	}
	if res.ActivateNow {
		t.Fatalf("activation should wait without skip-waiting")
	}

	shell, _ := env.registry.OpenName(ctx, testGenerations.Shell)
	keys, _ := shell.Keys(ctx)
	if len(keys) != 3 {
		t.Fatalf("expected 3 shell entries, got %v", keys)
	}
	if _, err := shell.Match(ctx, "GET "+testOrigin+"/offline.html"); err != nil {
		t.Fatalf("offline page should be precached: %v", err)
	}
}

func TestInstallFailsWithoutPartialShell(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*fakeNetwork)
	}{
		{name: "transport failure", setup: func(n *fakeNetwork) { delete(n.responses, testOrigin+"/offline.html") }},
		{name: "non-ok status", setup: func(n *fakeNetwork) { n.serve(testOrigin+"/", http.StatusNotFound, "gone") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			tc.setup(env.network)
			ctx := context.Background()

			if _, err := env.worker.Install(ctx); err == nil {
				t.Fatalf("install should fail")
			}
			if env.worker.State() != StateRedundant {
				t.Fatalf("expected redundant, got %s", env.worker.State())
			}
			names, _ := env.registry.Names(ctx)
			for _, name := range names {
				if name == testGenerations.Shell {
					t.Fatalf("shell cache must not exist after failed install")
				}
			}
		})
	}
}

func TestInstallToleratesSeedImageFailures(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.SeedImages = absAll(t,
			"https://images.unsplash.com/photo-1.jpg",
			"https://images.unsplash.com/missing.jpg",
			"https://images.unsplash.com/broken.jpg",
		)
	})
	env.network.serve("https://images.unsplash.com/broken.jpg", http.StatusInternalServerError, "boom")

	res, err := env.worker.Install(context.Background())
	if err != nil {
		t.Fatalf("seed image failures must not fail install: %v", err)
	}
	if res.Images != 1 || res.ImageMisses != 2 {
		t.Fatalf("unexpected image counts %+v", res)
	}
}

func TestInstallRetryAfterFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.network.setOffline(true)
	if _, err := env.worker.Install(context.Background()); err == nil {
		t.Fatalf("offline install should fail")
	}
	env.network.setOffline(false)
	if _, err := env.worker.Install(context.Background()); err != nil {
		t.Fatalf("redundant worker should install again: %v", err)
	}
}

func TestSkipWaitingMessageStartsActivating(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.worker.Install(ctx); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	eff := env.worker.HandleEvent(ctx, MessageEvent{Message: Message{Type: MessageSkipWaiting}})
	if eff.Err != nil {
		t.Fatalf("unexpected error: %v", eff.Err)
	}
	if env.worker.State() != StateActivating {
		t.Fatalf("expected activating, got %s", env.worker.State())
	}
	if !eff.Activate {
		t.Fatalf("host should be asked to deliver activate")
	}

	act := env.worker.HandleEvent(ctx, ActivateEvent{})
	if act.Err != nil || env.worker.State() != StateActivated || !act.ClaimClients {
		t.Fatalf("activate failed: %v state=%s", act.Err, env.worker.State())
	}
	if !env.clients.claimed {
		t.Fatalf("clients should be claimed on activation")
	}
}

func TestSkipWaitingBeforeInstallCompletes(t *testing.T) {
	env := newTestEnv(t, nil)
	if env.worker.SkipWaiting() {
		t.Fatalf("uninstalled worker cannot start activating")
	}
	eff := env.worker.HandleEvent(context.Background(), InstallEvent{})
	if eff.Err != nil {
		t.Fatalf("install failed: %v", eff.Err)
	}
	if !eff.Activate || env.worker.State() != StateActivating {
		t.Fatalf("pending skip-waiting should activate right after install, state=%s", env.worker.State())
	}
}

func TestActivatePurgesStaleGenerations(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	for _, stale := range []string{"moles-world-v1", "moles-world-images-v0"} {
		handle, _ := env.registry.OpenName(ctx, stale)
		_ = handle.Put(ctx, "GET "+testOrigin+"/old.css", &cache.Response{Status: http.StatusOK})
	}
	if _, err := env.worker.Install(ctx); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	_, _ = env.registry.Open(ctx, cache.PurposeDynamic)

	res, err := env.worker.Activate(ctx)
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if len(res.Purged) != 2 {
		t.Fatalf("expected 2 purged caches, got %v", res.Purged)
	}
	names, _ := env.registry.Names(ctx)
	want := testGenerations.Names()
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

func TestActivateRequiresInstall(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.worker.Activate(context.Background())
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := env.worker.Install(context.Background()); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if _, err := env.worker.Install(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second install should be rejected, got %v", err)
	}
}

func TestGetCacheSizeSumsAllCaches(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	counts := map[string]int{"shell-a": 3, "dynamic-b": 2, "images-c": 5}
	for name, count := range counts {
		handle, err := env.registry.OpenName(ctx, name)
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		for i := 0; i < count; i++ {
			key, err := cache.KeyFromString(http.MethodGet, testOrigin+"/"+name+"/"+string(rune('a'+i)))
			if err != nil {
				t.Fatalf("key error: %v", err)
			}
			if err := handle.Put(ctx, key, &cache.Response{Status: http.StatusOK}); err != nil {
				t.Fatalf("put failed: %v", err)
			}
		}
	}

	eff := env.worker.HandleEvent(ctx, MessageEvent{Message: Message{Type: MessageGetCacheSize}})
	reply, ok := eff.Reply.(CacheSizeReply)
	if !ok {
		t.Fatalf("expected CacheSizeReply, got %#v", eff.Reply)
	}
	if reply.Type != ReplyCacheSizes || reply.Sizes != 10 {
		t.Fatalf("expected 10 entries, got %+v", reply)
	}
}

func TestUnknownMessageHasNoReply(t *testing.T) {
	env := newTestEnv(t, nil)
	eff := env.worker.HandleEvent(context.Background(), MessageEvent{Message: Message{Type: "PING"}})
	if eff.Err != nil || eff.Reply != nil || eff.Activate {
		t.Fatalf("unknown message should be ignored: %+v", eff)
	}
	if _, err := ParseMessage([]byte("not json")); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}
