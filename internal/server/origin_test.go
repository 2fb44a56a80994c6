package server

import (
	"testing"

	"github.com/moles-world/shellcache/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:   5000,
			Domain:       "moles.local",
			Origin:       "https://moles.example",
			AllowedHosts: []string{"unsplash.com", "fonts.googleapis.com"},
		},
		Caches: config.CacheConfig{
			Shell:   "moles-world-v2",
			Dynamic: "moles-world-dynamic-v1",
			Image:   "moles-world-images-v1",
		},
	}
}

func TestSiteLookupByHost(t *testing.T) {
	site, err := NewSite(testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		host string
		base string
		own  bool
		ok   bool
	}{
		{host: "moles.local", base: "https://moles.example", own: true, ok: true},
		{host: "MOLES.local:6000", base: "https://moles.example", own: true, ok: true},
		{host: "moles.example", base: "https://moles.example", own: true, ok: true},
		{host: "images.unsplash.com", base: "https://images.unsplash.com", ok: true},
		{host: "fonts.googleapis.com.", base: "https://fonts.googleapis.com", ok: true},
		{host: "tracker.example", ok: false},
		{host: "", ok: false},
	}
	for _, tc := range cases {
		target, ok := site.Lookup(tc.host)
		if ok != tc.ok {
			t.Fatalf("%q: expected ok=%v", tc.host, tc.ok)
		}
		if !ok {
			continue
		}
		if target.Base.String() != tc.base || target.Own != tc.own {
			t.Fatalf("%q: unexpected target %+v", tc.host, target)
		}
	}
}

func TestSiteRequiresDomainAndOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.Global.Domain = ""
	if _, err := NewSite(cfg); err == nil {
		t.Fatalf("expected missing domain error")
	}
	cfg = testConfig()
	cfg.Global.Origin = ""
	if _, err := NewSite(cfg); err == nil {
		t.Fatalf("expected missing origin error")
	}
}
