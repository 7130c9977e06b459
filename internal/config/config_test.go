package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("INVENTORY_TTL_SECONDS", "")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.InventoryTTLSeconds != 20 {
		t.Fatalf("expected default inventory TTL 20, got %d", cfg.InventoryTTLSeconds)
	}
}

func TestLoadRejectsBadTTL(t *testing.T) {
	t.Setenv("INVENTORY_TTL_SECONDS", "-5")

	cfg := Load()
	if cfg.InventoryTTLSeconds != 20 {
		t.Fatalf("expected fallback TTL 20 for negative value, got %d", cfg.InventoryTTLSeconds)
	}
}
