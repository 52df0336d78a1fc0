package config

import "testing"

func TestParseRejectsEmptyListeners(t *testing.T) {
	_, err := parse([]byte(`{"workers": 2, "listeners": []}`))
	if err == nil {
		t.Fatal("expected error for empty listeners")
	}
}

func TestParseDefaultsWorkersAndRateLimit(t *testing.T) {
	cfg, err := parse([]byte(`{
		"listeners": [{
			"name": "front",
			"network": "tcp",
			"listen": "127.0.0.1:9000",
			"chain": [{"type": "TcpServer"}, {"type": "end"}]
		}]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 4 {
		t.Fatalf("got Workers=%d, want default 4", cfg.Workers)
	}
	lc := cfg.Listeners[0]
	if lc.RateLimitPerWindow != 200 || lc.RateLimitWindowSec != 30 {
		t.Fatalf("got rate limit %d/%ds, want 200/30s defaults", lc.RateLimitPerWindow, lc.RateLimitWindowSec)
	}
}

func TestVerifyRejectsQuicListenerWithoutTLSFiles(t *testing.T) {
	_, err := parse([]byte(`{
		"listeners": [{
			"name": "rendezvous",
			"network": "quic",
			"listen": "0.0.0.0:9443",
			"chain": [{"type": "QuicRendezvousServer"}, {"type": "end"}]
		}]
	}`))
	if err == nil {
		t.Fatal("expected error for quic listener missing tls cert/key files")
	}
}

func TestVerifyRejectsUnknownNetwork(t *testing.T) {
	_, err := parse([]byte(`{
		"listeners": [{
			"name": "front",
			"network": "udp",
			"listen": "127.0.0.1:9000",
			"chain": [{"type": "TcpServer"}]
		}]
	}`))
	if err == nil {
		t.Fatal("expected error for unknown network type")
	}
}

func TestNodeConfigsTranslatesChainEntries(t *testing.T) {
	lc := &ListenerConfig{
		Chain: []NodeConfigJSON{
			{Type: "TcpServer"},
			{Type: "Mux", Name: "m1"},
		},
	}
	configs := lc.NodeConfigs()
	if len(configs) != 2 {
		t.Fatalf("got %d node configs, want 2", len(configs))
	}
	if configs[1].Name != "m1" || configs[1].Type != "Mux" {
		t.Fatalf("got %+v, want Type=Mux Name=m1", configs[1])
	}
}
