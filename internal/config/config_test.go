package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BOLETO_SESSION_TTL", "")
	t.Setenv("BOLETO_MAX_RETRIES", "")
	t.Setenv("CORS_ORIGINS", "")
	cfg := Load()
	if cfg.SessionTTL != 30*time.Minute {
		t.Errorf("SessionTTL = %v", cfg.SessionTTL)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d", cfg.MaxRetries)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BOLETO_SESSION_TTL", "45m")
	t.Setenv("BOLETO_MAX_RETRIES", "3")
	t.Setenv("BOLETO_ATTACH_PDF", "true")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	cfg := Load()
	if cfg.SessionTTL != 45*time.Minute || cfg.MaxRetries != 3 || !cfg.AttachPDF {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestParseInstances(t *testing.T) {
	t.Setenv("EVO_KEY_A", "segredo-a")
	raw := []byte(`
instances:
  - name: sindicato-a
    clinic_id: 11111111-1111-1111-1111-111111111111
    clinic_name: Sindicato A
    api_url: https://evo.example.com/
    api_key: ${EVO_KEY_A}
  - name: sindicato-b
    clinic_id: 22222222-2222-2222-2222-222222222222
    api_url: https://evo.example.com
    api_key: literal
    disabled: true
`)
	got, err := ParseInstances(raw)
	if err != nil {
		t.Fatalf("ParseInstances: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].APIKey != "segredo-a" || got[0].APIURL != "https://evo.example.com" {
		t.Errorf("instance a = %+v", got[0])
	}
	if !got[1].Disabled {
		t.Error("instance b should be disabled")
	}

	if _, err := ParseInstances([]byte("instances:\n  - name: x\n")); err == nil {
		t.Error("missing clinic_id must fail")
	}
	dup := []byte(`
instances:
  - {name: a, clinic_id: 11111111-1111-1111-1111-111111111111, api_url: http://x}
  - {name: a, clinic_id: 22222222-2222-2222-2222-222222222222, api_url: http://y}
`)
	if _, err := ParseInstances(dup); err == nil {
		t.Error("duplicate instance must fail")
	}
}
