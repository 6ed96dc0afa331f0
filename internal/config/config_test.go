package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads so host settings cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "ENV", "MAIL_TRANSPORT", "SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASS",
		"SMTP_SECURE", "SMTP_INSECURE_SKIP_VERIFY", "SMTP_PROFILES_FILE", "SMTP_PROFILE",
		"SMTP_CONNECT_TIMEOUT", "DELIVERY_TIMEOUT", "RESEND_API_KEY", "EMAIL_FROM_ADDR",
		"EMAIL_FROM_NAME", "EMAIL_REPLY_TO_ADDR", "EMAIL_REPLY_TO_NAME", "HISTORY_BACKEND",
		"HISTORY_FILE", "DATABASE_URL", "REDIS_URL", "REDIS_KEY_PREFIX", "MAX_PARALLEL",
		"MAX_BODY_BYTES", "TEST_SEND_RECORDS_HISTORY", "TEST_SEND_RATE_PER_MINUTE",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("EMAIL_FROM_ADDR", "news@example.com")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != "8080" || c.Env != "development" || c.MailTransport != TransportSMTP {
		t.Errorf("unexpected server defaults: %+v", c)
	}
	if c.SMTPPort != 587 || c.SMTPConnectTimeout != 10*time.Second || c.DeliveryTimeout != 30*time.Second {
		t.Errorf("unexpected smtp defaults: port=%d connect=%s delivery=%s", c.SMTPPort, c.SMTPConnectTimeout, c.DeliveryTimeout)
	}
	if c.HistoryBackend != "file" || c.HistoryFile != "send_history.log" || c.RedisKeyPrefix != "massmail" {
		t.Errorf("unexpected history defaults: %+v", c)
	}
	if c.MaxParallel != 20 || c.MaxBodyBytes != 25<<20 || c.TestSendRatePerMinute != 10 || c.TestSendRecordsHistory {
		t.Errorf("unexpected limits: %+v", c)
	}
	if c.IsProduction() {
		t.Error("default env is not production")
	}
}

func TestLoad_CollectsAllProblems(t *testing.T) {
	clearEnv(t)
	t.Setenv("HISTORY_BACKEND", "postgres")
	t.Setenv("MAX_PARALLEL", "0")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"SMTP_HOST", "EMAIL_FROM_ADDR", "DATABASE_URL", "MAX_PARALLEL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestLoad_ResendTransport(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAIL_TRANSPORT", "Resend")
	t.Setenv("EMAIL_FROM_ADDR", "news@example.com")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "RESEND_API_KEY") {
		t.Fatalf("expected RESEND_API_KEY to be required, got %v", err)
	}

	t.Setenv("RESEND_API_KEY", "re_123")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.MailTransport != TransportResend {
		t.Errorf("transport should be normalised, got %q", c.MailTransport)
	}
}

func TestLoad_UnknownValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAIL_TRANSPORT", "pigeon")
	t.Setenv("HISTORY_BACKEND", "cassandra")
	t.Setenv("EMAIL_FROM_ADDR", "news@example.com")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "MAIL_TRANSPORT") || !strings.Contains(err.Error(), "HISTORY_BACKEND") {
		t.Fatalf("expected both unknown values reported, got %v", err)
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	t.Setenv("X_TIMEOUT", "15")
	if got := getEnvAsDuration("X_TIMEOUT", time.Second); got != 15*time.Second {
		t.Errorf("plain integer is seconds, got %s", got)
	}
	t.Setenv("X_TIMEOUT", "250ms")
	if got := getEnvAsDuration("X_TIMEOUT", time.Second); got != 250*time.Millisecond {
		t.Errorf("got %s", got)
	}
	t.Setenv("X_TIMEOUT", "soon")
	if got := getEnvAsDuration("X_TIMEOUT", time.Second); got != time.Second {
		t.Errorf("invalid value should fall back, got %s", got)
	}
}

func TestLoadDotEnv_RealEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nDOTENV_A=\"from file\"\nexport DOTENV_B='b'\nDOTENV_C=file\nnot a pair\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DOTENV_A", "")
	t.Setenv("DOTENV_B", "")
	t.Setenv("DOTENV_C", "shell")

	loadDotEnv(path)

	if got := os.Getenv("DOTENV_A"); got != "from file" {
		t.Errorf("DOTENV_A: got %q", got)
	}
	if got := os.Getenv("DOTENV_B"); got != "b" {
		t.Errorf("DOTENV_B: got %q", got)
	}
	if got := os.Getenv("DOTENV_C"); got != "shell" {
		t.Errorf("real env should win, got %q", got)
	}
}

// ─── PROFILES ─────────────────────────────────────────────────────────────────

const profilesYAML = `profiles:
  gmail:
    host: smtp.gmail.com
    port: 587
    user: me@gmail.com
    recommended_delay: 2s
  ionos:
    host: smtp.ionos.de
    port: 465
    secure: true
    recommended_delay: 1500ms
`

func writeProfiles(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "smtp.yaml")
	if err := os.WriteFile(path, []byte(profilesYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadProfiles(t *testing.T) {
	profiles, err := LoadProfiles(writeProfiles(t))
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	p := profiles["ionos"]
	if p.Host != "smtp.ionos.de" || p.Port != 465 || !p.Secure || p.RecommendedDelay != 1500*time.Millisecond {
		t.Errorf("unexpected profile %+v", p)
	}
}

func TestLoadProfiles_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smtp.yaml")
	if err := os.WriteFile(path, []byte("profiles:\n  x:\n    hostname: a\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfiles(path); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestLoad_ProfileFillsUnsetValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("EMAIL_FROM_ADDR", "news@example.com")
	t.Setenv("SMTP_PROFILES_FILE", writeProfiles(t))
	t.Setenv("SMTP_PROFILE", "ionos")
	t.Setenv("SMTP_PORT", "2525")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.SMTPHost != "smtp.ionos.de" || !c.SMTPSecure || c.RecommendedDelay != 1500*time.Millisecond {
		t.Errorf("profile values not applied: %+v", c)
	}
	if c.SMTPPort != 2525 {
		t.Errorf("explicit SMTP_PORT must win, got %d", c.SMTPPort)
	}
}

func TestLoad_MissingProfile(t *testing.T) {
	clearEnv(t)
	t.Setenv("EMAIL_FROM_ADDR", "news@example.com")
	t.Setenv("SMTP_PROFILES_FILE", writeProfiles(t))
	t.Setenv("SMTP_PROFILE", "aol")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), `"aol" not found`) {
		t.Fatalf("expected missing profile error, got %v", err)
	}
}
