package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

// load parses args with everything file-based pointed into a temp dir so the
// working directory never leaks in.
func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	dir := t.TempDir()
	base := []string{
		"--env-file=" + filepath.Join(dir, "missing.env"),
		"--token-file=" + filepath.Join(dir, "missing.token"),
	}
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	if err := flags.Parse(append(base, args...)); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return Load(flags)
}

func TestDefaults(t *testing.T) {
	cfg, err := load(t)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	checks := []struct {
		name      string
		got, want any
	}{
		{"base", cfg.Base, "plans"},
		{"broker.url", cfg.Broker.URL, "https://skyportal-icare.ijclab.in2p3.fr"},
		{"broker.auth_scheme", cfg.Broker.AuthScheme, "token"},
		{"broker.token", cfg.Broker.Token, ""},
		{"poll.delay", cfg.Poll.Delay, 10 * time.Second},
		{"poll.lookback", cfg.Poll.Lookback, 24 * time.Hour},
		{"poll.max_age_days", cfg.Poll.MaxAgeDays, 1.0},
		{"poll.repeat", cfg.Poll.Repeat, 1},
		{"telescope.api_url", cfg.Telescope.APIURL, "http://localhost:8889"},
		{"telescope.target_id", cfg.Telescope.TargetID, 50},
		{"horizon.min_alt", cfg.Horizon.MinAlt, 10.0},
		{"visibility.samples", cfg.Visibility.Samples, 10},
		{"observe.max_pointings", cfg.Observe.MaxPointings, 20},
		{"notify.mqtt.qos", cfg.Notify.MQTT.QoS, 1},
		{"log.format", cfg.Log.Format, "json"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if len(cfg.Notify.Email.To) != 0 {
		t.Errorf("notify.email.to = %v, want empty", cfg.Notify.Email.To)
	}
}

func TestFlagsOverride(t *testing.T) {
	cfg, err := load(t,
		"-b", "/data/plans",
		"--delay=30s",
		"--max-tiles=5",
		"-i", "22",
		"-m", "a@example.org",
		"-m", "b@example.org",
		"--followups",
	)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Base != "/data/plans" || cfg.Poll.Delay != 30*time.Second || cfg.Poll.MaxFields != 5 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Poll.InstrumentID != 22 || !cfg.Poll.Followups {
		t.Errorf("unexpected poll config %+v", cfg.Poll)
	}
	if strings.Join(cfg.Notify.Email.To, ",") != "a@example.org,b@example.org" {
		t.Errorf("notify.email.to = %v", cfg.Notify.Email.To)
	}
}

func TestEnvironment(t *testing.T) {
	t.Setenv("PLANWATCH_POLL_MAX_AGE_DAYS", "2.5")
	t.Setenv("PLANWATCH_NOTIFY_TELEGRAM_CHAT_IDS", "100,200")
	t.Setenv("PLANWATCH_STATUS_ADDR", ":9090")
	t.Setenv("PLANWATCH_POLL_DELAY", "1m")

	cfg, err := load(t, "--delay=5s")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Poll.MaxAgeDays != 2.5 {
		t.Errorf("max_age_days = %v, want 2.5", cfg.Poll.MaxAgeDays)
	}
	if strings.Join(cfg.Notify.Telegram.ChatIDs, ",") != "100,200" {
		t.Errorf("chat ids = %v", cfg.Notify.Telegram.ChatIDs)
	}
	if cfg.Status.Addr != ":9090" {
		t.Errorf("status.addr = %q", cfg.Status.Addr)
	}
	if cfg.Poll.Delay != 5*time.Second {
		t.Errorf("flag should beat environment, delay = %s", cfg.Poll.Delay)
	}
}

func TestDotenv(t *testing.T) {
	const key = "PLANWATCH_JOURNAL_PATH"
	t.Cleanup(func() { os.Unsetenv(key) })

	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte(key+"=/var/lib/planwatch/journal.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(t, "--env-file="+envFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Journal.Path != "/var/lib/planwatch/journal.db" {
		t.Errorf("journal.path = %q", cfg.Journal.Path)
	}
}

func TestTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(t, "--token-file="+path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Token != "s3cret" {
		t.Errorf("token = %q, want s3cret", cfg.Broker.Token)
	}

	cfg, err = load(t, "--token-file="+path, "--token=direct")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Token != "direct" {
		t.Errorf("explicit token should win, got %q", cfg.Broker.Token)
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "planwatch.yaml")
	yaml := `base: /srv/plans
poll:
  delay: 2m
  instrument_id: 23
telescope:
  username: observer
notify:
  nats:
    url: nats://localhost:4222
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(t, "--config="+path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Base != "/srv/plans" || cfg.Poll.Delay != 2*time.Minute || cfg.Poll.InstrumentID != 23 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Telescope.Username != "observer" || cfg.Notify.NATS.URL != "nats://localhost:4222" {
		t.Errorf("nested keys not read: %+v %+v", cfg.Telescope, cfg.Notify.NATS)
	}
	if cfg.Notify.NATS.Subject != "planwatch.plans" {
		t.Errorf("default lost under config file: %q", cfg.Notify.NATS.Subject)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"zero delay", []string{"--delay=0s"}, "poll.delay"},
		{"negative tiles", []string{"--max-tiles=-1"}, "poll.max_fields"},
		{"bad format", []string{"--log-format=xml"}, "log.format"},
		{"empty base", []string{"--base="}, "base directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := load(t, "--config="+filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
