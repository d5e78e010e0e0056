package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCmd("test", "abc123", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("keygate %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestKeyCreateListRevoke(t *testing.T) {
	dir := t.TempDir()

	var issued service.IssuedKey
	out := run(t, "key", "create", "--data-dir", dir, "--owner", "acct_1", "--name", "storefront",
		"--scopes", "products:read,cart:write", "--env", "test", "--json")
	if err := json.Unmarshal([]byte(out), &issued); err != nil {
		t.Fatalf("decode create output: %v\n%s", err, out)
	}
	if !strings.HasPrefix(issued.Secret, "sf_test_") {
		t.Errorf("secret = %q, want sf_test_ prefix", issued.Secret)
	}
	if len(issued.Key.Scopes) != 2 {
		t.Errorf("scopes = %v", issued.Key.Scopes)
	}

	var list []model.APIKey
	out = run(t, "key", "list", "--data-dir", dir, "--json")
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode list output: %v\n%s", err, out)
	}
	if len(list) != 1 || list[0].ID != issued.Key.ID {
		t.Fatalf("list = %+v", list)
	}

	out = run(t, "key", "revoke", issued.Key.ID, "--data-dir", dir, "--reason", "leaked")
	if !strings.Contains(out, "Revoked API key") {
		t.Errorf("revoke output = %q", out)
	}

	out = run(t, "key", "list", "--data-dir", dir, "--status", "active", "--json")
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("active keys after revoke = %s", out)
	}
}

func TestVersionJSON(t *testing.T) {
	var info map[string]string
	if err := json.Unmarshal([]byte(run(t, "version", "--json")), &info); err != nil {
		t.Fatal(err)
	}
	if info["version"] != "test" || info["commit"] != "abc123" {
		t.Errorf("info = %v", info)
	}
}

func TestOpenAPICommand(t *testing.T) {
	out := run(t, "openapi")
	if !strings.Contains(out, `"/api/v1/keys"`) || !strings.Contains(out, `"/storefront/v1/whoami"`) {
		t.Errorf("openapi output missing paths:\n%.400s", out)
	}
}

func TestKeyFlagsPatch(t *testing.T) {
	var f keyFlags
	cmd := &cobra.Command{Use: "update"}
	f.register(cmd)
	if err := cmd.ParseFlags([]string{"--rate-limit", "300", "--scopes", "products:read"}); err != nil {
		t.Fatal(err)
	}

	p := f.patch(cmd)
	if p.RateLimit == nil || *p.RateLimit != 300 {
		t.Errorf("RateLimit = %v", p.RateLimit)
	}
	if p.Scopes == nil || len(*p.Scopes) != 1 {
		t.Errorf("Scopes = %v", p.Scopes)
	}
	if p.Name != nil || p.AllowedOrigins != nil || p.MonthlyRequestLimit != nil || p.ExpiresAt != nil {
		t.Errorf("unset flags should stay nil: %+v", p)
	}
}

func TestPrintKeyList(t *testing.T) {
	var buf bytes.Buffer
	if err := printKeyList(&buf, nil, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No API keys found") {
		t.Errorf("empty output = %q", buf.String())
	}

	buf.Reset()
	keys := []model.APIKey{{
		ID: "k1", KeyPrefix: "sf_live_abcdefgh", Environment: model.EnvironmentLive,
		Status: model.StatusActive, RotatedToID: "k2", Name: "old", OwnerID: "acct_1",
	}}
	if err := printKeyList(&buf, keys, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "rotating") {
		t.Errorf("rotated active key should show as rotating:\n%s", buf.String())
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	s := config.DefaultSettings()
	s.Logging.Format = "json"

	newLogger(&s, false, &buf).Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug should be filtered at info level: %s", buf.String())
	}

	newLogger(&s, true, &buf).Debug("shown", "key_prefix", "sf_live_abcdefgh")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("want JSON log line: %v (%s)", err, buf.String())
	}
	if line["msg"] != "shown" {
		t.Errorf("line = %v", line)
	}
}

func TestRedact(t *testing.T) {
	if redact("") != "" {
		t.Error("empty values stay empty")
	}
	if redact("s3cret") == "s3cret" {
		t.Error("secret not redacted")
	}
}
