package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "tradewarden.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"account": {
			"name": "operator",
			"password": "pw",
			"shared_secret": "c2hhcmVk",
			"identity_secret": "aWRlbnRpdHk="
		},
		"custodian": {
			"privileged_id": "76561198000000001",
			"destination_id": "76561198000000002"
		},
		"platform": {"fixture": "sim_fixture.json"},
		"pricing": {"provider": "static", "table": "prices.yaml"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Custodian.ThresholdCents != 100 {
		t.Fatalf("unexpected threshold: %d", cfg.Custodian.ThresholdCents)
	}
	if cfg.Custodian.BatchMessage != "Items were over price cap" {
		t.Fatalf("unexpected batch message: %q", cfg.Custodian.BatchMessage)
	}
	if cfg.Custodian.SettleDelaySeconds != 3 {
		t.Fatalf("unexpected settle delay: %d", cfg.Custodian.SettleDelaySeconds)
	}
	if cfg.Platform.Driver != "sim" {
		t.Fatalf("unexpected platform driver: %q", cfg.Platform.Driver)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Workers != 2 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.BatchStore.Driver != "memory" {
		t.Fatalf("unexpected batch store driver: %q", cfg.BatchStore.Driver)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address: %q", cfg.Server.Address)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("unexpected log level: %q", cfg.Logging.Level)
	}

	// 相对路径解析为相对配置文件目录。
	if want := filepath.Join(dir, "sim_fixture.json"); cfg.Platform.Fixture != want {
		t.Fatalf("fixture 路径未按配置目录解析: %q", cfg.Platform.Fixture)
	}
	if want := filepath.Join(dir, "prices.yaml"); cfg.Pricing.Table != want {
		t.Fatalf("价格表路径未按配置目录解析: %q", cfg.Pricing.Table)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("空路径应当报错")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("缺失文件应当报错")
	}

	dir := t.TempDir()
	path := writeConfig(t, dir, "{not json")
	if _, err := Load(path); err == nil {
		t.Fatalf("非法 JSON 应当报错")
	}
}

func TestValidateRequiredFields(t *testing.T) {
	base := func() *Config {
		return &Config{
			Account: AccountConfig{
				Name:           "operator",
				Password:       "pw",
				SharedSecret:   "c2hhcmVk",
				IdentitySecret: "aWRlbnRpdHk=",
			},
			Custodian: CustodianConfig{
				PrivilegedID:  "76561198000000001",
				DestinationID: "76561198000000002",
			},
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("完整配置不应报错: %v", err)
	}

	mutations := map[string]func(*Config){
		"missing account":         func(c *Config) { c.Account.Name = "" },
		"missing password":        func(c *Config) { c.Account.Password = "" },
		"missing shared secret":   func(c *Config) { c.Account.SharedSecret = "" },
		"missing identity secret": func(c *Config) { c.Account.IdentitySecret = "" },
		"missing privileged id":   func(c *Config) { c.Custodian.PrivilegedID = "" },
		"missing destination":     func(c *Config) { c.Custodian.DestinationID = "" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("缺失必填字段应当报错")
			}
		})
	}
}
