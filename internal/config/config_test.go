package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": 9090},
		"storage": {"bucket": "from-file", "use_memory_store": false},
		"pin": {"max_attempts": 3}
	}`), 0o600))

	t.Setenv("S3_BUCKET", "from-env")
	t.Setenv("SIGNING_CERT_PASSPHRASE", "secret")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Storage.Bucket)
	assert.Equal(t, "secret", cfg.Signing.Certificate.Passphrase)
	assert.Equal(t, 30*time.Minute, cfg.PIN.LockoutPeriod)
	assert.Equal(t, 8192, cfg.Signing.SignatureReserve)
}

func TestValidate_MissingSigningMaterial(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Signing.Certificate.Path = ""
	cfg.Signing.Certificate.Base64 = ""

	err = cfg.Validate()
	assert.ErrorIs(t, err, ErrConfiguration)

	cfg.Signing.Certificate.Path = "/etc/signdesk/cert.p12"
	cfg.Signing.Certificate.Passphrase = "pass"
	cfg.Signing.OwnerPassword = "owner"
	cfg.PIN.UnlockSecret = "unlock"
	cfg.Storage.UseMemoryStore = true
	assert.NoError(t, cfg.Validate())
}

func TestDatabaseURL(t *testing.T) {
	c := DatabaseConfig{User: "u", Password: "p", Host: "db", Port: 5432, DBName: "signdesk", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/signdesk?sslmode=disable", c.GetDatabaseURL())
}
