package security_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signdesk/portal-backend/pkg/security"
	"signdesk/portal-backend/pkg/security/securitytest"
)

func TestDecodePKCS12(t *testing.T) {
	cred, err := security.DecodePKCS12(securitytest.Bundle(t), securitytest.Passphrase)
	require.NoError(t, err)
	assert.Equal(t, "SignDesk Test Signer", cred.Certificate.Subject.CommonName)
	assert.NotNil(t, cred.Key)

	_, err = security.DecodePKCS12(securitytest.Bundle(t), "wrong")
	assert.Error(t, err)
}

func TestSigningCredentials_Load(t *testing.T) {
	t.Run("base64", func(t *testing.T) {
		cred, err := securitytest.Credentials(t).Load()
		require.NoError(t, err)
		assert.Equal(t, "SignDesk", cred.Certificate.Subject.Organization[0])
	})

	t.Run("path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "signer.p12")
		require.NoError(t, os.WriteFile(path, securitytest.Bundle(t), 0o600))

		creds := security.SigningCredentials{Path: path, Passphrase: securitytest.Passphrase}
		require.True(t, creds.Configured())
		_, err := creds.Load()
		require.NoError(t, err)
	})

	t.Run("missing passphrase", func(t *testing.T) {
		creds := securitytest.Credentials(t)
		creds.Passphrase = ""
		assert.False(t, creds.Configured())
		_, err := creds.Load()
		assert.ErrorIs(t, err, security.ErrMissingCredentials)
	})

	t.Run("missing bundle", func(t *testing.T) {
		_, err := security.SigningCredentials{Passphrase: "x"}.Load()
		assert.ErrorIs(t, err, security.ErrMissingCredentials)
	})
}
