package profile_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airdrop-automation/profile"
)

const jsonProfile = `{
	"user_data_path": "/data/profiles/0001",
	"proxy_host": "10.0.0.2",
	"proxy_port": 7890,
	"wallet": {"private_key": "0xabc", "address": "0x123", "name": "AutoAccount1", "mnemonic": ""},
	"twitter": {"username": "alice", "token": "tok"},
	"twitter_token": "legacy"
}`

const yamlProfile = `
user_data_path: /data/profiles/0002
proxy_scheme: http
wallet:
  address: "0x456"
discord:
  discord_token: dtok
`

func TestParse_JSONWithTabs(t *testing.T) {
	p, err := profile.Parse([]byte(jsonProfile))
	require.NoError(t, err)

	assert.Equal(t, "/data/profiles/0001", p.UserDataPath)
	assert.Equal(t, "socks5", p.ProxyScheme, "default scheme")
	assert.Equal(t, "socks5://10.0.0.2:7890", p.Proxy().Server())
	assert.Equal(t, "tok", p.TwitterAuthToken())
	assert.Equal(t, "AutoAccount1", p.Wallet.Name)
}

func TestParse_YAMLDefaults(t *testing.T) {
	p, err := profile.Parse([]byte(yamlProfile))
	require.NoError(t, err)

	assert.Equal(t, "http", p.ProxyScheme)
	assert.Equal(t, "127.0.0.1", p.ProxyHost)
	assert.Equal(t, 1080, p.ProxyPort)
	assert.Equal(t, "dtok", p.Discord.Token)
	assert.Equal(t, "127.0.0.1", p.Proxy().Endpoint().Host)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"malformed":      `{"user_data_path": `,
		"no path":        `{"wallet": {}}`,
		"no wallet":      `{"user_data_path": "/p"}`,
		"bad port":       `{"user_data_path": "/p", "proxy_port": 70000, "wallet": {}}`,
		"bad scheme":     `{"user_data_path": "/p", "proxy_scheme": "ftp", "wallet": {}}`,
		"bad override":   `{"user_data_path": "/p", "wallet": {}, "fingerprint": {"platform": "linux"}}`,
		"yaml type error": "user_data_path: [1, 2]\nwallet: {}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := profile.Parse([]byte(doc))
			assert.ErrorIs(t, err, profile.ErrInvalidProfile)
		})
	}
}

func TestLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in/account.json", []byte(jsonProfile), 0o644))

	p, err := profile.Load(fs, "/in/account.json")
	require.NoError(t, err)
	assert.Equal(t, 7890, p.ProxyPort)

	_, err = profile.Load(fs, "/in/missing.json")
	assert.ErrorIs(t, err, profile.ErrInvalidProfile)
}
