package models

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-fetch/internal/crypto" // package name is 'encryption'
)

func framedJSON(key string) string {
	return `{
		"remote": {"url": "https://files.example.com/obj", "method": "get", "headers": {"Authorization": "Bearer x"}},
		"meta": {"size": 1000, "fileName": "out.bin", "encryption": "framed",
		         "blockHeaderSize": 16, "blockDataSize": 65536, "fileHeaderSize": 32,
		         "dataKeyBase64": "` + key + `"}
	}`
}

func TestParseDescriptor_Framed(t *testing.T) {
	key, _ := encryption.GenerateKey()
	d, err := ParseDescriptor([]byte(framedJSON(encryption.EncodeBase64(key))))
	require.NoError(t, err)

	assert.Equal(t, "GET", d.Method())
	assert.Equal(t, encryption.ModeFramed, d.Mode())
	assert.True(t, d.Framing().Framed())

	got, err := d.Key()
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestParseDescriptor_ConfigErrors(t *testing.T) {
	tests := map[string]string{
		"missing key":   `{"remote":{"url":"https://a/b"},"meta":{"size":1,"encryption":"framed","blockHeaderSize":16,"blockDataSize":64,"fileHeaderSize":32}}`,
		"zero framing":  `{"remote":{"url":"https://a/b"},"meta":{"size":1,"encryption":"framed","blockHeaderSize":16,"blockDataSize":0,"fileHeaderSize":32,"dataKeyBase64":"AAAA"}}`,
		"unknown mode":  `{"remote":{"url":"https://a/b"},"meta":{"size":1,"encryption":"rot13"}}`,
		"missing url":   `{"remote":{},"meta":{"size":1}}`,
		"negative size": `{"remote":{"url":"https://a/b"},"meta":{"size":-1}}`,
		"bad tag size":  `{"remote":{"url":"https://a/b"},"meta":{"size":1,"encryption":"framed","blockHeaderSize":12,"blockDataSize":64,"fileHeaderSize":32,"dataKeyBase64":"AAAA"}}`,
		"bad json":      `{`,
		"path in name":  `{"remote":{"url":"https://a/b"},"meta":{"size":1,"fileName":"../../etc/passwd"}}`,
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDescriptor([]byte(raw))
			var cfgErr *ConfigError
			assert.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
		})
	}
}

func TestResolvedURL_Base64(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("https://files.example.com/o?sig=1"))
	d := &Descriptor{Remote: Remote{URL: encoded}}

	got, err := d.ResolvedURL()
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/o?sig=1", got)

	d.Remote.URL = "s3://bucket/key"
	got, err = d.ResolvedURL()
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/key", got)

	d.Remote.URL = "not a url"
	_, err = d.ResolvedURL()
	assert.Error(t, err)
}

func TestOutputName(t *testing.T) {
	d := &Descriptor{Remote: Remote{URL: "https://files.example.com/runs/42/results.tar?sig=abc"}}
	assert.Equal(t, "results.tar", d.OutputName())

	d.Meta.FileName = "named.bin"
	assert.Equal(t, "named.bin", d.OutputName())

	d = &Descriptor{Remote: Remote{URL: "https://files.example.com/"}}
	assert.Equal(t, "download", d.OutputName())
}

// Signature must follow size, framing and mode but ignore endpoint fields.
func TestSignature(t *testing.T) {
	base := &Descriptor{
		Remote: Remote{URL: "https://a/b"},
		Meta:   Meta{Size: 100, Encryption: "framed", BlockDataSize: 64, BlockHeaderSize: 16, FileHeaderSize: 32},
	}
	sig := base.Signature()

	moved := base.Clone()
	moved.Remote.URL = "https://c/d"
	moved.Remote.Headers = map[string]string{"X": "y"}
	moved.Meta.DataKeyBase64 = "other"
	assert.Equal(t, sig, moved.Signature())

	for _, mutate := range []func(*Descriptor){
		func(d *Descriptor) { d.Meta.Size = 101 },
		func(d *Descriptor) { d.Meta.BlockDataSize = 128 },
		func(d *Descriptor) { d.Meta.BlockHeaderSize = 17 },
		func(d *Descriptor) { d.Meta.FileHeaderSize = 64 },
		func(d *Descriptor) { d.Meta.Encryption = "plain" },
	} {
		c := base.Clone()
		mutate(c)
		assert.NotEqual(t, sig, c.Signature())
	}
}

func TestClone_HeadersIndependent(t *testing.T) {
	d := &Descriptor{Remote: Remote{URL: "https://a/b", Headers: map[string]string{"A": "1"}}}
	c := d.Clone()
	c.Remote.Headers["A"] = "2"
	assert.Equal(t, "1", d.Remote.Headers["A"])
}
