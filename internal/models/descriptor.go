package models

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/rescale/rescale-fetch/internal/crypto" // package name is 'encryption'
	"github.com/rescale/rescale-fetch/internal/validation"
)

// Descriptor describes one remote object to download. It is produced by the
// admission service and treated as immutable for one attempt.
type Descriptor struct {
	Remote Remote `json:"remote"`
	Meta   Meta   `json:"meta"`
}

// Remote is the endpoint serving the (possibly encrypted) object.
type Remote struct {
	URL     string            `json:"url"` // plain or base64-encoded
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Meta describes the plaintext and its container framing.
type Meta struct {
	Size            int64  `json:"size"`
	FileName        string `json:"fileName"`
	Encryption      string `json:"encryption"` // "plain" or "framed"
	BlockHeaderSize int64  `json:"blockHeaderSize,omitempty"`
	BlockDataSize   int64  `json:"blockDataSize,omitempty"`
	FileHeaderSize  int64  `json:"fileHeaderSize,omitempty"`
	DataKeyBase64   string `json:"dataKeyBase64,omitempty"`
}

var remoteSchemes = map[string]bool{
	"http":        true,
	"https":       true,
	"s3":          true,
	"azblob":      true,
	"azblob+http": true,
}

// ParseDescriptor decodes and validates a JSON descriptor.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, &ConfigError{Field: "descriptor", Reason: "malformed JSON", Err: err}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Mode returns the container mode, defaulting to plain.
func (d *Descriptor) Mode() encryption.Mode {
	if d.Meta.Encryption == "" {
		return encryption.ModePlain
	}
	return encryption.Mode(d.Meta.Encryption)
}

// Framing returns the container layout constants.
func (d *Descriptor) Framing() encryption.Framing {
	return encryption.Framing{
		Mode:            d.Mode(),
		BlockDataSize:   d.Meta.BlockDataSize,
		BlockHeaderSize: d.Meta.BlockHeaderSize,
		FileHeaderSize:  d.Meta.FileHeaderSize,
	}
}

// Method returns the request method, defaulting to GET.
func (d *Descriptor) Method() string {
	if d.Remote.Method == "" {
		return "GET"
	}
	return strings.ToUpper(d.Remote.Method)
}

// ResolvedURL returns the endpoint URL, decoding it from base64 when the raw
// value is not already a supported URL.
func (d *Descriptor) ResolvedURL() (string, error) {
	raw := strings.TrimSpace(d.Remote.URL)
	if raw == "" {
		return "", &ConfigError{Field: "remote.url", Reason: "missing"}
	}
	if isRemoteURL(raw) {
		return raw, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		decoded, err := enc.DecodeString(raw)
		if err == nil && isRemoteURL(string(decoded)) {
			return string(decoded), nil
		}
	}
	return "", &ConfigError{Field: "remote.url", Reason: "not a supported URL or base64-encoded URL"}
}

func isRemoteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && remoteSchemes[strings.ToLower(u.Scheme)] && u.Host != ""
}

// Key decodes the data key. It is nil in plain mode.
func (d *Descriptor) Key() ([]byte, error) {
	if d.Mode() != encryption.ModeFramed {
		return nil, nil
	}
	key, err := encryption.DecodeKey(d.Meta.DataKeyBase64)
	if err != nil {
		return nil, &ConfigError{Field: "meta.dataKeyBase64", Reason: "unusable data key", Err: err}
	}
	return key, nil
}

// Validate checks the descriptor before any network activity.
func (d *Descriptor) Validate() error {
	if _, err := d.ResolvedURL(); err != nil {
		return err
	}
	if d.Meta.Size < 0 {
		return &ConfigError{Field: "meta.size", Reason: fmt.Sprintf("negative size %d", d.Meta.Size)}
	}
	if d.Meta.FileName != "" {
		if err := validation.ValidateFilename(d.Meta.FileName); err != nil {
			return &ConfigError{Field: "meta.fileName", Reason: "unsafe file name", Err: err}
		}
	}

	switch d.Mode() {
	case encryption.ModePlain:
		return nil
	case encryption.ModeFramed:
	default:
		return &ConfigError{Field: "meta.encryption", Reason: fmt.Sprintf("unknown mode %q", d.Meta.Encryption)}
	}

	f := d.Framing()
	if !f.Framed() {
		return &ConfigError{Field: "meta", Reason: "framed mode requires positive blockDataSize, blockHeaderSize and fileHeaderSize"}
	}
	if d.Meta.DataKeyBase64 == "" {
		return &ConfigError{Field: "meta.dataKeyBase64", Reason: "missing in framed mode"}
	}
	if err := encryption.ValidateFraming(f); err != nil {
		return &ConfigError{Field: "meta", Reason: "unsupported framing", Err: err}
	}
	_, err := d.Key()
	return err
}

// OutputName is the local file name for the download: meta.fileName, else
// the last element of the remote URL path, else "download".
func (d *Descriptor) OutputName() string {
	if d.Meta.FileName != "" {
		return d.Meta.FileName
	}
	if raw, err := d.ResolvedURL(); err == nil {
		if u, err := url.Parse(raw); err == nil {
			if base := path.Base(u.Path); validation.ValidateFilename(base) == nil {
				return base
			}
		}
	}
	return "download"
}

// Signature fingerprints the fields that decide whether cached segment bytes
// can be reused: plaintext size, framing constants and mode.
func (d *Descriptor) Signature() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%d|%d|%s",
		d.Meta.Size, d.Meta.BlockDataSize, d.Meta.BlockHeaderSize, d.Meta.FileHeaderSize, d.Mode())))
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	if d.Remote.Headers != nil {
		c.Remote.Headers = make(map[string]string, len(d.Remote.Headers))
		for k, v := range d.Remote.Headers {
			c.Remote.Headers[k] = v
		}
	}
	return &c
}
