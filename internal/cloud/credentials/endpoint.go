// Package credentials resolves storage credentials carried in a descriptor's
// remote headers.
package credentials

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
)

// Descriptor header names for S3 access. Lookup is case-insensitive.
const (
	HeaderAWSAccessKeyID     = "X-Aws-Access-Key-Id"
	HeaderAWSSecretAccessKey = "X-Aws-Secret-Access-Key"
	HeaderAWSSessionToken    = "X-Aws-Session-Token"
	HeaderAWSRegion          = "X-Aws-Region"
)

// Header returns the value of name in headers, ignoring case.
func Header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// S3Provider returns a static credentials provider when the headers carry
// an access key pair. ok is false when the default AWS chain should be used.
func S3Provider(headers map[string]string) (provider aws.CredentialsProvider, ok bool) {
	id := Header(headers, HeaderAWSAccessKeyID)
	secret := Header(headers, HeaderAWSSecretAccessKey)
	if id == "" || secret == "" {
		return nil, false
	}
	token := Header(headers, HeaderAWSSessionToken)
	return awscreds.NewStaticCredentialsProvider(id, secret, token), true
}

// IsCredentialHeader reports whether name is one of the credential headers,
// which must never be forwarded to a plain HTTP origin.
func IsCredentialHeader(name string) bool {
	for _, h := range []string{HeaderAWSAccessKeyID, HeaderAWSSecretAccessKey, HeaderAWSSessionToken, HeaderAWSRegion} {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
