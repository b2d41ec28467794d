// Package cloudauth signs outbound requests for cloud-hosted providers:
// AWS SigV4 for Bedrock and OAuth2 bearer tokens for GCP Vertex. Credentials
// are late-bound per request, so signing is explicit rather than a transport
// decorator.
package cloudauth

import (
	"fmt"
	"strings"
)

// AWSSecret is the parsed form of an AWS credential secret, stored as
// "accessKeyId:secretAccessKey:region".
type AWSSecret struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

// ParseAWSSecret splits a pool secret into its SigV4 components.
func ParseAWSSecret(secret string) (AWSSecret, error) {
	parts := strings.SplitN(secret, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return AWSSecret{}, fmt.Errorf("cloudauth: malformed AWS secret, want accessKeyId:secretAccessKey:region")
	}
	return AWSSecret{
		AccessKeyID:     parts[0],
		SecretAccessKey: parts[1],
		Region:          parts[2],
	}, nil
}

// BedrockHost returns the Bedrock runtime host for a region.
func BedrockHost(region string) string {
	return "bedrock-runtime." + region + ".amazonaws.com"
}

// VertexHost returns the Vertex AI host for a region.
func VertexHost(region string) string {
	return region + "-aiplatform.googleapis.com"
}
