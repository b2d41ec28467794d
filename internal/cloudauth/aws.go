package cloudauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

const bedrockService = "bedrock"

var signer = v4.NewSigner()

// SignAWSRequest signs req in place with AWS Signature Version 4 for the
// bedrock-runtime service. body must be the exact serialized payload the
// request will carry; the SHA-256 payload hash is computed over it.
func SignAWSRequest(ctx context.Context, req *http.Request, body []byte, secret AWSSecret) error {
	provider := credentials.NewStaticCredentialsProvider(secret.AccessKeyID, secret.SecretAccessKey, "")
	creds, err := provider.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("cloudauth: retrieve AWS credentials: %w", err)
	}
	return signWith(ctx, req, body, creds, secret.Region)
}

func signWith(ctx context.Context, req *http.Request, body []byte, creds aws.Credentials, region string) error {
	if len(body) > 0 {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	} else {
		req.Body = http.NoBody
		req.ContentLength = 0
	}
	payloadHash := sha256Hex(body)
	if err := signer.SignHTTP(ctx, creds, req, payloadHash, bedrockService, region, time.Now()); err != nil {
		return fmt.Errorf("cloudauth: sign request: %w", err)
	}
	return nil
}

// sha256Hex returns the hex-encoded SHA-256 hash of data.
// Returns the hash of an empty string for nil/empty input.
func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
