package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

var ErrNoSecret = errors.New("kms: neither plaintext nor ciphertext secret configured")

// Decrypter turns a KMS ciphertext blob into plaintext.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Client decrypts provider credentials stored as KMS ciphertext.
type Client struct {
	kms *kms.Client
}

// New creates a KMS client. A non-empty localStackEndpoint targets that
// endpoint with static test credentials; otherwise the default AWS
// credential chain applies.
func New(ctx context.Context, region, localStackEndpoint string) (*Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if localStackEndpoint != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kms: load aws config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if localStackEndpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(localStackEndpoint)
		})
	}
	return &Client{kms: kms.NewFromConfig(cfg, kmsOpts...)}, nil
}

// Decrypt returns the plaintext for ciphertext. The caller owns the returned
// slice and should seal it (memguard) as soon as possible.
func (c *Client) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	out, err := c.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: ciphertext})
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// ResolveSecret returns the app secret. A base64 ciphertext wins over the
// plaintext value; d is only consulted when ciphertext is set.
func ResolveSecret(ctx context.Context, d Decrypter, plaintext, ciphertextB64 string) ([]byte, error) {
	if ciphertextB64 == "" {
		if plaintext == "" {
			return nil, ErrNoSecret
		}
		return []byte(plaintext), nil
	}
	if d == nil {
		return nil, errors.New("kms: ciphertext secret configured without a decrypter")
	}
	blob, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("kms: decode ciphertext: %w", err)
	}
	return d.Decrypt(ctx, blob)
}
