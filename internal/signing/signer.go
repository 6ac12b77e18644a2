// Package signing produces SigV4-signed header sets for relay requests.
package signing

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// SigningService is the service name the relay authenticates against.
const SigningService = "appsync"

var ErrNoCredentials = errors.New("no resolvable AWS credentials")

// Signer signs HTTP-shaped requests addressed to the relay. It is
// constructed once with a resolved credential provider, region and
// service; callers share a single instance by reference.
type Signer struct {
	creds   aws.CredentialsProvider
	region  string
	service string
	v4      *v4.Signer

	// now allows tests to pin the signing clock.
	now func() time.Time
}

// Options configures credential resolution for a Signer.
type Options struct {
	// Region the relay lives in. Required.
	Region string

	// Profile is an optional shared-config profile name.
	Profile string

	// Static credentials, used instead of the default chain when set.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// New resolves credentials via the default chain (environment, shared
// config, instance role) and returns a ready Signer. Static credentials
// in opts short-circuit the chain.
func New(ctx context.Context, opts Options) (*Signer, error) {
	if opts.Region == "" {
		return nil, errors.New("signing: region is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.Profile))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Signer{
		creds:   awsCfg.Credentials,
		region:  opts.Region,
		service: SigningService,
		v4:      v4.NewSigner(),
		now:     time.Now,
	}, nil
}

// NewWithCredentials builds a Signer around an already-resolved provider.
func NewWithCredentials(provider aws.CredentialsProvider, region string) *Signer {
	return &Signer{
		creds:   provider,
		region:  region,
		service: SigningService,
		v4:      v4.NewSigner(),
		now:     time.Now,
	}
}

// SignEventRequest signs a POST to the relay's /event endpoint with the
// given body and returns the complete header map the relay expects in an
// authorization object or connection token. Deterministic for identical
// inputs within one signing clock second.
func (s *Signer) SignEventRequest(ctx context.Context, host string, body []byte) (map[string]string, error) {
	creds, err := s.creds.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCredentials, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+host+"/event", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building signing request: %w", err)
	}
	req.Header.Set("accept", "application/json, text/javascript")
	req.Header.Set("content-encoding", "amz-1.0")
	req.Header.Set("content-type", "application/json; charset=UTF-8")

	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])

	if err := s.v4.SignHTTP(ctx, creds, req, payloadHash, s.service, s.region, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("signing request: %w", err)
	}

	headers := map[string]string{
		"host": host,
	}
	for name := range req.Header {
		headers[strings.ToLower(name)] = req.Header.Get(name)
	}
	return headers, nil
}

// Region returns the signing region.
func (s *Signer) Region() string {
	return s.region
}
