package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"

	"github.com/parceldrop/dispatch/pkg/config"
)

// ErrSecretNotFound is returned when a name cannot be resolved by the backend.
var ErrSecretNotFound = errors.New("secrets: secret not found")

// Resolver resolves named secrets (gateway API keys, signing secrets) from
// the configured backend.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// NewResolver builds a Resolver for the backend selected in configuration.
func NewResolver(cfg *config.SecretsConfig) (Resolver, error) {
	switch cfg.Backend {
	case "", "env":
		return &envResolver{}, nil
	case "file":
		return newFileResolver(cfg.FilePath)
	case "vault":
		return newVaultResolver(cfg)
	case "aws":
		return newAWSResolver(cfg.AWSRegion)
	case "gcp":
		return &gcpResolver{projectID: cfg.GCPProjectID}, nil
	default:
		return nil, fmt.Errorf("secrets: unknown backend %q", cfg.Backend)
	}
}

// envResolver maps a secret name to an environment variable. Dots and dashes
// become underscores, letters upper-case: "stripe.api-key" -> STRIPE_API_KEY.
type envResolver struct{}

func (r *envResolver) Resolve(_ context.Context, name string) (string, error) {
	key := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_", "/", "_").Replace(name))
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

// fileResolver reads a flat JSON object of name/value pairs once at startup.
type fileResolver struct {
	values map[string]string
}

func newFileResolver(path string) (*fileResolver, error) {
	if path == "" {
		return nil, errors.New("secrets: file backend requires SECRETS_FILE_PATH")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", path, err)
	}

	values := make(map[string]string)
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("secrets: parse %s: %w", path, err)
	}

	return &fileResolver{values: values}, nil
}

func (r *fileResolver) Resolve(_ context.Context, name string) (string, error) {
	value, ok := r.values[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

// vaultResolver reads from a KV v2 mount. Secret names use "path/key" form;
// a bare name reads the "value" key at that path.
type vaultResolver struct {
	client *vault.Client
	mount  string
}

func newVaultResolver(cfg *config.SecretsConfig) (*vaultResolver, error) {
	vaultCfg := vault.DefaultConfig()
	if cfg.VaultAddress != "" {
		vaultCfg.Address = cfg.VaultAddress
	}

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("secrets: vault client: %w", err)
	}
	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	}

	return &vaultResolver{client: client, mount: cfg.VaultMount}, nil
}

func (r *vaultResolver) Resolve(ctx context.Context, name string) (string, error) {
	path, key := name, "value"
	if idx := strings.LastIndex(name, "/"); idx > 0 {
		path, key = name[:idx], name[idx+1:]
	}

	secret, err := r.client.KVv2(r.mount).Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("secrets: vault read %s: %w", path, err)
	}

	value, ok := secret.Data[key].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

// awsResolver reads SecretString values from AWS Secrets Manager.
type awsResolver struct {
	client *secretsmanager.Client
}

func newAWSResolver(region string) (*awsResolver, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("secrets: aws config: %w", err)
	}

	return &awsResolver{client: secretsmanager.NewFromConfig(awsCfg)}, nil
}

func (r *awsResolver) Resolve(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &name,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: aws read %s: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return *out.SecretString, nil
}

// gcpResolver reads the latest version of a Google Secret Manager secret.
// The client is created lazily so env/file deployments never dial GCP.
type gcpResolver struct {
	projectID string

	once    sync.Once
	client  *secretmanager.Client
	initErr error
}

func (r *gcpResolver) Resolve(ctx context.Context, name string) (string, error) {
	r.once.Do(func() {
		r.client, r.initErr = secretmanager.NewClient(ctx)
	})
	if r.initErr != nil {
		return "", fmt.Errorf("secrets: gcp client: %w", r.initErr)
	}

	result, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", r.projectID, name),
	})
	if err != nil {
		return "", fmt.Errorf("secrets: gcp read %s: %w", name, err)
	}

	return string(result.GetPayload().GetData()), nil
}

// Hydrate overlays resolved secrets onto the sensitive configuration fields.
// Names absent from the backend leave the environment-provided value in
// place, so env-only deployments need no secrets backend at all.
func Hydrate(ctx context.Context, cfg *config.Config) error {
	resolver, err := NewResolver(&cfg.Secrets)
	if err != nil {
		return err
	}

	targets := []struct {
		name string
		dst  *string
	}{
		{"jwt.secret", &cfg.JWT.Secret},
		{"gateways.mobile-money.api-key", &cfg.Gateways.MobileMoneyAPIKey},
		{"gateways.stripe.secret-key", &cfg.Gateways.StripeSecretKey},
		{"gateways.twilio.auth-token", &cfg.Gateways.TwilioAuthToken},
	}
	for _, t := range targets {
		value, err := resolver.Resolve(ctx, t.name)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		*t.dst = value
	}
	return nil
}
