package config

import (
	"fmt"
	"log/slog"
	"slices"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cloudauth"
	"github.com/eugener/palantir/internal/registry"
)

// SeedCredentials turns the config's credential entries into pool-ready
// credentials. Entries with an unknown service or a malformed secret are
// rejected; duplicate secrets within a service collapse to one credential.
func SeedCredentials(cfg *Config) ([]proxy.Credential, error) {
	seen := make(map[string]struct{}, len(cfg.Credentials))
	out := make([]proxy.Credential, 0, len(cfg.Credentials))

	for i, e := range cfg.Credentials {
		svc := proxy.Service(e.Service)
		if !slices.Contains(proxy.AllServices, svc) {
			return nil, fmt.Errorf("credential %d: unknown service %q", i, e.Service)
		}
		if e.Secret == "" {
			return nil, fmt.Errorf("credential %d: empty secret for %s", i, svc)
		}

		hash := proxy.KeyHash8(e.Secret)
		if _, dup := seen[string(svc)+hash]; dup {
			slog.Warn("duplicate credential skipped", "service", svc, "hash", hash)
			continue
		}
		seen[string(svc)+hash] = struct{}{}

		cred := proxy.Credential{
			Hash:          hash,
			Secret:        e.Secret,
			Service:       svc,
			ModelFamilies: familiesFor(svc, e.Families),
			IsDisabled:    e.Disabled,
		}
		if err := attachMeta(&cred, e); err != nil {
			return nil, fmt.Errorf("credential %d (%s/%s): %w", i, svc, hash, err)
		}
		out = append(out, cred)
	}
	return out, nil
}

// familiesFor maps declared family names, defaulting to the service's
// fallback family. Health checkers widen the set for services that have one.
func familiesFor(svc proxy.Service, names []string) []proxy.ModelFamily {
	if len(names) == 0 {
		return []proxy.ModelFamily{registry.Family(svc, "")}
	}
	out := make([]proxy.ModelFamily, 0, len(names))
	for _, n := range names {
		out = append(out, proxy.ModelFamily(n))
	}
	return out
}

// attachMeta builds the provider-specific extension for a credential.
func attachMeta(cred *proxy.Credential, e CredentialEntry) error {
	switch cred.Service {
	case proxy.ServiceAWS:
		secret, err := cloudauth.ParseAWSSecret(cred.Secret)
		if err != nil {
			return err
		}
		cred.AWS = &proxy.AWSMeta{Region: secret.Region}
	case proxy.ServiceGCP:
		if e.Region == "" || e.Project == "" {
			return fmt.Errorf("gcp credential needs region and project")
		}
		cred.GCP = &proxy.GCPMeta{Region: e.Region, ProjectID: e.Project}
	case proxy.ServiceAnthropic:
		cred.Anthropic = &proxy.AnthropicMeta{}
	case proxy.ServiceOpenRouter:
		cred.OpenRouter = &proxy.OpenRouterMeta{}
	case proxy.ServiceGoogle:
		cred.Google = &proxy.GoogleMeta{}
	}
	return nil
}
