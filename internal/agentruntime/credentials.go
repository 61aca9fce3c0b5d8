package agentruntime

import "github.com/marcus-qen/conductor/internal/provider"

// CredentialMode names how a step's agent invocation authenticates to its
// provider (spec.md §4.7).
type CredentialMode string

const (
	// CredentialModeNone means the step needs no model credential at all
	// (e.g. a step that only runs deterministic tools).
	CredentialModeNone CredentialMode = "none"
	// CredentialModeAIProvider resolves an API key for a named LLM provider.
	CredentialModeAIProvider CredentialMode = "ai_provider"
	// CredentialModeGitHubInstallation resolves an upstream installation
	// token (used by tools that push commits or open PRs, not the LLM call
	// itself).
	CredentialModeGitHubInstallation CredentialMode = "github_installation"
)

// Credential is the resolved secret material for one invocation.
type Credential struct {
	Mode     CredentialMode
	Provider string
	APIKey   string
	Token    string
}

// CredentialResolver resolves the credential a step needs. Implementations
// fail fast with ErrCredentialNotConfigured rather than letting a provider
// call fail later with an opaque 401.
type CredentialResolver interface {
	Resolve(mode CredentialMode, provider string) (Credential, error)
}

// StaticResolver resolves credentials from a fixed, pre-loaded map of
// provider name to API key plus a single installation token, matching how
// internal/config loads provider credentials at startup (no per-request
// secret-store round trip).
type StaticResolver struct {
	APIKeys           map[string]string
	InstallationToken string
}

// Resolve implements CredentialResolver.
func (r StaticResolver) Resolve(mode CredentialMode, provider string) (Credential, error) {
	switch mode {
	case CredentialModeNone, "":
		return Credential{Mode: CredentialModeNone}, nil
	case CredentialModeAIProvider:
		key := r.APIKeys[provider]
		if key == "" {
			return Credential{}, ErrCredentialNotConfigured
		}
		return Credential{Mode: CredentialModeAIProvider, Provider: provider, APIKey: key}, nil
	case CredentialModeGitHubInstallation:
		if r.InstallationToken == "" {
			return Credential{}, ErrCredentialNotConfigured
		}
		return Credential{Mode: CredentialModeGitHubInstallation, Token: r.InstallationToken}, nil
	default:
		return Credential{}, ErrCredentialNotConfigured
	}
}

// ResolveProvider resolves mode/providerType's credential through resolver
// and, for CredentialModeAIProvider, constructs the concrete provider.Provider
// it authenticates. Steps that need no model call (CredentialModeNone) get a
// nil Provider back with no error, so callers can branch on that instead of
// threading a separate "needs a provider" flag through step config.
func ResolveProvider(resolver CredentialResolver, mode CredentialMode, providerType string, cfg provider.ProviderConfig) (provider.Provider, error) {
	cred, err := resolver.Resolve(mode, providerType)
	if err != nil {
		return nil, err
	}
	if cred.Mode != CredentialModeAIProvider {
		return nil, nil
	}
	cfg.Type = providerType
	cfg.APIKey = cred.APIKey
	return provider.NewProvider(cfg)
}
