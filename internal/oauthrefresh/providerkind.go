package oauthrefresh

// ProviderKind selects the provider-specific exchange/refresh adjustments
// described in spec §4.5.
type ProviderKind string

const (
	ProviderGoogle    ProviderKind = "google"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderOpenAI    ProviderKind = "openai"
	ProviderGeneric   ProviderKind = "generic"
)

// KindForProviderName maps a provider type's catalog name to the strategy
// used during exchange/refresh (spec §4.5).
func KindForProviderName(name string) ProviderKind {
	switch name {
	case "google", "gemini":
		return ProviderGoogle
	case "anthropic":
		return ProviderAnthropic
	case "openai":
		return ProviderOpenAI
	default:
		return ProviderGeneric
	}
}
