package config

// BackplaneMode controls what the backplane publishes for each event.
type BackplaneMode string

const (
	// BackplaneModeNone disables cross-process notification entirely;
	// subscribers rely on event-store polling.
	BackplaneModeNone BackplaneMode = "none"

	// BackplaneModeFull publishes the whole event record when it fits
	// under the payload byte threshold, falling back to a wakeup
	// envelope when it does not.
	BackplaneModeFull BackplaneMode = "full"

	// BackplaneModeWakeup publishes only {job_id, seq}; receivers read
	// the event back from the store.
	BackplaneModeWakeup BackplaneMode = "wakeup"
)

// IsValid reports whether the mode is recognized.
func (m BackplaneMode) IsValid() bool {
	switch m {
	case BackplaneModeNone, BackplaneModeFull, BackplaneModeWakeup:
		return true
	}
	return false
}

// BackplaneDriver selects the transport carrying backplane messages.
type BackplaneDriver string

const (
	BackplaneDriverPostgres BackplaneDriver = "postgres"
	BackplaneDriverRedis    BackplaneDriver = "redis"
)

// IsValid reports whether the driver is recognized.
func (d BackplaneDriver) IsValid() bool {
	switch d {
	case BackplaneDriverPostgres, BackplaneDriverRedis:
		return true
	}
	return false
}

// LLMProviderType identifies which chat-provider adapter to construct.
type LLMProviderType string

const (
	LLMProviderAnthropic LLMProviderType = "anthropic"
	LLMProviderOpenAI    LLMProviderType = "openai"
)

// IsValid reports whether the provider type is recognized.
func (t LLMProviderType) IsValid() bool {
	switch t {
	case LLMProviderAnthropic, LLMProviderOpenAI:
		return true
	}
	return false
}
