package tts

// VoiceProfile describes a voice offered by a TTS provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier, passed back as
	// Options.Voice.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the ISO 639-1 code the voice speaks, when known.
	Language string

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}
