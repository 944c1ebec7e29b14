package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// SessionChanged is true when any setting baked into a live session
	// changed. The session has to be re-opened to pick it up.
	SessionChanged bool
	Changed        []string // dotted names of the changed session fields

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the changed sections that only take effect
	// after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oc, nc := old.Conversation, new.Conversation
	mark := func(changed bool, name string) {
		if changed {
			d.Changed = append(d.Changed, name)
			d.SessionChanged = true
		}
	}
	mark(oc.Voice != nc.Voice, "conversation.voice")
	mark(oc.InputLanguage != nc.InputLanguage, "conversation.input_language")
	mark(oc.Instructions != nc.Instructions, "conversation.instructions")
	mark(oc.DisableOutputTranscription != nc.DisableOutputTranscription, "conversation.disable_output_transcription")
	mark(old.Transport.Primary != new.Transport.Primary, "transport.primary")

	restart := func(changed bool, name string) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart(old.Server.ListenAddr != new.Server.ListenAddr, "server.listen_addr")
	restart(!slices.Equal(old.Transport.Fallbacks, new.Transport.Fallbacks) ||
		old.Transport.MaxFailures != new.Transport.MaxFailures ||
		old.Transport.ResetTimeout != new.Transport.ResetTimeout, "transport.fallbacks")
	restart(old.Credential != new.Credential, "credential")
	restart(old.Store != new.Store, "store")
	restart(oc.ID != nc.ID || oc.AssistantName != nc.AssistantName ||
		oc.AcknowledgeTools != nc.AcknowledgeTools ||
		oc.GreetingEnabled() != nc.GreetingEnabled(), "conversation")
	restart(old.VAD != new.VAD, "vad")
	restart(old.Audio != new.Audio, "audio")

	return d
}
