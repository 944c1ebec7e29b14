package turn

import (
	"fmt"
	"strings"

	"github.com/MrWong99/duet/pkg/memory"
)

// DefaultInstructions is the base system instruction used when none is
// configured.
const DefaultInstructions = `You are a warm, empathetic, and supportive AI companion. Your main goal is to offer the user positive encouragement, understanding and cheerful conversation. Always strive to understand the user's feelings and intentions, and respond with warmth, optimism, and genuine care.
You can use the 'createSystemEntry' tool to store information for the user, like reminders, notes, or list items, when they ask you to remember something or add it to a list.`

// Apology and warning texts appended to the log or shown in the snapshot.
const (
	apologyLostConnection = "I'm sorry, I've lost connection. Please check your network or API key and try again. Error: %s"
	apologyClosed         = "It seems our chat session closed unexpectedly. Error code: %d. Please try again."
	apologyConnect        = "Oops! It seems I'm having trouble connecting right now. Please check your API key or network and try again."
	apologySendText       = "I'm sorry, I encountered an error and couldn't process your message. Please try again!"
	warningDecode         = "Oops! There was an issue playing the assistant's voice. Please try again."
	warningReplay         = "Oops! There was an issue playing your message. Please try again."
)

const entriesPrefix = "You have these active pieces of information stored for the user: \n"

// BuildInstructions prepends the active context entries to base. With no
// entries base is returned unchanged.
func BuildInstructions(base string, entries []memory.ContextEntry) string {
	if len(entries) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(entriesPrefix)
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s: %s\n", e.Category, e.Content)
	}
	b.WriteString("\n")
	b.WriteString(base)
	return b.String()
}
