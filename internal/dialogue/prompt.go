package dialogue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// personaTemplate is the base system prompt. The bot introduces itself by
// name and works strictly from the patient identity block.
const personaTemplate = `You are %s, a data collector working for Spike Clinical.
Your role is to gather necessary data from the insurance company representatives.
You call them to get the information about the patient's insurance.

The information about the patient that you can use to identify the patient:
%s

You don't offer assistance to the representative. You only ask for the information and respond to their questions to identify the patient.`

// persona renders the base system message.
func (e *Engine) persona() string {
	identity, err := json.MarshalIndent(e.patient, "", "  ")
	if err != nil {
		// PatientInfo is a plain string struct; this cannot fail in practice.
		identity = []byte("{}")
	}
	return fmt.Sprintf(personaTemplate, e.botName, identity)
}

// systemPrompt picks the prompt variant for the current turn. historyLen is
// the history length including the just-appended user turn.
//
// The very first user turn gets the plain persona so the bot opens the call
// naturally. From the second turn on, the prompt steers the conversation:
// while fields are missing it enumerates each one with its explanation, and
// once everything is known it asks the model to wrap up with a summary.
func (e *Engine) systemPrompt(historyLen int) string {
	base := e.persona()
	if historyLen <= 1 {
		return base
	}

	e.mu.Lock()
	state := e.state
	complete := state.Complete()
	var lines []string
	if complete {
		lines = state.Lines()
	} else {
		lines = state.MissingLines()
	}
	e.mu.Unlock()

	if complete {
		return base +
			"\nYou should summarize the conversation in a single paragraph using the following information:\n" +
			strings.Join(lines, "\n\n")
	}
	return base +
		"\nYou should ask the representative for the following information:\n" +
		strings.Join(lines, "\n")
}
