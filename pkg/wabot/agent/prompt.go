package agent

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

const senderNote = "\nNote: Messages include sender information in the format '[From: phone_number]' or " +
	"'[Message from: phone_number]'. Use this to personalize responses and refer to specific people appropriately."

// EmptyContentReply answers a message that has nothing left to send to the
// provider.
const EmptyContentReply = "Please provide a message with content after the wake word."

// resolvePrompt returns the prompt text. The value is read as a file when
// isFile is set, or when it contains a slash and names an existing file. A
// file that cannot be read falls back to the literal value.
func resolvePrompt(value string, isFile bool, logger *slog.Logger) string {
	if !isFile {
		if !strings.Contains(value, "/") {
			return value
		}
		if info, err := os.Stat(value); err != nil || info.IsDir() {
			return value
		}
	}
	data, err := os.ReadFile(value)
	if err != nil {
		logger.Warn("failed to read prompt file", "path", value, "error", err)
		return value
	}
	return string(data)
}

// systemPrompt appends the rendered context to the base prompt.
func systemPrompt(prompt, contextText string) string {
	if contextText == "" {
		return prompt
	}
	return prompt + "\n\nConversation context (most recent first):\n" + contextText + senderNote
}

// userMessage annotates the message with its sender for the provider.
func userMessage(sender, content string) string {
	if sender == "" {
		return content
	}
	return fmt.Sprintf("[Message from: %s]\n%s", sender, content)
}

// contextUserEntry is how a user turn is remembered in the session.
func contextUserEntry(sender, content string) string {
	if sender == "" {
		return content
	}
	return fmt.Sprintf("[From: %s] %s", sender, content)
}

func debugMessage(content, prompt, persona, contextText string) string {
	if contextText == "" {
		contextText = "None"
	}
	return fmt.Sprintf("** DEBUG INFO **\n[User Entry]: %s\n[Prompt]: %s\n[Persona]: %s\n[Context]:\n%s",
		content, prompt, persona, contextText)
}

func errorReply(err error) string {
	return fmt.Sprintf("Sorry, I encountered an error processing your message: %v", err)
}
