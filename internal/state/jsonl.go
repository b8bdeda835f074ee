package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// Role is a ConversationEntry speaker.
type Role string

const (
	RoleUser         Role = "user"
	RoleAssistant    Role = "assistant"
	RoleReviewer     Role = "reviewer"
	RoleIntervention Role = "intervention"
)

// ConversationEntry is one line of a lane's append-only conversation.jsonl.
type ConversationEntry struct {
	Timestamp  int64  `json:"timestamp"`
	Role       Role   `json:"role"`
	Task       string `json:"task"`
	FullText   string `json:"fullText"`
	TextLength int    `json:"textLength"`
	Model      string `json:"model,omitempty"`
}

// NewConversationEntry fills Timestamp and TextLength from FullText.
func NewConversationEntry(role Role, task, text, model string) ConversationEntry {
	return ConversationEntry{
		Timestamp:  NowMillis(),
		Role:       role,
		Task:       task,
		FullText:   text,
		TextLength: len(text),
		Model:      model,
	}
}

// AppendJSONL atomically appends one JSON-encoded line to path, creating the
// file if necessary. A single os.OpenFile with O_APPEND is atomic for
// writes under PIPE_BUF on POSIX.
func AppendJSONL(path string, entry any) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening jsonl %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending jsonl %s: %w", path, err)
	}
	return nil
}

// ReadConversation reads a conversation.jsonl file line-by-line, skipping
// (not failing on) invalid lines — readers of this file are best-effort.
func ReadConversation(path string) ([]ConversationEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening jsonl %s: %w", path, err)
	}
	defer f.Close()

	var entries []ConversationEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry ConversationEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue // skip invalid lines, best-effort reader
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}
