package config

import (
	"time"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/session"
)

// Kind distinguishes the operator's own chat from monitored users and groups.
type Kind int

const (
	KindSelf Kind = iota + 1
	KindUser
	KindGroup
)

func (k Kind) String() string {
	switch k {
	case KindSelf:
		return "self"
	case KindUser:
		return "user"
	case KindGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Conversation is the resolved policy of one chat.
type Conversation struct {
	Kind         Kind
	JID          string
	Name         string
	Prompt       string
	Persona      string
	PromptIsFile bool
	Debug        bool
	HeyBot       bool

	// ResponseDelay is the debounce window. Always zero for the self chat.
	ResponseDelay time.Duration

	// Memory is the session policy, already resolved against the global one.
	Memory session.Policy

	// StaleAfter resets the self session after inactivity. Zero for others.
	StaleAfter time.Duration

	// EntityIndex is the position in monitored_entities, -1 for self.
	EntityIndex int
}

// Directory maps chat JIDs to their conversation policy. It is built once
// per configuration load and never mutated. Only active conversations are
// present.
type Directory struct {
	selfJID string
	byJID   map[string]Conversation
}

// NewDirectory builds the lookup table for cfg.
func NewDirectory(cfg *Config) *Directory {
	d := &Directory{
		selfJID: cfg.SelfJID(),
		byJID:   make(map[string]Conversation, len(cfg.MonitoredEntities)+1),
	}

	for i, e := range cfg.MonitoredEntities {
		if !e.Active {
			continue
		}
		kind := KindUser
		if e.Type == EntityGroup {
			kind = KindGroup
		}
		memory := cfg.SessionMemory
		if e.SessionMemory != nil {
			memory = *e.SessionMemory
		}
		delay := cfg.ResponseDelay
		if e.ResponseDelay != nil {
			delay = *e.ResponseDelay
		}
		d.byJID[e.Identifier()] = Conversation{
			Kind:          kind,
			JID:           e.Identifier(),
			Name:          e.Name,
			Prompt:        e.Prompt,
			Persona:       e.Persona,
			PromptIsFile:  e.PromptIsFile,
			Debug:         e.Debug,
			HeyBot:        e.HeyBot,
			ResponseDelay: time.Duration(max(0, delay)) * time.Second,
			Memory:        memory,
			EntityIndex:   i,
		}
	}

	if cfg.Self.Active {
		d.byJID[d.selfJID] = Conversation{
			Kind:         KindSelf,
			JID:          d.selfJID,
			Name:         "self",
			Prompt:       cfg.Self.Prompt,
			Persona:      cfg.Self.Persona,
			PromptIsFile: cfg.Self.PromptIsFile,
			Debug:        cfg.Self.Debug,
			Memory:       cfg.SessionMemory,
			StaleAfter:   time.Duration(cfg.Self.StaleSessionSeconds) * time.Second,
			EntityIndex:  -1,
		}
	}
	return d
}

// Lookup returns the active conversation for jid.
func (d *Directory) Lookup(jid string) (Conversation, bool) {
	c, ok := d.byJID[jid]
	return c, ok
}

// SelfJID returns the operator's own chat JID.
func (d *Directory) SelfJID() string { return d.selfJID }

// IsSelf reports whether jid is the operator's own chat, active or not.
func (d *Directory) IsSelf(jid string) bool { return jid == d.selfJID }

// Monitored reports whether jid is an active conversation.
func (d *Directory) Monitored(jid string) bool {
	_, ok := d.byJID[jid]
	return ok
}

// JIDs returns the JIDs of all active conversations.
func (d *Directory) JIDs() []string {
	out := make([]string, 0, len(d.byJID))
	for jid := range d.byJID {
		out = append(out, jid)
	}
	return out
}

// Len is the number of active conversations.
func (d *Directory) Len() int { return len(d.byJID) }
