package transport

import (
	"context"
	"errors"
)

// ErrRefused means the platform rejected the delivery for a per-recipient
// reason (closed DMs, privacy settings). Callers treat it as a signal to back
// off, not as a transient failure.
var ErrRefused = errors.New("transport: delivery refused")

// ErrNotMember means the user is not (or no longer) a member of the guild.
var ErrNotMember = errors.New("transport: not a guild member")

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateReaction UpdateKind = "reaction"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Reaction *Reaction
}

type Message struct {
	ID         string
	ChannelID  string
	GuildID    string // empty for direct messages
	AuthorID   string
	AuthorName string
	Text       string
	IsDM       bool
}

type Reaction struct {
	MessageID string
	ChannelID string
	GuildID   string
	UserID    string
	Emoji     string
}

// MessageRef identifies a sent message for later edits and reactions.
type MessageRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

func (r MessageRef) IsZero() bool { return r.MessageID == "" }

// Encode packs the ref into a single string for snapshot fields.
func (r MessageRef) Encode() string {
	if r.IsZero() {
		return ""
	}
	return r.ChannelID + "/" + r.MessageID
}

// DecodeRef is the inverse of MessageRef.Encode. Malformed input yields a
// zero ref.
func DecodeRef(s string) MessageRef {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return MessageRef{ChannelID: s[:i], MessageID: s[i+1:]}
		}
	}
	return MessageRef{}
}

type SendOptions struct {
	// MentionRoles are role ids the message may ping. Everything else is
	// suppressed.
	MentionRoles []string
	// MentionUsers are user ids the message may ping.
	MentionUsers []string
}

// Adapter is the platform seam. One implementation exists per chat platform;
// engines only ever see this interface.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// SendChannel posts to a channel.
	SendChannel(ctx context.Context, channelID, text string, opt *SendOptions) (MessageRef, error)
	// SendDirect DMs a user. Returns ErrRefused when the user cannot be
	// messaged.
	SendDirect(ctx context.Context, userID, text string, opt *SendOptions) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	React(ctx context.Context, ref MessageRef, emoji string) error

	// GrantRole / RevokeRole manage guild roles. Both are idempotent on the
	// platform side.
	GrantRole(ctx context.Context, guildID, userID, roleID string) error
	RevokeRole(ctx context.Context, guildID, userID, roleID string) error
	// HasRole reports whether the user currently holds the role; callers use
	// it to skip mutations that would not change anything.
	HasRole(ctx context.Context, guildID, userID, roleID string) (bool, error)
	// IsMember reports guild membership; leaving a guild is how users fall
	// out of delivery loops.
	IsMember(ctx context.Context, guildID, userID string) (bool, error)
}
