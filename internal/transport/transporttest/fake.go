// Package transporttest provides an in-memory transport.Adapter for engine
// tests. It records outbound traffic and can be told to refuse deliveries or
// deny membership per user.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	kit "focusbot/internal/transport"
)

// Sent is one recorded outbound message.
type Sent struct {
	ChannelID string
	UserID    string // set for direct messages
	Text      string
	Direct    bool
	Opt       *kit.SendOptions
}

// RoleOp is one recorded role mutation.
type RoleOp struct {
	Guild string
	User  string
	Role  string
}

type Fake struct {
	mu sync.Mutex

	sent   []Sent
	nextID int

	// RefusedUsers makes SendDirect fail with transport.ErrRefused.
	RefusedUsers map[string]bool
	// AbsentUsers makes IsMember report false.
	AbsentUsers map[string]bool
	// SendErr, when set, fails every send with a generic error.
	SendErr error

	roles   map[string]map[string]bool // guild/user -> role set
	grants  []RoleOp
	revokes []RoleOp
}

func NewFake() *Fake {
	return &Fake{
		RefusedUsers: map[string]bool{},
		AbsentUsers:  map[string]bool{},
		roles:        map[string]map[string]bool{},
	}
}

var _ kit.Adapter = (*Fake)(nil)

func (f *Fake) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *Fake) Stop(ctx context.Context) error                         { return nil }

func (f *Fake) record(s Sent) kit.MessageRef {
	f.nextID++
	f.sent = append(f.sent, s)
	ch := s.ChannelID
	if ch == "" {
		ch = "dm-" + s.UserID
	}
	return kit.MessageRef{ChannelID: ch, MessageID: fmt.Sprintf("m%d", f.nextID)}
}

func (f *Fake) SendChannel(ctx context.Context, channelID, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return kit.MessageRef{}, f.SendErr
	}
	return f.record(Sent{ChannelID: channelID, Text: text, Opt: opt}), nil
}

func (f *Fake) SendDirect(ctx context.Context, userID, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return kit.MessageRef{}, f.SendErr
	}
	if f.RefusedUsers[userID] {
		return kit.MessageRef{}, fmt.Errorf("%w: closed dms", kit.ErrRefused)
	}
	return f.record(Sent{UserID: userID, Text: text, Direct: true, Opt: opt}), nil
}

func (f *Fake) Edit(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}

func (f *Fake) React(ctx context.Context, ref kit.MessageRef, emoji string) error { return nil }

func roleKey(guildID, userID string) string { return guildID + "/" + userID }

func (f *Fake) GrantRole(ctx context.Context, guildID, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := roleKey(guildID, userID)
	if f.roles[key] == nil {
		f.roles[key] = map[string]bool{}
	}
	f.roles[key][roleID] = true
	f.grants = append(f.grants, RoleOp{Guild: guildID, User: userID, Role: roleID})
	return nil
}

func (f *Fake) RevokeRole(ctx context.Context, guildID, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.roles[roleKey(guildID, userID)], roleID)
	f.revokes = append(f.revokes, RoleOp{Guild: guildID, User: userID, Role: roleID})
	return nil
}

func (f *Fake) HasRole(ctx context.Context, guildID, userID, roleID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roles[roleKey(guildID, userID)][roleID], nil
}

func (f *Fake) IsMember(ctx context.Context, guildID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.AbsentUsers[userID], nil
}

// SetRole seeds (or clears) a role without recording a mutation.
func (f *Fake) SetRole(guildID, userID, roleID string, held bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := roleKey(guildID, userID)
	if held {
		if f.roles[key] == nil {
			f.roles[key] = map[string]bool{}
		}
		f.roles[key][roleID] = true
		return
	}
	delete(f.roles[key], roleID)
}

// AllSent returns a copy of everything sent so far.
func (f *Fake) AllSent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Sent, len(f.sent))
	copy(out, f.sent)
	return out
}

// DirectTo returns the texts DMed to one user.
func (f *Fake) DirectTo(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.Direct && s.UserID == userID {
			out = append(out, s.Text)
		}
	}
	return out
}

// ChannelTexts returns the texts posted to one channel.
func (f *Fake) ChannelTexts(channelID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if !s.Direct && s.ChannelID == channelID {
			out = append(out, s.Text)
		}
	}
	return out
}

// Grants returns the recorded grant mutations.
func (f *Fake) Grants() []RoleOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RoleOp, len(f.grants))
	copy(out, f.grants)
	return out
}

// Revokes returns the recorded revoke mutations.
func (f *Fake) Revokes() []RoleOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RoleOp, len(f.revokes))
	copy(out, f.revokes)
	return out
}
