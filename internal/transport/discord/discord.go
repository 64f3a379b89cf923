// Package discord implements transport.Adapter on top of the Discord gateway
// and REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	rtsup "focusbot/internal/runtime/supervisor"
	kit "focusbot/internal/transport"
	logx "focusbot/pkg/logx"
)

type Config struct {
	Token string `json:"token"`
	// RequestsPerSecond throttles outbound REST calls before discordgo's own
	// bucket limiter kicks in. Zero means the default of 20.
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

type Adapter struct {
	cfg Config
	log logx.Logger

	session *discordgo.Session
	limiter *rate.Limiter

	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines; created on Start(), cancelled on Stop().
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the gateway. Logged periodically to avoid per-update spam.
	droppedUpdates uint64

	dmMu sync.Mutex
	dms  map[string]string // user id -> DM channel id
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}

	s, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	a := &Adapter{
		cfg:     cfg,
		log:     log,
		session: s,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		dms:     map[string]string{},
	}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateMessage,
			Message: &kit.Message{
				ID:         m.ID,
				ChannelID:  m.ChannelID,
				GuildID:    m.GuildID,
				AuthorID:   m.Author.ID,
				AuthorName: m.Author.Username,
				Text:       m.Content,
				IsDM:       m.GuildID == "",
			},
		})
	})

	a.session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		if s.State != nil && s.State.User != nil && r.UserID == s.State.User.ID {
			return
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateReaction,
			Reaction: &kit.Reaction{
				MessageID: r.MessageID,
				ChannelID: r.ChannelID,
				GuildID:   r.GuildID,
				UserID:    r.UserID,
				Emoji:     r.Emoji.Name,
			},
		})
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "discord.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// discordgo reconnects the gateway on its own; Open only fails hard on
	// bad credentials or no network.
	if err := a.session.Open(); err != nil {
		a.runMu.Lock()
		a.running = false
		a.runMu.Unlock()
		return fmt.Errorf("open gateway: %w", err)
	}

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	})

	a.log.Info("gateway connected")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if sup != nil {
		sup.Cancel()
	}
	if err := a.session.Close(); err != nil {
		a.log.Warn("gateway close error", logx.Err(err))
	}
	if sup != nil {
		if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("adapter stop error", logx.Err(err))
		}
	}
	return nil
}

// acquire blocks on the outbound limiter.
func (a *Adapter) acquire(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return a.limiter.Wait(ctx)
}

func allowedMentions(opt *kit.SendOptions) *discordgo.MessageAllowedMentions {
	am := &discordgo.MessageAllowedMentions{}
	if opt != nil {
		am.Roles = opt.MentionRoles
		am.Users = opt.MentionUsers
	}
	return am
}

func (a *Adapter) SendChannel(ctx context.Context, channelID, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := a.acquire(ctx); err != nil {
		return kit.MessageRef{}, err
	}
	msg, err := a.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         text,
		AllowedMentions: allowedMentions(opt),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return kit.MessageRef{}, mapErr(err)
	}
	return kit.MessageRef{ChannelID: msg.ChannelID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendDirect(ctx context.Context, userID, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	chID, err := a.dmChannel(ctx, userID)
	if err != nil {
		return kit.MessageRef{}, err
	}
	ref, err := a.SendChannel(ctx, chID, text, opt)
	if err != nil && errors.Is(mapErr(err), kit.ErrRefused) {
		// The cached channel may belong to a user who has since closed DMs;
		// drop it so a later retry starts clean.
		a.dmMu.Lock()
		delete(a.dms, userID)
		a.dmMu.Unlock()
	}
	return ref, err
}

func (a *Adapter) dmChannel(ctx context.Context, userID string) (string, error) {
	a.dmMu.Lock()
	chID := a.dms[userID]
	a.dmMu.Unlock()
	if chID != "" {
		return chID, nil
	}
	if err := a.acquire(ctx); err != nil {
		return "", err
	}
	ch, err := a.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapErr(err)
	}
	a.dmMu.Lock()
	a.dms[userID] = ch.ID
	a.dmMu.Unlock()
	return ch.ID, nil
}

func (a *Adapter) Edit(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if err := a.acquire(ctx); err != nil {
		return err
	}
	_, err := a.session.ChannelMessageEdit(ref.ChannelID, ref.MessageID, text, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (a *Adapter) React(ctx context.Context, ref kit.MessageRef, emoji string) error {
	if err := a.acquire(ctx); err != nil {
		return err
	}
	return mapErr(a.session.MessageReactionAdd(ref.ChannelID, ref.MessageID, emoji, discordgo.WithContext(ctx)))
}

func (a *Adapter) GrantRole(ctx context.Context, guildID, userID, roleID string) error {
	if err := a.acquire(ctx); err != nil {
		return err
	}
	return mapErr(a.session.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx)))
}

func (a *Adapter) RevokeRole(ctx context.Context, guildID, userID, roleID string) error {
	if err := a.acquire(ctx); err != nil {
		return err
	}
	return mapErr(a.session.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx)))
}

func (a *Adapter) HasRole(ctx context.Context, guildID, userID, roleID string) (bool, error) {
	member, err := a.member(ctx, guildID, userID)
	if err != nil {
		if errors.Is(err, kit.ErrNotMember) {
			return false, nil
		}
		return false, err
	}
	for _, r := range member.Roles {
		if r == roleID {
			return true, nil
		}
	}
	return false, nil
}

func (a *Adapter) member(ctx context.Context, guildID, userID string) (*discordgo.Member, error) {
	if a.session.State != nil {
		if m, err := a.session.State.Member(guildID, userID); err == nil {
			return m, nil
		}
	}
	if err := a.acquire(ctx); err != nil {
		return nil, err
	}
	m, err := a.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapErr(err)
	}
	return m, nil
}

func (a *Adapter) IsMember(ctx context.Context, guildID, userID string) (bool, error) {
	_, err := a.member(ctx, guildID, userID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, kit.ErrNotMember) {
		return false, nil
	}
	return false, err
}

// mapErr translates platform error codes into the transport sentinels the
// engines branch on.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var rerr *discordgo.RESTError
	if !errors.As(err, &rerr) || rerr.Message == nil {
		return err
	}
	switch rerr.Message.Code {
	case discordgo.ErrCodeCannotSendMessagesToThisUser:
		return fmt.Errorf("%w: %s", kit.ErrRefused, rerr.Message.Message)
	case discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser:
		return fmt.Errorf("%w: %s", kit.ErrNotMember, rerr.Message.Message)
	}
	return err
}
