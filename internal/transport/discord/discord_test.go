package discord

import (
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"

	kit "focusbot/internal/transport"
	logx "focusbot/pkg/logx"
)

func TestMapErrSentinels(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		code int
		want error
	}{
		{name: "dms closed", code: discordgo.ErrCodeCannotSendMessagesToThisUser, want: kit.ErrRefused},
		{name: "unknown member", code: discordgo.ErrCodeUnknownMember, want: kit.ErrNotMember},
		{name: "unknown user", code: discordgo.ErrCodeUnknownUser, want: kit.ErrNotMember},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			in := &discordgo.RESTError{Message: &discordgo.APIErrorMessage{Code: tt.code, Message: tt.name}}
			if got := mapErr(in); !errors.Is(got, tt.want) {
				t.Fatalf("mapErr(%d) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestMapErrPassthrough(t *testing.T) {
	t.Parallel()
	if mapErr(nil) != nil {
		t.Fatal("nil must map to nil")
	}
	plain := errors.New("socket closed")
	if got := mapErr(plain); got != plain {
		t.Fatalf("unrelated error rewritten: %v", got)
	}
	other := &discordgo.RESTError{Message: &discordgo.APIErrorMessage{Code: discordgo.ErrCodeMissingPermissions}}
	if got := mapErr(other); errors.Is(got, kit.ErrRefused) || errors.Is(got, kit.ErrNotMember) {
		t.Fatalf("unexpected sentinel for missing permissions: %v", got)
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
