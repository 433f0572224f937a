package protocol

import "testing"

func TestParseChannel(t *testing.T) {
	cases := []struct {
		name string
		kind ChannelKind
		id   string
	}{
		{"public", ChannelPublic, ""},
		{"user.42", ChannelUser, "42"},
		{"user.abc", ChannelUnknown, ""},
		{"chat.7b1e9a52-6c1f-4c36-9a53-0c2f1d0f7e11", ChannelChat, "7b1e9a52-6c1f-4c36-9a53-0c2f1d0f7e11"},
		{"widget.w1", ChannelWidget, "w1"},
		{"chat.", ChannelUnknown, ""},
		{"presence.x", ChannelUnknown, ""},
		{"private-chat.1", ChannelUnknown, ""},
		{"", ChannelUnknown, ""},
	}
	for _, tc := range cases {
		kind, id := ParseChannel(tc.name)
		if kind != tc.kind || id != tc.id {
			t.Fatalf("ParseChannel(%q) = (%v, %q), want (%v, %q)", tc.name, kind, id, tc.kind, tc.id)
		}
	}
}

func TestChannelNames(t *testing.T) {
	if got := UserChannel(9); got != "user.9" {
		t.Fatalf("UserChannel = %q", got)
	}
	if got := ChatChannel("s1"); got != "chat.s1" {
		t.Fatalf("ChatChannel = %q", got)
	}
	if got := WidgetChannel("w1"); got != "widget.w1" {
		t.Fatalf("WidgetChannel = %q", got)
	}
}
