package protocol

import (
	"strconv"
	"strings"
)

// ChannelKind classifies a channel name.
type ChannelKind int

const (
	ChannelUnknown ChannelKind = iota
	ChannelUser
	ChannelChat
	ChannelWidget
	ChannelPublic
)

// PublicChannel is the channel every guest token carries.
const PublicChannel = "public"

func UserChannel(userID uint64) string { return "user." + strconv.FormatUint(userID, 10) }
func ChatChannel(sessionID string) string { return "chat." + sessionID }
func WidgetChannel(widgetID string) string { return "widget." + widgetID }

// ParseChannel splits a channel name into its kind and the id it carries.
// Names that do not follow the naming convention return ChannelUnknown.
func ParseChannel(name string) (ChannelKind, string) {
	if name == PublicChannel {
		return ChannelPublic, ""
	}
	prefix, id, ok := strings.Cut(name, ".")
	if !ok || id == "" || strings.ContainsAny(id, " \t\r\n") {
		return ChannelUnknown, ""
	}
	switch prefix {
	case "user":
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			return ChannelUnknown, ""
		}
		return ChannelUser, id
	case "chat":
		return ChannelChat, id
	case "widget":
		return ChannelWidget, id
	default:
		return ChannelUnknown, ""
	}
}
