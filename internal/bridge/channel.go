package bridge

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidChannel is returned for channel names that do not map to a room.
var ErrInvalidChannel = errors.New("invalid bus channel")

// Target is the room a bus channel maps to.
type Target struct {
	Visibility string
	RoomType   string
	RoomID     string
}

// Room returns the room name, "<roomType>.<roomId>".
func (t Target) Room() string {
	return t.RoomType + "." + t.RoomID
}

// ChannelPattern is the PSUBSCRIBE pattern covering every channel under prefix.
func ChannelPattern(prefix string) string {
	return prefix + "-*"
}

// ParseChannel maps "<prefix>-<visibility>-<roomType>.<roomId>" to its target.
// The visibility segment is mandatory: the first hyphen-separated segment
// after the prefix is always taken as the visibility, whatever its value, so
// "prefix-group-chat.5" targets room "chat.5". Room types may contain
// hyphens only when a visibility precedes them.
func ParseChannel(prefix, channel string) (Target, error) {
	rest, ok := strings.CutPrefix(channel, prefix+"-")
	if !ok {
		return Target{}, fmt.Errorf("%w: %q lacks prefix %q", ErrInvalidChannel, channel, prefix)
	}

	visibility, name, ok := strings.Cut(rest, "-")
	if !ok || visibility == "" || strings.Contains(visibility, ".") {
		return Target{}, fmt.Errorf("%w: %q has no visibility segment", ErrInvalidChannel, channel)
	}

	roomType, roomID, ok := strings.Cut(name, ".")
	if !ok || roomType == "" || roomID == "" {
		return Target{}, fmt.Errorf("%w: %q has no room type and id", ErrInvalidChannel, channel)
	}

	return Target{Visibility: visibility, RoomType: roomType, RoomID: roomID}, nil
}
