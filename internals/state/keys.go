package state

import "fmt"

const (
	KeyPrefixRoom = "peermeet:room:"
	// RoomsKey is the set of room names that have mirrored participants.
	RoomsKey = "peermeet:rooms"
)

func RoomParticipantsKey(roomName string) string {
	return fmt.Sprintf("%s%s:participants", KeyPrefixRoom, roomName)
}

// RoomEventsChannel is the pub/sub channel carrying presence events of a room.
func RoomEventsChannel(roomName string) string {
	return fmt.Sprintf("%s%s:events", KeyPrefixRoom, roomName)
}

// AllRoomEventsPattern matches the presence channel of every room.
const AllRoomEventsPattern = KeyPrefixRoom + "*:events"
