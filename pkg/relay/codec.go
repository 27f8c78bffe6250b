package relay

import (
	"errors"

	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes/wrappers"

	"github.com/afska/gba-link-connection-sub000/pkg/link/raw"
	"github.com/afska/gba-link-connection-sub000/pkg/link/wireless"
)

// ErrBadPlayerID indicates a packet naming a player outside the room.
var ErrBadPlayerID = errors.New("bad player id")

// EncodeMessage packs msg as a UInt32Value holding
// playerID<<16 | data.
func EncodeMessage(msg wireless.Message) ([]byte, error) {
	if msg.PlayerID < 0 || msg.PlayerID >= raw.MaxPlayers {
		return nil, ErrBadPlayerID
	}
	return proto.Marshal(&wrappers.UInt32Value{Value: uint32(msg.PlayerID)<<16 | uint32(msg.Data)})
}

// DecodeMessage is the inverse of EncodeMessage. The packet id is not
// carried.
func DecodeMessage(pkt []byte) (wireless.Message, error) {
	var v wrappers.UInt32Value
	if err := proto.Unmarshal(pkt, &v); err != nil {
		return wireless.Message{}, err
	}
	playerID := int(v.Value >> 16)
	if playerID >= raw.MaxPlayers {
		return wireless.Message{}, ErrBadPlayerID
	}
	return wireless.Message{Data: uint16(v.Value), PlayerID: playerID}, nil
}
