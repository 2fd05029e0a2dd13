package wsproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// EncodeMessage builds the binary wire frame for one message: a
// leading opcode byte (distinguishing it from the JSON control frames,
// which are sent as WebSocket text frames), the subscription id, the
// timestamp, then the opaque payload appended without re-encoding.
func EncodeMessage(subscriptionID uint32, timestampNs uint64, payload []byte) []byte {
	buf := make([]byte, 0, 1+4+8+len(payload))
	buf = append(buf, binaryOpMessage)
	buf = binary.LittleEndian.AppendUint32(buf, subscriptionID)
	buf = binary.LittleEndian.AppendUint64(buf, timestampNs)
	buf = append(buf, payload...)
	return buf
}

// DecodeMessage parses a binary wire frame produced by EncodeMessage.
func DecodeMessage(frame []byte) (subscriptionID uint32, timestampNs uint64, payload []byte, err error) {
	if len(frame) < 1+4+8 {
		return 0, 0, nil, fmt.Errorf("wsproto: short message frame (%d bytes)", len(frame))
	}
	if frame[0] != binaryOpMessage {
		return 0, 0, nil, fmt.Errorf("wsproto: unknown binary opcode %#x", frame[0])
	}
	subscriptionID = binary.LittleEndian.Uint32(frame[1:5])
	timestampNs = binary.LittleEndian.Uint64(frame[5:13])
	payload = frame[13:]
	return subscriptionID, timestampNs, payload, nil
}

// EncodeServerInfo builds the serverInfo handshake text frame.
func EncodeServerInfo(name string, capabilities []string) ([]byte, error) {
	return json.Marshal(serverInfoFrame{Op: opServerInfo, Name: name, Capabilities: capabilities})
}

// EncodeAdvertise builds an advertise text frame for one or more channels.
func EncodeAdvertise(channels []Channel) ([]byte, error) {
	return json.Marshal(advertiseFrame{Op: opAdvertise, Channels: channels})
}

// EncodeUnadvertise builds an unadvertise text frame.
func EncodeUnadvertise(channelIDs []uint32) ([]byte, error) {
	return json.Marshal(unadvertiseFrame{Op: opUnadvertise, ChannelIDs: channelIDs})
}

// EncodeSubscribe builds a subscribe text frame requesting subscriptionID
// be bound to channelID.
func EncodeSubscribe(subscriptionID, channelID uint32) ([]byte, error) {
	return json.Marshal(subscribeFrame{
		Op:            opSubscribe,
		Subscriptions: []subscription{{ID: subscriptionID, ChannelID: channelID}},
	})
}

// EncodeUnsubscribe builds an unsubscribe text frame.
func EncodeUnsubscribe(subscriptionID uint32) ([]byte, error) {
	return json.Marshal(unsubscribeFrame{Op: opUnsubscribe, SubscriptionIDs: []uint32{subscriptionID}})
}

// ControlFrame is the decoded form of any JSON text frame understood by
// either side of the protocol; only the fields relevant to Op are populated.
type ControlFrame struct {
	Op              string
	Name            string
	Capabilities    []string
	Channels        []Channel
	ChannelIDs      []uint32
	Subscriptions   []subscription
	SubscriptionIDs []uint32
}

// DecodeControlFrame parses any JSON text frame and dispatches on its "op" field.
func DecodeControlFrame(data []byte) (ControlFrame, error) {
	var head opOnly
	if err := json.Unmarshal(data, &head); err != nil {
		return ControlFrame{}, fmt.Errorf("wsproto: decode op: %w", err)
	}

	cf := ControlFrame{Op: head.Op}
	switch head.Op {
	case opServerInfo:
		var f serverInfoFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return ControlFrame{}, err
		}
		cf.Name = f.Name
		cf.Capabilities = f.Capabilities
	case opAdvertise:
		var f advertiseFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return ControlFrame{}, err
		}
		cf.Channels = f.Channels
	case opUnadvertise:
		var f unadvertiseFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return ControlFrame{}, err
		}
		cf.ChannelIDs = f.ChannelIDs
	case opSubscribe:
		var f subscribeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return ControlFrame{}, err
		}
		cf.Subscriptions = f.Subscriptions
	case opUnsubscribe:
		var f unsubscribeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return ControlFrame{}, err
		}
		cf.SubscriptionIDs = f.SubscriptionIDs
	default:
		return ControlFrame{}, fmt.Errorf("wsproto: unknown op %q", head.Op)
	}
	return cf, nil
}
