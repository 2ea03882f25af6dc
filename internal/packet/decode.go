package packet

import "bytes"

// MaxFrameSize bounds the remaining-length value this broker will accept
// once fully decoded, independent of the four-byte varint bound already
// enforced by decodeRemainingLength. It guards against a client advertising
// a technically-legal but absurd frame size before the bytes have even
// arrived.
const MaxFrameSize = 1 << 20 // 1 MiB

// Decoder turns a stream of bytes arriving off a connection into a sequence
// of Requests. Callers call Feed as bytes arrive and Next to pull out
// complete frames; Next returns errIncomplete (wrapped as a nil Request,
// nil error) when it needs more bytes than have been fed so far.
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends newly read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf.Write(p)
}

// Next attempts to decode one complete frame from the buffered bytes. It
// returns (nil, nil) when more bytes are needed, a non-nil error for a
// malformed or oversized frame, or a decoded Request otherwise. Bytes
// belonging to a complete frame are consumed from the buffer whether it
// decodes or is rejected as malformed; an ErrFrameTooLarge return consumes
// nothing. Bytes belonging to an incomplete frame are left in place for the
// next Feed+Next cycle.
func (d *Decoder) Next() (Request, error) {
	data := d.buf.Bytes()
	if len(data) < 1 {
		return nil, nil
	}
	length, lenBytes, err := decodeRemainingLength(data[1:])
	if err == errIncomplete {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	total := 1 + lenBytes + length
	if len(data) < total {
		return nil, nil
	}

	// Copy the frame out before advancing: the buffer may reuse this
	// backing array on a subsequent Write, and a PUBLISH's Raw field
	// aliases this slice for the lifetime of its fan-out to subscribers.
	frame := make([]byte, total)
	copy(frame, data[:total])
	d.buf.Next(total)

	return decodeFrame(frame, 1+lenBytes)
}

// decodeFrame decodes a single, complete frame. header is the index of the
// first byte past the fixed header (type byte + remaining-length bytes).
func decodeFrame(frame []byte, header int) (Request, error) {
	firstByte := frame[0]
	typ := Type(firstByte >> 4)
	flags := firstByte & 0x0F

	switch typ {
	case TypeConnect:
		if flags != 0 {
			return nil, ErrMalformedRequest
		}
		return decodeConnect(frame, header)
	case TypePublish:
		return decodePublish(frame, header, flags)
	case TypeSubscribe:
		if flags != 0b0010 {
			return nil, ErrMalformedRequest
		}
		return decodeSubscribe(frame, header)
	case TypeUnsubscribe:
		if flags != 0b0010 {
			return nil, ErrMalformedRequest
		}
		return decodeUnsubscribe(frame, header)
	case TypePingReq:
		if flags != 0 || header != len(frame) {
			return nil, ErrMalformedRequest
		}
		return PingReq{}, nil
	case TypeDisconnect:
		if flags != 0 || header != len(frame) {
			return nil, ErrMalformedRequest
		}
		return Disconnect{}, nil
	default:
		return nil, ErrMalformedRequest
	}
}

func decodeConnect(frame []byte, cursor int) (Request, error) {
	if cursor+10 > len(frame) {
		return nil, ErrMalformedRequest
	}
	protoName, cursor, err := readUTF8Field(frame, cursor, "protocol_name")
	if err != nil {
		return nil, err
	}
	if protoName != "MQTT" {
		return nil, ErrMalformedRequest
	}
	protocolVersion := frame[cursor]
	cursor++
	connectFlags := frame[cursor]
	cursor++
	keepAlive := beUint16(frame[cursor : cursor+2])
	cursor += 2

	reserved := connectFlags&0x01 != 0
	if reserved {
		return nil, ErrMalformedRequest
	}
	usernameFlag := connectFlags&0x80 != 0
	passwordFlag := connectFlags&0x40 != 0
	willRetain := connectFlags&0x20 != 0
	willQos := Qos((connectFlags >> 3) & 0x03)
	willFlag := connectFlags&0x04 != 0
	cleanSession := connectFlags&0x02 != 0

	if !willFlag && (willRetain || willQos != QosFireAndForget) {
		return nil, ErrMalformedRequest
	}

	clientID, cursor, err := readUTF8Field(frame, cursor, "client_id")
	if err != nil {
		return nil, err
	}

	c := &Connect{
		ProtocolName:    protoName,
		ProtocolVersion: protocolVersion,
		CleanSession:    cleanSession,
		KeepAlive:       keepAlive,
		ClientID:        clientID,
	}

	if willFlag {
		if !willQos.Valid() {
			return nil, ErrMalformedRequest
		}
		topic, next, err := readUTF8Field(frame, cursor, "will_topic")
		if err != nil {
			return nil, err
		}
		cursor = next
		payload, next, err := readLengthPrefixed(frame, cursor)
		if err != nil {
			return nil, err
		}
		cursor = next
		c.Will = &Will{Topic: topic, Payload: append([]byte(nil), payload...), Qos: willQos, Retain: willRetain}
	}

	if usernameFlag {
		username, next, err := readUTF8Field(frame, cursor, "username")
		if err != nil {
			return nil, err
		}
		cursor = next
		c.HasUsername = true
		c.Username = username
	}

	if passwordFlag {
		password, next, err := readLengthPrefixed(frame, cursor)
		if err != nil {
			return nil, err
		}
		cursor = next
		c.HasPassword = true
		c.Password = append([]byte(nil), password...)
	}

	if cursor != len(frame) {
		return nil, ErrMalformedRequest
	}
	return c, nil
}

func decodeSubscribe(frame []byte, cursor int) (Request, error) {
	if cursor+2 > len(frame) {
		return nil, ErrMalformedRequest
	}
	id := beUint16(frame[cursor : cursor+2])
	cursor += 2

	var subs []TopicSubscription
	for cursor < len(frame) {
		topic, next, err := readUTF8Field(frame, cursor, "topic_filter")
		if err != nil {
			return nil, err
		}
		cursor = next
		if cursor >= len(frame) {
			return nil, ErrMalformedRequest
		}
		qos := Qos(frame[cursor])
		cursor++
		if !qos.Valid() {
			return nil, ErrMalformedRequest
		}
		subs = append(subs, TopicSubscription{Topic: topic, RequestedQos: qos})
	}
	if len(subs) == 0 {
		return nil, ErrMalformedRequest
	}
	return &Subscribe{ID: id, Subscriptions: subs}, nil
}

func decodeUnsubscribe(frame []byte, cursor int) (Request, error) {
	if cursor+2 > len(frame) {
		return nil, ErrMalformedRequest
	}
	id := beUint16(frame[cursor : cursor+2])
	cursor += 2

	var topics []string
	for cursor < len(frame) {
		topic, next, err := readUTF8Field(frame, cursor, "topic_filter")
		if err != nil {
			return nil, err
		}
		cursor = next
		topics = append(topics, topic)
	}
	if len(topics) == 0 {
		return nil, ErrMalformedRequest
	}
	return &Unsubscribe{ID: id, Topics: topics}, nil
}

func decodePublish(frame []byte, cursor int, flags byte) (Request, error) {
	retain := flags&0x01 != 0
	qos := Qos((flags >> 1) & 0x03)
	dup := flags&0x08 != 0
	if !qos.Valid() || qos == QosFireAndForget && dup {
		return nil, ErrMalformedRequest
	}

	topic, cursor, err := readUTF8Field(frame, cursor, "topic")
	if err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, ErrMalformedRequest
	}

	p := &Publish{Dup: dup, Qos: qos, Retain: retain, Topic: topic, Raw: frame}

	if qos != QosFireAndForget {
		if cursor+2 > len(frame) {
			return nil, ErrMalformedRequest
		}
		p.HasID = true
		p.ID = beUint16(frame[cursor : cursor+2])
		cursor += 2
	}

	p.Payload = frame[cursor:]
	return p, nil
}
