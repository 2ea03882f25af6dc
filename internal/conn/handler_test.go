package conn

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmqtt/kestrel/internal/auth"
	"github.com/kestrelmqtt/kestrel/internal/packet"
	"github.com/kestrelmqtt/kestrel/internal/pubsub"
	"github.com/kestrelmqtt/kestrel/internal/session"
	"github.com/kestrelmqtt/kestrel/pkg/logger"
)

func testHandler() *Handler {
	return &Handler{
		Registry:       pubsub.NewRegistry(),
		Sessions:       session.NewMemoryStore(16),
		Auth:           auth.NoopAuthenticator{},
		Logger:         logger.New("error"),
		KeepAliveGrace: 1.5,
	}
}

// connectFrame builds a minimal CONNECT for clientID: no will, keepalive 0
// (disables idle timeout). cleanSession sets the clean-session flag;
// withAuth adds the username "up" with no password.
func connectFrame(clientID string, cleanSession bool, withAuth bool) []byte {
	flags := byte(0)
	if cleanSession {
		flags |= 0x02
	}
	payload := []byte{
		0x00, 0x04, 'M', 'Q', 'T', 'T',
		0x04, flags, 0x00, 0x00,
	}
	payload = append(payload, 0x00, byte(len(clientID)))
	payload = append(payload, clientID...)
	if withAuth {
		flags |= 0x80
		payload[7] = flags
		payload = append(payload, 0x00, 0x02, 'u', 'p')
	}
	frame := []byte{0x10, byte(len(payload))}
	frame = append(frame, payload...)
	return frame
}

func subscribeFrame(id uint16, topic string) []byte {
	payload := []byte{byte(id >> 8), byte(id)}
	payload = append(payload, byte(len(topic)>>8), byte(len(topic)))
	payload = append(payload, topic...)
	payload = append(payload, 0x00)
	frame := []byte{0x82, byte(len(payload))}
	frame = append(frame, payload...)
	return frame
}

func publishFrame(topic string, body string) []byte {
	payload := []byte{byte(len(topic) >> 8), byte(len(topic))}
	payload = append(payload, topic...)
	payload = append(payload, body...)
	frame := []byte{0x30, byte(len(payload))}
	frame = append(frame, payload...)
	return frame
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := readFull(c, buf)
	require.NoError(t, err)
	return buf
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestServeAcceptsConnectAndRepliesConnack(t *testing.T) {
	h := testHandler()
	client, srv := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, srv)

	_, err := client.Write(connectFrame("cid", true, false))
	require.NoError(t, err)

	connack := readN(t, client, 4)
	assert.Equal(t, []byte{0x20, 0x02, 0x00, 0x00}, connack)
}

func TestServeRejectsUnacceptableProtocolVersion(t *testing.T) {
	h := testHandler()
	client, srv := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, srv)

	frame := connectFrame("cid", true, false)
	frame[8] = 0x05 // protocol level byte
	_, err := client.Write(frame)
	require.NoError(t, err)

	connack := readN(t, client, 4)
	assert.Equal(t, byte(packet.UnacceptableProtocol), connack[3])

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err = client.Read(buf)
	assert.Error(t, err)
}

func TestServeRejectsBadCredentials(t *testing.T) {
	h := testHandler()
	h.Auth = auth.NewStaticAuthenticator(map[string]string{"good": "secret"})
	client, srv := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, srv)

	_, err := client.Write(connectFrame("cid", true, true))
	require.NoError(t, err)

	connack := readN(t, client, 4)
	assert.Equal(t, byte(4), connack[3]) // BadUsernameOrPassword
}

func TestServeRestoresSessionWithoutSuback(t *testing.T) {
	h := testHandler()
	existing := session.New()
	existing.Add("a/b", 0)
	h.Sessions.Put("cid", existing)

	client, srv := net.Pipe()
	defer client.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, srv)

	_, err := client.Write(connectFrame("cid", false, false))
	require.NoError(t, err)

	connack := readN(t, client, 4)
	assert.Equal(t, byte(1), connack[2]) // session present

	// no SUBACK follows the CONNACK for the restored subscription
	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err = client.Read(buf)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestServeSubscribeAndReceivePublish(t *testing.T) {
	h := testHandler()
	subClient, subSrv := net.Pipe()
	defer subClient.Close()
	pubClient, pubSrv := net.Pipe()
	defer pubClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, subSrv)
	go h.Serve(ctx, pubSrv)

	_, err := subClient.Write(connectFrame("sub", true, false))
	require.NoError(t, err)
	readN(t, subClient, 4)

	_, err = subClient.Write(subscribeFrame(1, "a/b"))
	require.NoError(t, err)
	suback := readN(t, subClient, 5)
	assert.Equal(t, byte(0x90), suback[0])

	_, err = pubClient.Write(connectFrame("pub", true, false))
	require.NoError(t, err)
	readN(t, pubClient, 4)

	_, err = pubClient.Write(publishFrame("a/b", "hello"))
	require.NoError(t, err)

	frame := publishFrame("a/b", "hello")
	got := readN(t, subClient, len(frame))
	assert.Equal(t, frame, got)
}

func TestDropPublishesWill(t *testing.T) {
	h := testHandler()
	willClient, willSrv := net.Pipe()
	subClient, subSrv := net.Pipe()
	defer subClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, subSrv)

	_, err := subClient.Write(connectFrame("sub", true, false))
	require.NoError(t, err)
	readN(t, subClient, 4)
	_, err = subClient.Write(subscribeFrame(1, "w/tp"))
	require.NoError(t, err)
	readN(t, subClient, 5)

	go h.Serve(ctx, willSrv)
	willFrame := []byte{
		0x10, 0x19,
		0x00, 0x04, 'M', 'Q', 'T', 'T',
		0x04, 0x36, 0x00, 0x00,
		0x00, 0x03, 'c', 'i', 'd',
		0x00, 0x04, 'w', '/', 't', 'p',
		0x00, 0x02, 'h', 'i',
	}
	_, err = willClient.Write(willFrame)
	require.NoError(t, err)
	readN(t, willClient, 4)

	willClient.Close() // ungraceful: triggers the cleaning path, not DISCONNECT

	want := packet.EncodePublish("w/tp", []byte("hi"), true)
	got := readN(t, subClient, len(want))
	assert.Equal(t, want, got)
}
