// Package conn implements one TCP connection's MQTT protocol lifecycle:
// the Established/Connected/Disconnected/Cleaning state machine, the
// subscribe fan-in loop that multiplexes inbound frames against fanned-in
// topic deliveries, and the non-graceful teardown path that persists the
// session and publishes a will message.
package conn

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/kestrelmqtt/kestrel/internal/auth"
	"github.com/kestrelmqtt/kestrel/internal/packet"
	"github.com/kestrelmqtt/kestrel/internal/pubsub"
	"github.com/kestrelmqtt/kestrel/internal/session"
	"github.com/kestrelmqtt/kestrel/pkg/logger"
)

// Handler serves accepted connections, one per Serve call. A single Handler
// value is shared (read-only, after construction) across every connection,
// including concurrent ones; it carries no per-connection state itself.
type Handler struct {
	Registry       *pubsub.Registry
	Sessions       session.Store
	Auth           auth.Authenticator
	Logger         logger.Logger
	KeepAliveGrace float64
}

// frameMsg is one decode result read off the socket.
type frameMsg struct {
	req packet.Request
	err error
}

// deliveryMsg is one PUBLISH handed from a topic pump goroutine to the
// connection's main select loop.
type deliveryMsg struct {
	topic string
	pub   *packet.Publish
	laggedBy uint64
}

// conn tracks the per-connection state the Handler mutates while serving
// one socket. It is never shared across goroutines except the pump
// goroutines, which only ever send on deliveries and never touch conn
// fields directly.
type conn struct {
	nc      net.Conn
	addr    string
	w       *bufio.Writer
	state   State
	keepAlive time.Duration

	clientID     string
	cleanSession bool
	will         *packet.Will
	sess         *session.Session

	subs       map[string]context.CancelFunc
	deliveries chan deliveryMsg
}

// Serve runs the connection's full lifecycle until it ends, either because
// the client disconnected, an error occurred, or ctx was canceled (server
// shutdown). It reports nothing to the caller; all failure modes are logged
// and result in the socket being closed.
func (h *Handler) Serve(ctx context.Context, nc net.Conn) {
	addr := nc.RemoteAddr().String()
	c := &conn{
		nc:         nc,
		addr:       addr,
		w:          bufio.NewWriter(nc),
		state:      StateEstablished,
		subs:       make(map[string]context.CancelFunc),
		deliveries: make(chan deliveryMsg, 64),
	}
	defer nc.Close()
	defer c.cancelAllSubscriptions()

	frames := make(chan frameMsg, 1)
	go h.readLoop(nc, frames)

	if !h.awaitConnect(ctx, c, frames) {
		return
	}

	h.run(ctx, c, frames)
}

// readLoop decodes frames off nc and publishes them to frames until the
// connection closes or a decode error occurs. It exits after the first
// error; the main loop treats any such error as connection-ending.
func (h *Handler) readLoop(nc net.Conn, frames chan<- frameMsg) {
	defer close(frames)
	var dec packet.Decoder
	buf := make([]byte, 4096)
	for {
		req, err := dec.Next()
		if err != nil {
			frames <- frameMsg{err: err}
			return
		}
		if req != nil {
			frames <- frameMsg{req: req}
			continue
		}
		n, err := nc.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			frames <- frameMsg{err: err}
			return
		}
	}
}

// awaitConnect handles the Established state: only CONNECT is legal here.
// It returns true if the connection reached Connected and should proceed
// to run.
func (h *Handler) awaitConnect(ctx context.Context, c *conn, frames <-chan frameMsg) bool {
	select {
	case <-ctx.Done():
		return false
	case fm, ok := <-frames:
		if !ok {
			return false
		}
		if fm.err != nil {
			h.Logger.Warn("read failed before CONNECT", "addr", c.addr, "error", fm.err)
			return false
		}
		connect, ok := fm.req.(*packet.Connect)
		if !ok {
			h.Logger.Warn("non-CONNECT frame in established state", "addr", c.addr, "type", fm.req.Type())
			return false
		}
		return h.handleConnect(c, connect)
	}
}

// handleConnect implements the Established→Connected transition.
func (h *Handler) handleConnect(c *conn, connect *packet.Connect) bool {
	if connect.ProtocolVersion != 4 {
		h.Logger.Warn("unacceptable protocol version", "addr", c.addr, "version", connect.ProtocolVersion)
		h.write(c, packet.EncodeConnack(false, packet.UnacceptableProtocol))
		return false
	}

	if connect.HasUsername {
		if !h.Auth.Authenticate(connect.ClientID, connect.Username, connect.Password) {
			h.Logger.Warn("authentication failed", "addr", c.addr, "client_id", connect.ClientID)
			h.write(c, packet.EncodeConnack(false, packet.BadUsernameOrPassword))
			return false
		}
	}

	c.clientID = connect.ClientID
	c.cleanSession = connect.CleanSession
	c.will = connect.Will
	c.keepAlive = time.Duration(connect.KeepAlive) * time.Second

	var sessionPresent bool
	if connect.CleanSession {
		h.Sessions.Evict(connect.ClientID)
		c.sess = session.New()
		sessionPresent = false
	} else if existing, ok := h.Sessions.Get(connect.ClientID); ok {
		c.sess = existing
		sessionPresent = true
	} else {
		c.sess = session.New()
		sessionPresent = false
	}

	h.write(c, packet.EncodeConnack(sessionPresent, packet.Accepted))
	c.state = StateConnected
	c.refreshDeadline(h.KeepAliveGrace)
	h.Logger.Info("client connected", "addr", c.addr, "client_id", c.clientID, "session_present", sessionPresent)

	if sessionPresent {
		for _, topic := range c.sess.Topics() {
			h.addSubscription(c, topic)
		}
	}
	return true
}

// run drives Connected processing: a single select loop multiplexing
// inbound frames against every topic this connection has fanned in,
// generalized to also cover the pre-subscribe period (an empty fan-in set
// behaves exactly like plain frame dispatch). The idle deadline is only
// refreshed by traffic the client itself sent; a connection that only
// receives deliveries on a subscribed topic must still be disconnected
// once it stops sending its own frames.
func (h *Handler) run(ctx context.Context, c *conn, frames <-chan frameMsg) {
	for {
		select {
		case <-ctx.Done():
			h.drop(c, false)
			return
		case d := <-c.deliveries:
			if d.laggedBy > 0 {
				h.Logger.Warn("subscriber lagged", "addr", c.addr, "topic", d.topic, "skipped", d.laggedBy)
				continue
			}
			h.write(c, d.pub.Raw)
			h.Logger.Debug("delivered publish", "addr", c.addr, "topic", d.topic)
		case fm, ok := <-frames:
			if !ok {
				h.drop(c, true)
				return
			}
			if fm.err != nil {
				h.handleReadError(c, fm.err)
				return
			}
			c.refreshDeadline(h.KeepAliveGrace)
			if done := h.dispatch(c, fm.req); done {
				return
			}
		}
	}
}

func (h *Handler) handleReadError(c *conn, err error) {
	if errors.Is(err, io.EOF) {
		h.Logger.Debug("connection closed by peer", "addr", c.addr)
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		h.Logger.Warn("idle timeout", "addr", c.addr, "client_id", c.clientID, "error", ErrIdleTimeout)
	} else {
		h.Logger.Warn("read error", "addr", c.addr, "error", err)
	}
	h.drop(c, true)
}

// dispatch handles one decoded Connected-state frame. It returns true once
// the connection should terminate (DISCONNECT or protocol violation).
func (h *Handler) dispatch(c *conn, req packet.Request) bool {
	switch r := req.(type) {
	case *packet.Subscribe:
		h.handleSubscribe(c, r)
	case *packet.Unsubscribe:
		h.handleUnsubscribe(c, r)
	case *packet.Publish:
		h.Registry.Dispatch(r.Topic, r)
	case packet.PingReq:
		h.write(c, packet.EncodePingresp())
	case packet.Disconnect:
		h.handleDisconnect(c)
		return true
	default:
		h.Logger.Warn("unexpected frame in connected state", "addr", c.addr, "type", req.Type(), "error", ErrProtocolViolation)
		h.drop(c, true)
		return true
	}
	return false
}

func (h *Handler) handleSubscribe(c *conn, s *packet.Subscribe) {
	granted := make([]packet.GrantedQos, 0, len(s.Subscriptions))
	for _, sub := range s.Subscriptions {
		c.sess.Add(sub.Topic, packet.QosFireAndForget)
		h.addSubscription(c, sub.Topic)
		q := packet.QosFireAndForget
		granted = append(granted, &q)
	}
	h.write(c, packet.EncodeSuback(s.ID, granted))
	h.Logger.Info("subscribed", "addr", c.addr, "client_id", c.clientID, "count", len(s.Subscriptions))
}

func (h *Handler) handleUnsubscribe(c *conn, u *packet.Unsubscribe) {
	for _, topic := range u.Topics {
		c.sess.Remove(topic)
		h.removeSubscription(c, topic)
	}
	h.write(c, packet.EncodeUnsuback(u.ID))
	h.Logger.Info("unsubscribed", "addr", c.addr, "client_id", c.clientID, "count", len(u.Topics))
}

// handleDisconnect implements the graceful DISCONNECT path.
func (h *Handler) handleDisconnect(c *conn) {
	c.state = StateDisconnected
	if !c.cleanSession {
		h.Sessions.Put(c.clientID, c.sess)
	}
	h.Logger.Info("client disconnected", "addr", c.addr, "client_id", c.clientID)
}

// drop implements the Cleaning path: a connection leaving Connected
// without a DISCONNECT. publishWill controls whether the will message (if
// any) is published — it is suppressed on graceful shutdown.
func (h *Handler) drop(c *conn, publishWill bool) {
	if c.state != StateConnected {
		return
	}
	c.state = StateCleaning
	if c.clientID == "" {
		return
	}
	if !c.cleanSession {
		h.Sessions.Put(c.clientID, c.sess)
	}
	if publishWill && c.will != nil {
		h.Logger.Info("publishing will", "addr", c.addr, "client_id", c.clientID, "topic", c.will.Topic)
		h.Registry.Dispatch(c.will.Topic, &packet.Publish{
			Topic:   c.will.Topic,
			Qos:     packet.QosFireAndForget,
			Retain:  c.will.Retain,
			Payload: c.will.Payload,
			Raw:     packet.EncodePublish(c.will.Topic, c.will.Payload, c.will.Retain),
		})
	}
	h.Logger.Info("connection dropped", "addr", c.addr, "client_id", c.clientID)
}

func (h *Handler) write(c *conn, b []byte) {
	if _, err := c.w.Write(b); err != nil {
		h.Logger.Warn("write failed", "addr", c.addr, "error", err)
		return
	}
	if err := c.w.Flush(); err != nil {
		h.Logger.Warn("flush failed", "addr", c.addr, "error", err)
	}
}

func (c *conn) refreshDeadline(grace float64) {
	if c.keepAlive <= 0 {
		return
	}
	idle := time.Duration(float64(c.keepAlive) * grace)
	_ = c.nc.SetReadDeadline(time.Now().Add(idle))
}

func (c *conn) cancelAllSubscriptions() {
	for _, cancel := range c.subs {
		cancel()
	}
}

// addSubscription starts a pump goroutine feeding c.deliveries for topic,
// replacing any existing pump for the same topic (re-subscribe semantics).
func (h *Handler) addSubscription(c *conn, topic string) {
	h.removeSubscription(c, topic)
	ctx, cancel := context.WithCancel(context.Background())
	c.subs[topic] = cancel
	sub := h.Registry.Subscribe(topic)
	go pump(ctx, topic, sub, c.deliveries)
}

func (h *Handler) removeSubscription(c *conn, topic string) {
	if cancel, ok := c.subs[topic]; ok {
		cancel()
		delete(c.subs, topic)
	}
}

// pump reads from sub until ctx is canceled or the broadcaster closes,
// forwarding each PUBLISH (or lag notice) to out. It is the name-keyed
// multiplexer source for one topic.
func pump(ctx context.Context, topic string, sub *pubsub.Subscriber, out chan<- deliveryMsg) {
	for {
		p, err := sub.Recv(ctx)
		if err != nil {
			var lagged *pubsub.LaggedError
			if errors.As(err, &lagged) {
				select {
				case out <- deliveryMsg{topic: topic, laggedBy: lagged.Skipped}:
				case <-ctx.Done():
					return
				}
				continue
			}
			return
		}
		select {
		case out <- deliveryMsg{topic: topic, pub: p}:
		case <-ctx.Done():
			return
		}
	}
}
