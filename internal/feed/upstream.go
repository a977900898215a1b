package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrDisconnected is returned by Subscribe when the connection it was about
// to use went away before the batch could be registered.
var ErrDisconnected = errors.New("feed: upstream disconnected")

// ConnectionState is the lifecycle state of the upstream socket.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Closing
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	}
	return "unknown"
}

// TokenSource resolves the provider approval key sent in every control
// frame. Implementations cache the key for its validity window.
type TokenSource interface {
	ApprovalKey(ctx context.Context) (string, error)
}

// UpstreamConfig holds tunable parameters for the provider connection.
type UpstreamConfig struct {
	URL string

	ReadBufferSize  int
	WriteBufferSize int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// PingInterval is how often a websocket ping is sent. The connection is
	// considered dead after PingInterval+PingTimeout without any traffic.
	PingInterval time.Duration
	PingTimeout  time.Duration

	// CustType is the provider customer type put in control frames.
	CustType string

	// Encrypted selects the AES payload strategy instead of plaintext.
	Encrypted bool

	Headers http.Header
}

// DefaultUpstreamConfig returns defaults matching the provider's keep-alive
// expectations.
func DefaultUpstreamConfig(url string) UpstreamConfig {
	return UpstreamConfig{
		URL:              url,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     20 * time.Second,
		PingTimeout:      20 * time.Second,
		CustType:         "P",
	}
}

// Upstream owns the single provider connection, its read loop and the
// registry of subscription keys sent over it.
type Upstream struct {
	cfg     UpstreamConfig
	log     *zap.Logger
	tokens  TokenSource
	decoder *Decoder
	aes     *AESPayloads
	sink    func(Event)

	registry *Registry
	state    atomic.Int32

	// mu guards the connection fields and orders registry mutation against
	// teardown so a batch is never registered on a dead connection.
	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	// onConnect is called after each successful dial (testing hook).
	onConnect func()
}

// NewUpstream creates a disconnected Upstream. Decoded events are passed to
// sink from the read loop goroutine.
func NewUpstream(cfg UpstreamConfig, tokens TokenSource, rates RateSource, sink func(Event), log *zap.Logger) *Upstream {
	u := &Upstream{
		cfg:      cfg,
		log:      log.Named("upstream"),
		tokens:   tokens,
		sink:     sink,
		registry: NewRegistry(),
	}
	if cfg.Encrypted {
		u.aes = NewAESPayloads()
		u.decoder = NewDecoder(rates, u.aes)
	} else {
		u.decoder = NewDecoder(rates, Plaintext{})
	}
	return u
}

// State returns the current connection state.
func (u *Upstream) State() ConnectionState {
	return ConnectionState(u.state.Load())
}

func (u *Upstream) setState(s ConnectionState) {
	u.state.Store(int32(s))
	connectionState.Set(float64(s))
}

// Subscriptions returns the keys currently registered upstream.
func (u *Upstream) Subscriptions() []SubscriptionKey {
	return u.registry.Keys(nil)
}

// EnsureConnected dials the provider unless already connected.
func (u *Upstream) EnsureConnected(ctx context.Context) error {
	_, err := u.connect(ctx)
	return err
}

func (u *Upstream) connect(ctx context.Context) (*websocket.Conn, error) {
	for {
		u.mu.Lock()
		if u.conn != nil && u.State() == Connected {
			c := u.conn
			u.mu.Unlock()
			return c, nil
		}
		// Never start a second read loop while the previous one is still
		// tearing down.
		if done := u.done; done != nil && !isClosed(done) {
			u.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		conn, err := u.dialLocked(ctx)
		u.mu.Unlock()
		return conn, err
	}
}

// dialLocked establishes the connection and starts the read and ping loops.
// Caller holds u.mu.
func (u *Upstream) dialLocked(ctx context.Context) (*websocket.Conn, error) {
	u.setState(Connecting)

	dialer := websocket.Dialer{
		HandshakeTimeout: u.cfg.HandshakeTimeout,
		ReadBufferSize:   u.cfg.ReadBufferSize,
		WriteBufferSize:  u.cfg.WriteBufferSize,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	dctx := ctx
	if u.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, u.cfg.HandshakeTimeout)
		defer cancel()
	}

	u.log.Info("connecting to provider", zap.String("url", u.cfg.URL))
	conn, _, err := dialer.DialContext(dctx, u.cfg.URL, u.cfg.Headers)
	if err != nil {
		u.setState(Disconnected)
		return nil, fmt.Errorf("feed: dial %s: %w", u.cfg.URL, err)
	}

	conn.SetReadDeadline(u.readDeadline())
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(u.readDeadline())
	})

	// The loops outlive the caller's context; only Close or a read error
	// stops them.
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	u.conn, u.cancel, u.done = conn, cancel, done
	u.setState(Connected)

	go u.readLoop(loopCtx, conn, done)
	go u.pingLoop(loopCtx, conn)

	u.log.Info("provider connected")
	if u.onConnect != nil {
		u.onConnect()
	}
	return conn, nil
}

func (u *Upstream) readDeadline() time.Time {
	if u.cfg.PingInterval <= 0 {
		return time.Time{}
	}
	return time.Now().Add(u.cfg.PingInterval + u.cfg.PingTimeout)
}

// Subscribe registers keys and sends one subscribe frame per key that was not
// already registered. A failed send is logged and the rest of the batch still
// goes out; keys stay registered either way.
func (u *Upstream) Subscribe(ctx context.Context, keys []SubscriptionKey) error {
	if len(keys) == 0 {
		return nil
	}

	conn, err := u.connect(ctx)
	if err != nil {
		return err
	}

	token, err := u.tokens.ApprovalKey(ctx)
	if err != nil {
		return fmt.Errorf("feed: resolve approval key: %w", err)
	}

	u.mu.Lock()
	if u.conn != conn {
		u.mu.Unlock()
		return ErrDisconnected
	}
	added := u.registry.Union(keys)
	total := u.registry.Len()
	u.mu.Unlock()
	subscriptionsGauge.Set(float64(total))

	for _, k := range added {
		u.sendControl(conn, token, RequestSubscribe, k)
	}
	if len(added) > 0 {
		u.log.Info("added subscriptions", zap.Int("added", len(added)), zap.Int("total", total))
	}
	return nil
}

// UnsubscribeAll sends an unsubscribe frame for every registered key and
// clears the registry. It is meant for graceful shutdown only.
func (u *Upstream) UnsubscribeAll(ctx context.Context) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return nil
	}

	token, err := u.tokens.ApprovalKey(ctx)
	if err != nil {
		return fmt.Errorf("feed: resolve approval key: %w", err)
	}

	u.mu.Lock()
	if u.conn != conn {
		u.mu.Unlock()
		return nil
	}
	keys := u.registry.Keys(nil)
	u.registry.Clear()
	u.mu.Unlock()
	subscriptionsGauge.Set(0)

	for _, k := range keys {
		u.sendControl(conn, token, RequestUnsubscribe, k)
	}
	return nil
}

func (u *Upstream) sendControl(conn *websocket.Conn, token string, req RequestKind, k SubscriptionKey) {
	label := "subscribe"
	if req == RequestUnsubscribe {
		label = "unsubscribe"
	}

	frame, err := EncodeControl(token, u.cfg.CustType, req, k)
	if err == nil {
		err = u.write(conn, frame)
	}
	if err != nil {
		controlFramesTotal.WithLabelValues(label, "error").Inc()
		u.log.Warn("control frame not sent", zap.String("request", label), zap.Stringer("key", k), zap.Error(err))
		return
	}
	controlFramesTotal.WithLabelValues(label, "sent").Inc()
}

func (u *Upstream) write(conn *websocket.Conn, data []byte) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()

	if u.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(u.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the socket, stops the read loop and clears the registry. The
// Upstream can be connected again afterwards.
func (u *Upstream) Close() error {
	u.mu.Lock()
	conn, cancel, done := u.conn, u.cancel, u.done
	if conn == nil {
		u.mu.Unlock()
		return nil
	}
	u.setState(Closing)
	u.mu.Unlock()

	cancel()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := conn.Close()
	<-done

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("feed: close upstream: %w", err)
	}
	return nil
}

// teardown moves to Disconnected and clears the registry if conn is still the
// current connection.
func (u *Upstream) teardown(conn *websocket.Conn) {
	u.mu.Lock()
	if u.conn == conn {
		u.conn = nil
		u.cancel()
		u.registry.Clear()
		u.setState(Disconnected)
		subscriptionsGauge.Set(0)
	}
	u.mu.Unlock()
	conn.Close()
}

// readLoop pulls frames until the socket fails or Close is called. Malformed
// frames are skipped; only transport errors end the loop.
func (u *Upstream) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer u.teardown(conn)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				u.log.Warn("provider read failed, connection dropped", zap.Error(err))
			}
			u.log.Info("read loop finished")
			return
		}
		conn.SetReadDeadline(u.readDeadline())
		u.handleFrame(conn, msg)
	}
}

func (u *Upstream) handleFrame(conn *websocket.Conn, msg []byte) {
	class := ClassifyFrame(msg)
	switch class {
	case FrameData:
		res := u.decoder.Decode(string(msg))
		framesTotal.WithLabelValues(class.String(), res.Status.String()).Inc()
		switch res.Status {
		case StatusDecoded:
			u.sink(res.Event)
		case StatusIgnored:
			u.log.Debug("frame ignored", zap.String("tr_id", string(res.Kind)), zap.Error(res.Err))
		case StatusInvalid:
			u.log.Warn("frame dropped", zap.String("tr_id", string(res.Kind)),
				zap.Error(res.Err), zap.String("frame", truncate(msg, 256)))
		}
	case FrameControl:
		framesTotal.WithLabelValues(class.String(), "").Inc()
		u.handleControl(conn, msg)
	case FrameEncryptedEnvelope:
		framesTotal.WithLabelValues(class.String(), "").Inc()
		u.log.Debug("encrypted envelope skipped", zap.Int("bytes", len(msg)))
	default:
		framesTotal.WithLabelValues(class.String(), "").Inc()
		u.log.Debug("unrecognised frame", zap.String("frame", truncate(msg, 256)))
	}
}

func (u *Upstream) handleControl(conn *websocket.Conn, msg []byte) {
	ack, err := ParseAck(msg)
	if err != nil {
		u.log.Debug("control envelope not parsed", zap.Error(err))
		return
	}

	if ack.PingPong() {
		if err := u.write(conn, msg); err != nil {
			u.log.Warn("pingpong echo failed", zap.Error(err))
		}
		return
	}

	fields := []zap.Field{
		zap.String("tr_id", ack.Header.TrID),
		zap.String("tr_key", ack.Header.TrKey),
		zap.String("msg_cd", ack.Body.MsgCd),
		zap.String("msg", ack.Body.Msg1),
	}
	if !ack.OK() {
		u.log.Warn("provider rejected request", fields...)
		return
	}
	u.log.Info("provider acknowledged request", fields...)

	if u.aes != nil && ack.Body.Output.Key != "" {
		if err := u.aes.SetKey(MessageKind(ack.Header.TrID), ack.Body.Output.Key, ack.Body.Output.IV); err != nil {
			u.log.Warn("payload key rejected", zap.Error(err))
		}
	}
}

// pingLoop keeps the connection alive with websocket pings.
func (u *Upstream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if u.cfg.PingInterval <= 0 {
		return
	}
	wait := u.cfg.WriteTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}
	ticker := time.NewTicker(u.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait)); err != nil {
				u.log.Debug("ping failed", zap.Error(err))
			}
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
