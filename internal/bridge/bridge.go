// Package bridge runs one MQTT connection per registered card and relays
// command frames between the broker and the card session.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tachobridge/tacho-bridge/internal/events"
	"github.com/tachobridge/tacho-bridge/internal/logging"
)

const (
	keepAlive      = 120 * time.Second
	reconnectDelay = 10 * time.Second
	connectTimeout = 30 * time.Second

	// qosAtLeastOnce: a lost frame would stall the authentication
	// handshake on the server side.
	qosAtLeastOnce = 1
)

// CardSession is the card-side surface the bridge drives.
type CardSession interface {
	Reconnect()
	SendWithRecovery(apduHex, clientID string) string
}

// frame is an inbound broker message. Pointers distinguish absent fields
// from zero values: finish is mandatory, payload may be absent or empty in
// the handshake.
type frame struct {
	Finish  *bool   `json:"finish"`
	Payload *string `json:"payload"`
}

type reply struct {
	Payload string `json:"payload"`
}

// publisher is the outbound half of the MQTT client.
type publisher interface {
	Publish(topic string, payload []byte) error
}

// Params collects the identity of one card connection.
type Params struct {
	ClientID   string // card number, doubles as the MQTT client ID
	ReaderName string
	ATR        string // hex, sent as the reply to an empty handshake frame
	ICCID      string
	BrokerHost string // host:port
	Session    CardSession
	Sink       events.Sink
}

// Bridge is one card's broker connection. Run blocks until the context is
// cancelled; the bridge never gives up on its own.
type Bridge struct {
	p Params

	mu             sync.Mutex
	online         bool
	wasOnline      bool
	authenticating bool
}

func New(p Params) *Bridge {
	return &Bridge{p: Params{
		ClientID:   p.ClientID,
		ReaderName: p.ReaderName,
		ATR:        strings.ToLower(p.ATR),
		ICCID:      p.ICCID,
		BrokerHost: p.BrokerHost,
		Session:    p.Session,
		Sink:       events.Wrap(p.Sink),
	}}
}

// RequestTopic is where the server publishes frames for this card.
func (b *Bridge) RequestTopic() string {
	return fmt.Sprintf("tacho/card/%s/request", b.p.ClientID)
}

// responseTopic derives the reply topic from the inbound one, so replies
// follow whatever topic the server actually used.
func responseTopic(requestTopic string) string {
	return strings.Replace(requestTopic, "request", "response", 1)
}

// Run connects to the broker and serves frames until ctx is cancelled.
// Every failure, connect or mid-session, is retried after a fixed delay.
func (b *Bridge) Run(ctx context.Context) {
	logging.Info(logging.CatBridge, "Bridge starting", map[string]any{
		"client": b.p.ClientID,
		"broker": b.p.BrokerHost,
	})
	for {
		err := b.connectAndServe(ctx)
		if ctx.Err() != nil {
			b.markOffline(nil)
			logging.Info(logging.CatBridge, "Bridge stopped", map[string]any{
				"client": b.p.ClientID,
			})
			return
		}
		b.markOffline(err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (b *Bridge) connectAndServe(ctx context.Context) error {
	lost := make(chan error, 1)

	opts := pahomqtt.NewClientOptions().
		AddBroker("tcp://" + b.p.BrokerHost).
		SetClientID(b.p.ClientID).
		SetKeepAlive(keepAlive).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			select {
			case lost <- err:
			default:
			}
		})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("broker connect timed out")
	}
	if err := token.Error(); err != nil {
		return err
	}
	defer client.Disconnect(250)

	pub := &pahoPublisher{client: client}
	sub := client.Subscribe(b.RequestTopic(), qosAtLeastOnce, func(_ pahomqtt.Client, m pahomqtt.Message) {
		b.handleMessage(m.Topic(), m.Payload(), pub)
	})
	if !sub.WaitTimeout(connectTimeout) {
		return errors.New("subscribe timed out")
	}
	if err := sub.Error(); err != nil {
		return err
	}

	b.markOnline()

	// The broker only pings when the line is idle, so an idle tick is a
	// cheap liveness signal for the UI.
	heartbeat := time.NewTicker(keepAlive)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-lost:
			return err
		case <-heartbeat.C:
			b.emitStatus(false)
		}
	}
}

// handleMessage decodes one frame and produces at most one reply. Paho
// dispatches messages for a subscription in order, so frame handling for a
// card is sequential.
func (b *Bridge) handleMessage(topic string, payload []byte, pub publisher) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		logging.Warn(logging.CatBridge, "Dropping malformed frame", map[string]any{
			"client": b.p.ClientID,
			"error":  err.Error(),
		})
		return
	}
	if f.Finish == nil {
		logging.Warn(logging.CatBridge, "Dropping frame without finish flag", map[string]any{
			"client": b.p.ClientID,
		})
		return
	}

	switch {
	case *f.Finish:
		// Server is done with the card: reset it for the next session.
		b.p.Session.Reconnect()
		b.setAuthenticating(false)
		b.emitStatus(false)
		b.publishReply(pub, topic, "")

	case f.Payload == nil || *f.Payload == "":
		// Handshake: the server wants the ATR. If a previous exchange was
		// cut short mid-authentication the card needs a reset first.
		if b.isAuthenticating() {
			b.p.Session.Reconnect()
			b.setAuthenticating(false)
		}
		b.emitStatus(false)
		b.publishReply(pub, topic, b.p.ATR)

	default:
		resp := b.p.Session.SendWithRecovery(*f.Payload, b.p.ClientID)
		b.setAuthenticating(true)
		b.emitStatus(true)
		b.publishReply(pub, topic, resp)
	}
}

func (b *Bridge) publishReply(pub publisher, requestTopic, payload string) {
	raw, err := json.Marshal(reply{Payload: payload})
	if err != nil {
		logging.Errorf(logging.CatBridge, "encode reply for %s: %v", b.p.ClientID, err)
		return
	}
	if err := pub.Publish(responseTopic(requestTopic), raw); err != nil {
		logging.Warn(logging.CatBridge, "Failed to publish reply", map[string]any{
			"client": b.p.ClientID,
			"error":  err.Error(),
		})
	}
}

func (b *Bridge) markOnline() {
	b.mu.Lock()
	first := !b.wasOnline
	b.online = true
	b.wasOnline = true
	b.mu.Unlock()

	logging.Info(logging.CatBridge, "Connected to broker", map[string]any{
		"client": b.p.ClientID,
	})
	if first {
		b.emitStatus(false)
	}
}

func (b *Bridge) markOffline(err error) {
	b.mu.Lock()
	wasOnline := b.online
	b.online = false
	b.wasOnline = false
	b.authenticating = false
	b.mu.Unlock()

	if err != nil {
		logging.Warn(logging.CatBridge, "Broker connection lost", map[string]any{
			"client": b.p.ClientID,
			"cause":  classifyConnError(err),
		})
	}
	// Every failure reports offline, so a card whose broker was never
	// reachable still shows up as not connected.
	if err != nil || wasOnline {
		b.p.Sink.EmitCardSync(events.CardSync{
			ICCID:      b.p.ICCID,
			ReaderName: b.p.ReaderName,
			CardState:  "PRESENT",
			CardNumber: b.p.ClientID,
			Online:     events.Bool(false),
		})
	}
}

func (b *Bridge) emitStatus(authenticating bool) {
	b.p.Sink.EmitCardSync(events.CardSync{
		ICCID:          b.p.ICCID,
		ReaderName:     b.p.ReaderName,
		CardState:      "PRESENT",
		CardNumber:     b.p.ClientID,
		Online:         events.Bool(true),
		Authentication: events.Bool(authenticating),
	})
}

func (b *Bridge) isAuthenticating() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authenticating
}

func (b *Bridge) setAuthenticating(v bool) {
	b.mu.Lock()
	b.authenticating = v
	b.mu.Unlock()
}

// classifyConnError folds transport errors into stable log labels. The
// retry path is identical for all of them.
func classifyConnError(err error) string {
	var netErr net.Error
	msg := err.Error()
	switch {
	case errors.Is(err, io.EOF):
		return "closed by broker"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "network timeout"
	case strings.Contains(msg, "pingresp"):
		return "keep-alive not answered"
	case strings.Contains(msg, "connection refused"):
		return "broker refused connection"
	case strings.Contains(msg, "connection reset"):
		return "connection reset"
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
		return "network timeout"
	default:
		return msg
	}
}

type pahoPublisher struct {
	client pahomqtt.Client
}

func (p *pahoPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, qosAtLeastOnce, false, payload)
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("publish timed out")
	}
	return token.Error()
}
