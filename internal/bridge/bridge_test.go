package bridge

import (
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/tachobridge/tacho-bridge/internal/events"
)

type fakeSession struct {
	reconnects int
	commands   []string
	response   string
}

func (f *fakeSession) Reconnect() {
	f.reconnects++
}

func (f *fakeSession) SendWithRecovery(apduHex, clientID string) string {
	f.commands = append(f.commands, apduHex)
	return f.response
}

type fakePublisher struct {
	topics   []string
	payloads []string
	err      error
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, string(payload))
	return f.err
}

type captureSink struct {
	syncs []events.CardSync
}

func (c *captureSink) EmitCardSync(e events.CardSync) {
	c.syncs = append(c.syncs, e)
}

func (c *captureSink) EmitCardConfig(events.CardConfigUpdate) {}

func (c *captureSink) EmitServerConfig(map[string]string) {}

func newTestBridge(session *fakeSession, sink *captureSink) *Bridge {
	return New(Params{
		ClientID:   "1000000000123",
		ReaderName: "ACS ACR122U PICC Interface",
		ATR:        "3B6B00000031C06401",
		ICCID:      "894412345000006789",
		BrokerHost: "localhost:1883",
		Session:    session,
		Sink:       sink,
	})
}

func requestFrame(t *testing.T, finish bool, payload *string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"finish": finish, "payload": payload})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func str(s string) *string { return &s }

func TestHandshakeRepliesWithATR(t *testing.T) {
	session := &fakeSession{}
	sink := &captureSink{}
	b := newTestBridge(session, sink)
	pub := &fakePublisher{}

	b.handleMessage(b.RequestTopic(), requestFrame(t, false, str("")), pub)

	if len(pub.payloads) != 1 {
		t.Fatalf("replies = %d, want 1", len(pub.payloads))
	}
	if pub.topics[0] != "tacho/card/1000000000123/response" {
		t.Errorf("reply topic = %q", pub.topics[0])
	}
	if pub.payloads[0] != `{"payload":"3b6b00000031c06401"}` {
		t.Errorf("reply = %s", pub.payloads[0])
	}
	if session.reconnects != 0 {
		t.Errorf("reconnects = %d, want 0 outside authentication", session.reconnects)
	}
	last := sink.syncs[len(sink.syncs)-1]
	if last.Authentication == nil || *last.Authentication {
		t.Error("handshake must report authentication=false")
	}
	if last.Online == nil || !*last.Online {
		t.Error("handshake must report online=true")
	}
}

func TestHandshakeMissingPayloadField(t *testing.T) {
	session := &fakeSession{}
	b := newTestBridge(session, &captureSink{})
	pub := &fakePublisher{}

	b.handleMessage(b.RequestTopic(), requestFrame(t, false, nil), pub)

	if len(pub.payloads) != 1 || pub.payloads[0] != `{"payload":"3b6b00000031c06401"}` {
		t.Errorf("replies = %v", pub.payloads)
	}
}

func TestCommandForwardedToCard(t *testing.T) {
	session := &fakeSession{response: "9000"}
	sink := &captureSink{}
	b := newTestBridge(session, sink)
	pub := &fakePublisher{}

	b.handleMessage(b.RequestTopic(), requestFrame(t, false, str("00a4020c020002")), pub)

	if len(session.commands) != 1 || session.commands[0] != "00a4020c020002" {
		t.Fatalf("card saw commands %v", session.commands)
	}
	if pub.payloads[0] != `{"payload":"9000"}` {
		t.Errorf("reply = %s", pub.payloads[0])
	}
	last := sink.syncs[len(sink.syncs)-1]
	if last.Authentication == nil || !*last.Authentication {
		t.Error("command must report authentication=true")
	}
}

func TestFinishResetsCard(t *testing.T) {
	session := &fakeSession{}
	sink := &captureSink{}
	b := newTestBridge(session, sink)
	pub := &fakePublisher{}

	b.handleMessage(b.RequestTopic(), requestFrame(t, true, nil), pub)

	if session.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", session.reconnects)
	}
	if pub.payloads[0] != `{"payload":""}` {
		t.Errorf("reply = %s", pub.payloads[0])
	}
	last := sink.syncs[len(sink.syncs)-1]
	if last.Authentication == nil || *last.Authentication {
		t.Error("finish must report authentication=false")
	}
}

func TestInterruptedAuthenticationResetsOnHandshake(t *testing.T) {
	session := &fakeSession{response: "9000"}
	b := newTestBridge(session, &captureSink{})
	pub := &fakePublisher{}

	// A command starts authentication, then a fresh handshake arrives
	// without a finish frame in between.
	b.handleMessage(b.RequestTopic(), requestFrame(t, false, str("0084000008")), pub)
	b.handleMessage(b.RequestTopic(), requestFrame(t, false, str("")), pub)

	if session.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1 for interrupted authentication", session.reconnects)
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	session := &fakeSession{}
	b := newTestBridge(session, &captureSink{})
	pub := &fakePublisher{}

	b.handleMessage(b.RequestTopic(), []byte("{not json"), pub)

	if len(pub.payloads) != 0 {
		t.Errorf("malformed frame produced replies: %v", pub.payloads)
	}
	if session.reconnects != 0 || len(session.commands) != 0 {
		t.Error("malformed frame touched the card")
	}
}

func TestFrameMissingFinishDropped(t *testing.T) {
	session := &fakeSession{response: "9000"}
	b := newTestBridge(session, &captureSink{})
	pub := &fakePublisher{}

	b.handleMessage(b.RequestTopic(), []byte(`{"payload":"00a4020c020002"}`), pub)

	if len(pub.payloads) != 0 {
		t.Errorf("frame without finish produced replies: %v", pub.payloads)
	}
	if session.reconnects != 0 || len(session.commands) != 0 {
		t.Error("frame without finish touched the card")
	}
}

func TestOfflineEmittedOnEveryFailure(t *testing.T) {
	sink := &captureSink{}
	b := newTestBridge(&fakeSession{}, sink)

	// Broker unreachable before the first successful connect.
	b.markOffline(errors.New("dial tcp: connection refused"))

	if len(sink.syncs) != 1 {
		t.Fatalf("offline events = %d, want 1 for never-connected bridge", len(sink.syncs))
	}
	first := sink.syncs[0]
	if first.Online == nil || *first.Online {
		t.Error("offline event must report online=false")
	}

	b.markOffline(errors.New("dial tcp: connection refused"))
	if len(sink.syncs) != 2 {
		t.Errorf("offline events = %d, want one per failure", len(sink.syncs))
	}
}

func TestGracefulStopBeforeConnectEmitsNothing(t *testing.T) {
	sink := &captureSink{}
	b := newTestBridge(&fakeSession{}, sink)

	b.markOffline(nil)

	if len(sink.syncs) != 0 {
		t.Errorf("events = %d, want 0 for a bridge that never connected", len(sink.syncs))
	}
}

func TestOfflineEmittedAfterOnline(t *testing.T) {
	sink := &captureSink{}
	b := newTestBridge(&fakeSession{}, sink)

	b.markOnline()
	online := len(sink.syncs)
	b.markOffline(nil)

	if len(sink.syncs) != online+1 {
		t.Errorf("offline events = %d, want 1", len(sink.syncs)-online)
	}
	last := sink.syncs[len(sink.syncs)-1]
	if last.Online == nil || *last.Online {
		t.Error("offline event must report online=false")
	}
}

func TestResponseTopic(t *testing.T) {
	got := responseTopic("tacho/card/123/request")
	if got != "tacho/card/123/response" {
		t.Errorf("responseTopic = %q", got)
	}
}

func TestClassifyConnError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{io.EOF, "closed by broker"},
		{errors.New("pingresp not received, disconnecting"), "keep-alive not answered"},
		{errors.New("dial tcp: connection refused"), "broker refused connection"},
		{errors.New("read tcp: connection reset by peer"), "connection reset"},
		{errors.New("i/o timeout"), "network timeout"},
		{errors.New("something else"), "something else"},
	}
	for _, tt := range tests {
		if got := classifyConnError(tt.err); got != tt.want {
			t.Errorf("classifyConnError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
