package mqttgate

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xiaonanln/shieldmesh/transport"
	"github.com/xiaonanln/shieldmesh/transport/transporttest"
	"github.com/xiaonanln/shieldmesh/util/testutil"
)

type published struct {
	topic   string
	payload []byte
}

// memBroker routes messages in process; "+" matches one topic level
type memBroker struct {
	mu        sync.Mutex
	subs      map[string]func(string, []byte)
	published []published
}

func newMemBroker() *memBroker {
	return &memBroker{subs: make(map[string]func(string, []byte))}
}

func (b *memBroker) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	b.published = append(b.published, published{topic, payload})
	b.mu.Unlock()
	b.deliver(topic, payload)
	return nil
}

func (b *memBroker) Subscribe(topic string, handler func(string, []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = handler
	return nil
}

func (b *memBroker) Close() {}

func (b *memBroker) deliver(topic string, payload []byte) {
	b.mu.Lock()
	var handlers []func(string, []byte)
	for filter, h := range b.subs {
		if topicMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(topic, payload)
	}
}

func (b *memBroker) framesTo(topic string) []transport.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []transport.Frame
	for _, p := range b.published {
		if p.topic == topic {
			var f transport.Frame
			json.Unmarshal(p.payload, &f)
			out = append(out, f)
		}
	}
	return out
}

func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	if len(fp) != len(tp) {
		return false
	}
	for i := range fp {
		if fp[i] != "+" && fp[i] != tp[i] {
			return false
		}
	}
	return true
}

func startGate(t *testing.T, hooks *transporttest.Hooks) (*Gate, *memBroker, *transport.Router) {
	t.Helper()
	broker := newMemBroker()
	router := transport.NewRouter("mqtt-test")
	g := New(broker, router, hooks, Options{TopicPrefix: "field/"})
	if err := g.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(g.Stop)
	return g, broker, router
}

func TestGate_Topics(t *testing.T) {
	g := New(newMemBroker(), transport.NewRouter("n"), &transporttest.Hooks{}, Options{})
	defer g.Stop()

	if got := g.PresenceTopic("p1"); got != "shieldmesh/presence/p1" {
		t.Errorf("PresenceTopic() = %s", got)
	}
	if got := g.UpTopic("p1"); got != "shieldmesh/up/p1" {
		t.Errorf("UpTopic() = %s", got)
	}
	if got := g.DownTopic("p1"); got != "shieldmesh/down/p1" {
		t.Errorf("DownTopic() = %s", got)
	}
}

func TestGate_SessionLifecycle(t *testing.T) {
	hooks := &transporttest.Hooks{}
	g, broker, router := startGate(t, hooks)

	online, _ := json.Marshal(Presence{Status: StatusOnline, Metadata: map[string]string{"unit": "rescue-7"}})
	broker.deliver(g.PresenceTopic("charlie"), online)
	testutil.WaitFor(t, 2*time.Second, "session admitted", func() bool { return g.SessionCount() == 1 })

	conns := hooks.Connected()
	if len(conns) != 1 || conns[0].PeerID() != "charlie" || conns[0].Transport() != TransportName {
		t.Fatalf("Connected() = %v", conns)
	}
	if hooks.Metadata()[0]["unit"] != "rescue-7" {
		t.Errorf("metadata = %v", hooks.Metadata()[0])
	}

	// A repeated online presence does not open a second session
	broker.deliver(g.PresenceTopic("charlie"), []byte("online"))

	router.SendToPeer(conns[0].ID(), transport.EventMessage, []byte(`{"messageId":"m1"}`))
	testutil.WaitFor(t, 2*time.Second, "downlink frames", func() bool {
		return len(broker.framesTo(g.DownTopic("charlie"))) == 2
	})
	frames := broker.framesTo(g.DownTopic("charlie"))
	if frames[0].Event != transport.EventWelcome || frames[1].Event != transport.EventMessage {
		t.Errorf("downlink = %v; want welcome then message", frames)
	}

	up, _ := json.Marshal(transport.Frame{Event: transport.EventPong})
	broker.deliver(g.UpTopic("charlie"), up)
	broker.deliver(g.UpTopic("charlie"), []byte("garbage"))
	broker.deliver(g.UpTopic("stranger"), up)
	testutil.WaitFor(t, 2*time.Second, "uplink frame", func() bool { return len(hooks.Frames()) == 1 })

	broker.deliver(g.PresenceTopic("charlie"), []byte(`{"status":"offline"}`))
	testutil.WaitFor(t, 2*time.Second, "session end", func() bool { return len(hooks.Disconnected()) == 1 })
	if router.Len() != 0 || g.SessionCount() != 0 {
		t.Errorf("after offline: router %d, sessions %d", router.Len(), g.SessionCount())
	}
	if err := conns[0].Send(transport.Frame{Event: transport.EventPing}); !errors.Is(err, transport.ErrConnectionClosed) {
		t.Errorf("Send() after session end = %v; want ErrConnectionClosed", err)
	}
	if len(hooks.Connected()) != 1 {
		t.Errorf("Connected() = %d sessions; want 1", len(hooks.Connected()))
	}
}

func TestGate_Refused(t *testing.T) {
	hooks := &transporttest.Hooks{Refuse: errors.New("mesh full")}
	g, broker, router := startGate(t, hooks)

	broker.deliver(g.PresenceTopic("late"), []byte("online"))
	testutil.WaitFor(t, 2*time.Second, "refusal", func() bool { return len(broker.framesTo(g.DownTopic("late"))) == 1 })

	if f := broker.framesTo(g.DownTopic("late"))[0]; f.Event != transport.EventRefused {
		t.Errorf("downlink = %s; want %s", f.Event, transport.EventRefused)
	}
	if router.Len() != 0 || g.SessionCount() != 0 {
		t.Errorf("refused session leaked: router %d, sessions %d", router.Len(), g.SessionCount())
	}
}

func TestGate_ServerClose(t *testing.T) {
	hooks := &transporttest.Hooks{}
	g, broker, router := startGate(t, hooks)

	broker.deliver(g.PresenceTopic("delta"), []byte("online"))
	testutil.WaitFor(t, 2*time.Second, "session admitted", func() bool { return g.SessionCount() == 1 })

	router.CloseAll()
	testutil.WaitFor(t, 2*time.Second, "session end", func() bool { return len(hooks.Disconnected()) == 1 })
	if g.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d; want 0", g.SessionCount())
	}
}

func TestDial_Broker(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping MQTT integration test in short mode")
	}
	url := os.Getenv("MQTT_BROKER_URL")
	if url == "" {
		t.Skip("Skipping MQTT integration test - MQTT_BROKER_URL not set")
	}

	broker, err := Dial(BrokerOptions{BrokerURL: url, ClientID: "shieldmesh-test-" + t.Name()})
	if err != nil {
		t.Skipf("Skipping test - MQTT broker not available: %v", err)
	}
	defer broker.Close()

	got := make(chan string, 1)
	topic := "shieldmesh-test/" + t.Name()
	if err := broker.Subscribe(topic, func(_ string, payload []byte) { got <- string(payload) }); err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	if err := broker.Publish(topic, []byte("hello")); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	select {
	case msg := <-got:
		if msg != "hello" {
			t.Errorf("received %q; want hello", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}

func TestDial_InvalidOptions(t *testing.T) {
	if _, err := Dial(BrokerOptions{}); err == nil {
		t.Error("Dial() without broker url should fail")
	}
}
