package node

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kabili207/ledlink-go/core"
	"github.com/kabili207/ledlink-go/core/codec"
	"github.com/kabili207/ledlink-go/core/fragment"
	"github.com/kabili207/ledlink-go/transport"
	"github.com/kabili207/ledlink-go/transport/memradio"
)

var (
	selfAddr = core.Address{0x24, 0x6F, 0x28, 0x00, 0x00, 0x01}
	peerAddr = core.Address{0x24, 0x6F, 0x28, 0x00, 0x00, 0x02}
)

// mockTransport records sends and lets tests inject datagrams.
type mockTransport struct {
	mu        sync.Mutex
	self      core.Address
	startErr  error
	sendErr   error
	connected bool
	sent      [][]byte
	sentAt    []time.Time
	handler   transport.DatagramHandler
	state     transport.StateHandler
}

var _ transport.Transport = (*mockTransport)(nil)

func (m *mockTransport) Start(context.Context) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *mockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockTransport) SelfAddress() core.Address { return m.self }

func (m *mockTransport) SetDatagramHandler(fn transport.DatagramHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

func (m *mockTransport) SetStateHandler(fn transport.StateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = fn
}

func (m *mockTransport) SendBroadcast(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, append([]byte(nil), data...))
	m.sentAt = append(m.sentAt, time.Now())
	return nil
}

func (m *mockTransport) deliver(dg *codec.Datagram) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	h(dg)
}

func (m *mockTransport) sentDatagrams() ([][]byte, []time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.sent...), append([]time.Time(nil), m.sentAt...)
}

func startNode(t *testing.T, cfg Config) (*Node, *mockTransport) {
	t.Helper()
	mt := &mockTransport{self: selfAddr}
	cfg.Transport = mt
	n := New(cfg)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop() })
	return n, mt
}

// jsonPayload returns a '{'-led payload of exactly size bytes.
func jsonPayload(size int) []byte {
	b := bytes.Repeat([]byte{'a'}, size)
	b[0] = '{'
	b[size-1] = '}'
	for i := 1; i < size-1; i++ {
		b[i] = 'a' + byte(i%26)
	}
	return b
}

func waitMessage(t *testing.T, n *Node) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := n.Inbox().Wait(ctx)
	require.NoError(t, err)
	return msg
}

func TestNew_Defaults(t *testing.T) {
	n := New(Config{Transport: &mockTransport{}})
	require.Equal(t, DefaultChunkGap, n.cfg.ChunkGap)
	require.Equal(t, DefaultRxQueueSize, cap(n.rx))
	require.Equal(t, codec.RSSIUnknown, n.MinRSSI())
	require.Equal(t, codec.RSSIUnknown, n.LastRSSI())
	require.Equal(t, uint16(1), n.NextMessageID())
}

func TestStart_TransportError(t *testing.T) {
	boom := errors.New("espnow init failed")
	n := New(Config{Transport: &mockTransport{startErr: boom}})

	err := n.Start(context.Background())
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, n.Send(context.Background(), []byte("{}")), ErrStopped)
}

func TestStart_RequiresTransport(t *testing.T) {
	require.Error(t, New(Config{}).Start(context.Background()))
}

func TestStart_LearnsSelfAddress(t *testing.T) {
	n, _ := startNode(t, Config{})
	require.Equal(t, selfAddr, n.Self())
}

func TestSend_NotRunning(t *testing.T) {
	n := New(Config{Transport: &mockTransport{}})
	require.ErrorIs(t, n.Send(context.Background(), []byte("{}")), ErrStopped)
	require.ErrorIs(t, n.SendSync(context.Background(), []byte("{}")), ErrStopped)
}

func TestSend_SingleDatagram(t *testing.T) {
	n, mt := startNode(t, Config{})

	payload := jsonPayload(250)
	require.NoError(t, n.SendSync(context.Background(), payload))

	sent, _ := mt.sentDatagrams()
	require.Len(t, sent, 1)
	require.Equal(t, payload, sent[0], "small payloads go out unframed")
	require.Equal(t, uint16(1), n.NextMessageID(), "no id consumed")
}

func TestSend_Fragmented(t *testing.T) {
	n, mt := startNode(t, Config{ChunkGap: 5 * time.Millisecond})

	payload := jsonPayload(530)
	require.NoError(t, n.SendSync(context.Background(), payload))

	sent, at := mt.sentDatagrams()
	require.Len(t, sent, 3)

	var rebuilt []byte
	for i, dg := range sent {
		h, body, err := codec.DecodeChunk(dg)
		require.NoError(t, err)
		require.Equal(t, uint16(1), h.MsgID)
		require.Equal(t, uint16(3), h.Total)
		require.Equal(t, uint16(i), h.Index)
		rebuilt = append(rebuilt, body...)
	}
	require.Equal(t, payload, rebuilt)

	for i := 1; i < len(at); i++ {
		require.GreaterOrEqual(t, at[i].Sub(at[i-1]), 4*time.Millisecond, "chunks must be paced")
	}
	require.Equal(t, uint16(2), n.NextMessageID())
}

func TestSend_Async(t *testing.T) {
	n, mt := startNode(t, Config{})

	require.NoError(t, n.Send(context.Background(), jsonPayload(1000)))
	require.Eventually(t, func() bool {
		sent, _ := mt.sentDatagrams()
		return len(sent) == 5
	}, time.Second, time.Millisecond)
	require.Equal(t, uint32(1), n.Counters().Snapshot().MessagesSent)
	require.Equal(t, uint32(5), n.Counters().Snapshot().DatagramsSent)
}

func TestSend_TooLargeEmitsNothing(t *testing.T) {
	n, mt := startNode(t, Config{})

	for _, size := range []int{2201, 2049} {
		err := n.Send(context.Background(), jsonPayload(size))
		require.ErrorIs(t, err, fragment.ErrTooLarge, "size %d", size)
	}

	time.Sleep(20 * time.Millisecond)
	sent, _ := mt.sentDatagrams()
	require.Empty(t, sent)
	require.Equal(t, uint16(1), n.NextMessageID())
	require.Zero(t, n.Counters().Snapshot().MessagesSent)
}

func TestSend_Empty(t *testing.T) {
	n, mt := startNode(t, Config{})
	require.NoError(t, n.SendSync(context.Background(), nil))
	sent, _ := mt.sentDatagrams()
	require.Empty(t, sent)
}

func TestSend_RequireMessageTag(t *testing.T) {
	n, _ := startNode(t, Config{RequireMessageTag: true})
	require.ErrorIs(t, n.Send(context.Background(), []byte("Crash")), fragment.ErrAmbiguousPayload)
}

func TestSendSync_TransportError(t *testing.T) {
	n, mt := startNode(t, Config{})
	boom := errors.New("tx queue full")
	mt.mu.Lock()
	mt.sendErr = boom
	mt.mu.Unlock()

	err := n.SendSync(context.Background(), jsonPayload(600))
	require.ErrorIs(t, err, boom)
	require.Equal(t, uint32(3), n.Counters().Snapshot().SendErrors)
}

func TestStop_FailsPendingSendSync(t *testing.T) {
	mt := &mockTransport{self: selfAddr}
	n := New(Config{Transport: mt, ChunkGap: time.Hour})
	require.NoError(t, n.Start(context.Background()))

	errc := make(chan error, 1)
	go func() { errc <- n.SendSync(context.Background(), jsonPayload(600)) }()

	require.Eventually(t, func() bool {
		sent, _ := mt.sentDatagrams()
		return len(sent) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, n.Stop())
	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("SendSync did not return after Stop")
	}
	require.ErrorIs(t, n.Send(context.Background(), []byte("{}")), ErrStopped)
}

func TestReceive_FastPath(t *testing.T) {
	n, mt := startNode(t, Config{})

	mt.deliver(&codec.Datagram{Source: peerAddr, Data: []byte(`{"text":"hi"}`), RSSI: -55, HasRSSI: true})

	msg := waitMessage(t, n)
	require.Equal(t, peerAddr, msg.Source)
	require.Equal(t, `{"text":"hi"}`, string(msg.Data))
	require.False(t, msg.Fragmented)
	require.Equal(t, -55, msg.RSSI)
	require.Equal(t, -55, n.LastRSSI())
	require.Zero(t, n.ReassemblyCounters().Snapshot().Started, "fast path bypasses reassembly")
}

func TestReceive_ReassemblesOutOfOrder(t *testing.T) {
	n, mt := startNode(t, Config{})

	payload := jsonPayload(530)
	chunks, err := fragment.New(fragment.Config{}).Split(payload)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	for _, i := range []int{2, 0, 2, 1} {
		mt.deliver(&codec.Datagram{Source: peerAddr, Data: chunks[i], RSSI: -60, HasRSSI: true})
	}

	msg := waitMessage(t, n)
	require.True(t, msg.Fragmented)
	require.Equal(t, payload, msg.Data)

	require.Eventually(t, func() bool {
		return n.ReassemblyCounters().Snapshot().Duplicates == 1
	}, time.Second, time.Millisecond)
}

func TestReceive_SelfFilteredOnBothPaths(t *testing.T) {
	n, mt := startNode(t, Config{})

	chunks, err := fragment.New(fragment.Config{}).Split(jsonPayload(300))
	require.NoError(t, err)

	mt.deliver(&codec.Datagram{Source: selfAddr, Data: []byte("{}")})
	for _, c := range chunks {
		mt.deliver(&codec.Datagram{Source: selfAddr, Data: c})
	}

	snap := n.Counters().Snapshot()
	require.Equal(t, uint32(3), snap.RejectedSelf)
	require.Zero(t, n.ReassemblyCounters().Snapshot().Started)

	_, ok := n.Inbox().Take()
	require.False(t, ok)
}

func TestReceive_WeakFilteredOnBothPaths(t *testing.T) {
	n, mt := startNode(t, Config{MinRSSI: -70})

	chunks, err := fragment.New(fragment.Config{}).Split(jsonPayload(300))
	require.NoError(t, err)

	mt.deliver(&codec.Datagram{Source: peerAddr, Data: []byte("{}"), RSSI: -80, HasRSSI: true})
	mt.deliver(&codec.Datagram{Source: peerAddr, Data: chunks[0], RSSI: -71, HasRSSI: true})

	require.Equal(t, uint32(2), n.Counters().Snapshot().RejectedWeak)
	require.Equal(t, -71, n.LastRSSI(), "last RSSI is cached even for rejected datagrams")

	// Unknown RSSI is never filtered.
	mt.deliver(&codec.Datagram{Source: peerAddr, Data: []byte("{}")})
	msg := waitMessage(t, n)
	require.False(t, msg.HasRSSI)

	// Threshold exactly at the floor is accepted.
	mt.deliver(&codec.Datagram{Source: peerAddr, Data: []byte(`{"at":"floor"}`), RSSI: -70, HasRSSI: true})
	msg = waitMessage(t, n)
	require.Equal(t, `{"at":"floor"}`, string(msg.Data))
}

func TestSetMinRSSI(t *testing.T) {
	n, mt := startNode(t, Config{})

	n.SetMinRSSI(-60)
	require.Equal(t, -60, n.MinRSSI())
	mt.deliver(&codec.Datagram{Source: peerAddr, Data: []byte("{}"), RSSI: -61, HasRSSI: true})
	require.Equal(t, uint32(1), n.Counters().Snapshot().RejectedWeak)

	n.SetMinRSSI(0)
	require.Equal(t, 0, n.MinRSSI())
	mt.deliver(&codec.Datagram{Source: peerAddr, Data: []byte("{}"), RSSI: -1, HasRSSI: true})
	require.Equal(t, uint32(2), n.Counters().Snapshot().RejectedWeak)

	n.SetMinRSSI(codec.RSSIUnknown)
	require.Equal(t, codec.RSSIUnknown, n.MinRSSI())
	mt.deliver(&codec.Datagram{Source: peerAddr, Data: []byte("{}"), RSSI: -99, HasRSSI: true})
	waitMessage(t, n)
}

func TestLastRSSIKeepsLastKnownReading(t *testing.T) {
	n, mt := startNode(t, Config{})

	mt.deliver(&codec.Datagram{Source: peerAddr, Data: []byte("{}"), RSSI: -48, HasRSSI: true})
	waitMessage(t, n)
	mt.deliver(&codec.Datagram{Source: peerAddr, Data: []byte(`{"n":2}`)})
	waitMessage(t, n)
	require.Equal(t, -48, n.LastRSSI())
}

func TestReceive_MalformedAndUntagged(t *testing.T) {
	n, mt := startNode(t, Config{})

	mt.deliver(&codec.Datagram{Source: peerAddr, Data: []byte{'C', 1, 2}})
	mt.deliver(&codec.Datagram{Source: peerAddr, Data: []byte("plain text")})
	mt.deliver(&codec.Datagram{Source: peerAddr})

	require.Eventually(t, func() bool {
		s := n.Counters().Snapshot()
		return s.Malformed == 1 && s.Unknown == 1 && s.RejectedEmpty == 1
	}, time.Second, time.Millisecond)
	require.Zero(t, n.Counters().Snapshot().MessagesRecv)
}

func TestReceive_MessageHandler(t *testing.T) {
	n, mt := startNode(t, Config{})

	got := make(chan Message, 1)
	n.SetMessageHandler(func(msg Message) { got <- msg })

	mt.deliver(&codec.Datagram{Source: peerAddr, Data: []byte(`{"h":1}`)})
	select {
	case msg := <-got:
		require.Equal(t, `{"h":1}`, string(msg.Data))
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestReceive_QueueOverflow(t *testing.T) {
	n, mt := startNode(t, Config{RxQueueSize: 1})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	n.SetMessageHandler(func(Message) {
		once.Do(func() { close(entered) })
		<-release
	})

	dg := func() *codec.Datagram { return &codec.Datagram{Source: peerAddr, Data: []byte("{}")} }
	mt.deliver(dg())
	<-entered

	mt.deliver(dg()) // fills the queue
	mt.deliver(dg()) // dropped
	close(release)

	require.Equal(t, uint32(1), n.Counters().Snapshot().RxDropped)
}

func TestSweepInterval(t *testing.T) {
	n, mt := startNode(t, Config{Timeout: 20 * time.Millisecond, SweepInterval: 5 * time.Millisecond})

	chunks, err := fragment.New(fragment.Config{}).Split(jsonPayload(300))
	require.NoError(t, err)
	mt.deliver(&codec.Datagram{Source: peerAddr, Data: chunks[0]})

	require.Eventually(t, func() bool {
		return n.ReassemblyCounters().Snapshot().Expired == 1
	}, time.Second, 5*time.Millisecond)
}

func TestNeighborsTracked(t *testing.T) {
	n, mt := startNode(t, Config{})

	mt.deliver(&codec.Datagram{Source: peerAddr, Data: []byte("{}"), RSSI: -42, HasRSSI: true})
	waitMessage(t, n)

	nb, ok := n.Neighbors().Get(peerAddr)
	require.True(t, ok)
	require.Equal(t, -42, nb.LastRSSI)
	require.Equal(t, uint64(1), nb.Heard)
}

func TestNeighborExpiryCounted(t *testing.T) {
	n, mt := startNode(t, Config{NeighborExpiry: 10 * time.Millisecond})

	mt.deliver(&codec.Datagram{Source: peerAddr, Data: []byte("{}"), RSSI: -42, HasRSSI: true})
	waitMessage(t, n)
	require.Equal(t, 1, n.Neighbors().Len())

	time.Sleep(20 * time.Millisecond)
	n.Neighbors().CheckTimeouts()
	require.Zero(t, n.Neighbors().Len())
	require.Equal(t, uint32(1), n.Counters().Snapshot().NeighborsLost)
}

func TestStateHandlerRefreshesSelf(t *testing.T) {
	n, mt := startNode(t, Config{})

	rebooted := core.Address{0x24, 0x6F, 0x28, 0x00, 0x00, 0x09}
	mt.mu.Lock()
	mt.self = rebooted
	state := mt.state
	mt.mu.Unlock()

	state(mt, transport.EventConnected)
	require.Equal(t, rebooted, n.Self())
}

func TestEndToEnd_Memradio(t *testing.T) {
	medium := memradio.New(memradio.Config{Echo: true})

	newStation := func(addr core.Address) *Node {
		port, err := medium.Attach(addr)
		require.NoError(t, err)
		n := New(Config{Transport: port, ChunkGap: time.Millisecond})
		require.NoError(t, n.Start(context.Background()))
		t.Cleanup(func() { _ = n.Stop() })
		return n
	}

	a := newStation(selfAddr)
	b := newStation(peerAddr)
	medium.SetLinkRSSI(selfAddr, peerAddr, -67)

	small := []byte(`{"brightness":40}`)
	large := jsonPayload(2048)

	require.NoError(t, a.Send(context.Background(), small))
	require.NoError(t, a.Send(context.Background(), large))

	first := waitMessage(t, b)
	if first.Fragmented {
		// The inbox keeps only the latest message; the small one was replaced.
		require.Equal(t, large, first.Data)
	} else {
		require.Equal(t, small, first.Data)
		require.Equal(t, -67, first.RSSI)
		second := waitMessage(t, b)
		require.True(t, second.Fragmented)
		require.Equal(t, large, second.Data)
	}

	require.Eventually(t, func() bool {
		return b.Counters().Snapshot().MessagesRecv == 2
	}, time.Second, time.Millisecond)

	// A hears its own broadcasts through the echo and drops every one.
	require.Eventually(t, func() bool {
		return a.Counters().Snapshot().RejectedSelf == 1+11
	}, time.Second, time.Millisecond)
	require.Zero(t, a.Counters().Snapshot().MessagesRecv)

	// Oversize: refused before anything reaches the air.
	before := b.Counters().Snapshot().DatagramsRecv
	require.ErrorIs(t, a.Send(context.Background(), jsonPayload(2300)), fragment.ErrTooLarge)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, before, b.Counters().Snapshot().DatagramsRecv)
}
