package reassembly

import (
	"bytes"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kabili207/ledlink-go/core"
	"github.com/kabili207/ledlink-go/core/codec"
)

var (
	senderA = core.Address{0x24, 0x6F, 0x28, 0x00, 0x00, 0x0A}
	senderB = core.Address{0x24, 0x6F, 0x28, 0x00, 0x00, 0x0B}
	senderC = core.Address{0x24, 0x6F, 0x28, 0x00, 0x00, 0x0C}
	epoch   = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

type fragment struct {
	hdr     codec.ChunkHeader
	payload []byte
}

// split cuts payload into fragments the way a sender would.
func split(msgID uint16, payload []byte) []fragment {
	total := uint16(codec.ChunkCount(len(payload)))
	frags := make([]fragment, 0, total)
	for i := uint16(0); i < total; i++ {
		start := int(i) * codec.ChunkMax
		end := min(start+codec.ChunkMax, len(payload))
		frags = append(frags, fragment{
			hdr:     codec.ChunkHeader{MsgID: msgID, Total: total, Index: i, Len: uint16(end - start)},
			payload: payload[start:end],
		})
	}
	return frags
}

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func feed(e *Engine, src core.Address, f fragment, now time.Time) ([]byte, Outcome) {
	return e.HandleFragment(src, f.hdr, f.payload, now)
}

func TestConcreteScenario530Bytes(t *testing.T) {
	e := New(Config{})
	payload := testPayload(530)
	frags := split(42, payload)

	require.Len(t, frags, 3)
	require.Equal(t, uint16(200), frags[0].hdr.Len)
	require.Equal(t, uint16(200), frags[1].hdr.Len)
	require.Equal(t, uint16(130), frags[2].hdr.Len)

	out, oc := feed(e, senderA, frags[2], epoch)
	require.Nil(t, out)
	require.Equal(t, Pending, oc)

	out, oc = feed(e, senderA, frags[0], epoch.Add(3*time.Millisecond))
	require.Nil(t, out)
	require.Equal(t, Pending, oc)

	out, oc = feed(e, senderA, frags[1], epoch.Add(6*time.Millisecond))
	require.Equal(t, Complete, oc)
	require.Len(t, out, 530)
	require.True(t, bytes.Equal(payload, out))
	require.Equal(t, 0, e.Active())
}

func TestRoundTripAnyOrder(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	sizes := []int{1, 2, 199, 200, 201, 399, 400, 401, 530, 1000, 1999, 2000, 2001, 2047, codec.MaxMessageBytes}

	for i, n := range sizes {
		e := New(Config{})
		payload := testPayload(n)
		frags := split(uint16(i+1), payload)
		rng.Shuffle(len(frags), func(a, b int) { frags[a], frags[b] = frags[b], frags[a] })

		var out []byte
		for j, f := range frags {
			got, oc := feed(e, senderA, f, epoch.Add(time.Duration(j)*time.Millisecond))
			if j < len(frags)-1 {
				require.Equalf(t, Pending, oc, "size %d fragment %d", n, j)
				require.Nil(t, got)
			} else {
				require.Equalf(t, Complete, oc, "size %d", n)
				out = got
			}
		}
		require.Truef(t, bytes.Equal(payload, out), "size %d round trip mismatch", n)
	}
}

func TestDuplicateIsNoOp(t *testing.T) {
	e := New(Config{})
	payload := testPayload(450)
	frags := split(9, payload)

	_, oc := feed(e, senderA, frags[0], epoch)
	require.Equal(t, Pending, oc)

	// Same index, different bytes: the stored copy must win.
	tampered := fragment{hdr: frags[0].hdr, payload: bytes.Repeat([]byte{0xEE}, codec.ChunkMax)}
	_, oc = feed(e, senderA, tampered, epoch)
	require.Equal(t, Duplicate, oc)
	_, oc = feed(e, senderA, frags[0], epoch)
	require.Equal(t, Duplicate, oc)
	require.Equal(t, uint16(1), e.sessions[0].received)

	feed(e, senderA, frags[1], epoch)
	out, oc := feed(e, senderA, frags[2], epoch)
	require.Equal(t, Complete, oc)
	require.True(t, bytes.Equal(payload, out))
	require.Equal(t, uint32(2), e.Counters().Snapshot().Duplicates)
}

func TestDuplicateAfterCompletionStartsNewSession(t *testing.T) {
	e := New(Config{})
	frags := split(5, testPayload(300))
	feed(e, senderA, frags[0], epoch)
	_, oc := feed(e, senderA, frags[1], epoch)
	require.Equal(t, Complete, oc)

	// A late retransmission cannot deliver the message twice.
	_, oc = feed(e, senderA, frags[1], epoch)
	require.Equal(t, Pending, oc)
	require.Equal(t, 1, e.Active())
}

func TestFinalChunkFirst(t *testing.T) {
	e := New(Config{})
	payload := testPayload(1234)
	frags := split(77, payload)

	feed(e, senderA, frags[len(frags)-1], epoch)
	var out []byte
	for _, f := range frags[:len(frags)-1] {
		out, _ = feed(e, senderA, f, epoch)
	}
	require.True(t, bytes.Equal(payload, out))
}

func TestPreemptionByNewMsgID(t *testing.T) {
	e := New(Config{})
	a := split(1, bytes.Repeat([]byte{'A'}, 600))
	b := split(2, bytes.Repeat([]byte{'B'}, 600))

	feed(e, senderA, a[0], epoch)
	feed(e, senderA, a[1], epoch)

	// B's first chunk discards A's partial data.
	_, oc := feed(e, senderA, b[0], epoch)
	require.Equal(t, Pending, oc)
	feed(e, senderA, b[1], epoch)
	out, oc := feed(e, senderA, b[2], epoch)
	require.Equal(t, Complete, oc)
	require.True(t, bytes.Equal(bytes.Repeat([]byte{'B'}, 600), out))

	// A's last chunk only starts a fresh, hopeless session.
	out, oc = feed(e, senderA, a[2], epoch)
	require.Nil(t, out)
	require.Equal(t, Pending, oc)

	snap := e.Counters().Snapshot()
	require.Equal(t, uint32(1), snap.Preempted)
	require.Equal(t, uint32(1), snap.Completed)
}

func TestPreemptionByOtherSender(t *testing.T) {
	e := New(Config{})
	a := split(1, bytes.Repeat([]byte{'A'}, 500))
	b := split(1, bytes.Repeat([]byte{'B'}, 500))

	feed(e, senderA, a[0], epoch)
	feed(e, senderA, a[1], epoch)
	feed(e, senderB, b[0], epoch)

	// A's remaining chunk restarts A's session from scratch; A never completes.
	out, oc := feed(e, senderA, a[2], epoch)
	require.Nil(t, out)
	require.Equal(t, Pending, oc)

	// And that in turn wiped B.
	feed(e, senderB, b[1], epoch)
	out, oc = feed(e, senderB, b[2], epoch)
	require.Nil(t, out)
	require.Equal(t, Pending, oc)

	snap := e.Counters().Snapshot()
	require.Equal(t, uint32(0), snap.Completed)
	require.Equal(t, uint32(3), snap.Preempted)
}

func TestStaleSessionDiscarded(t *testing.T) {
	e := New(Config{})
	old := split(10, testPayload(500))
	next := split(11, testPayload(300))

	feed(e, senderA, old[0], epoch)
	feed(e, senderA, old[1], epoch)

	later := epoch.Add(DefaultTimeout + time.Millisecond)
	_, oc := feed(e, senderA, next[0], later)
	require.Equal(t, Pending, oc)
	require.Equal(t, uint32(1), e.Counters().Snapshot().Expired)

	out, oc := feed(e, senderA, next[1], later)
	require.Equal(t, Complete, oc)
	require.Len(t, out, 300)
}

func TestStaleSameMsgIDRestarts(t *testing.T) {
	e := New(Config{})
	frags := split(3, testPayload(500))

	feed(e, senderA, frags[0], epoch)
	feed(e, senderA, frags[1], epoch)

	// Same transmission, but the session went stale: earlier chunks are lost.
	out, oc := feed(e, senderA, frags[2], epoch.Add(3*time.Second))
	require.Nil(t, out)
	require.Equal(t, Pending, oc)
	require.Equal(t, uint16(1), e.sessions[0].received)
}

func TestEveryFragmentRefreshesDeadline(t *testing.T) {
	e := New(Config{})
	payload := testPayload(2000)
	frags := split(8, payload)

	// 2s between fragments: the whole message takes ~20s, but no gap exceeds
	// the window.
	var out []byte
	for i, f := range frags {
		var oc Outcome
		out, oc = feed(e, senderA, f, epoch.Add(time.Duration(i)*2*time.Second))
		if i < len(frags)-1 {
			require.Equal(t, Pending, oc)
		}
	}
	require.True(t, bytes.Equal(payload, out))
	require.Equal(t, uint32(0), e.Counters().Snapshot().Expired)
}

func TestRejectsOutOfBounds(t *testing.T) {
	e := New(Config{})
	// idx 10 of 11 may carry at most 48 bytes (2048 - 2000).
	h := codec.ChunkHeader{MsgID: 1, Total: codec.MaxChunks, Index: 10, Len: 49}
	out, oc := e.HandleFragment(senderA, h, make([]byte, 49), epoch)
	require.Nil(t, out)
	require.Equal(t, Rejected, oc)
	require.Equal(t, uint32(1), e.Counters().Snapshot().Rejected)

	h.Len = 48
	_, oc = e.HandleFragment(senderA, h, make([]byte, 48), epoch)
	require.Equal(t, Pending, oc)
}

func TestRejectsInconsistentFragments(t *testing.T) {
	e := New(Config{})
	feed(e, senderA, fragment{hdr: codec.ChunkHeader{MsgID: 4, Total: 3, Index: 0, Len: 200}, payload: make([]byte, 200)}, epoch)

	tests := []struct {
		name string
		hdr  codec.ChunkHeader
		data []byte
	}{
		{name: "total mismatch", hdr: codec.ChunkHeader{MsgID: 4, Total: 4, Index: 1, Len: 200}, data: make([]byte, 200)},
		{name: "short middle chunk", hdr: codec.ChunkHeader{MsgID: 4, Total: 3, Index: 1, Len: 100}, data: make([]byte, 100)},
		{name: "payload length disagrees", hdr: codec.ChunkHeader{MsgID: 4, Total: 3, Index: 2, Len: 50}, data: make([]byte, 10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, oc := e.HandleFragment(senderA, tt.hdr, tt.data, epoch)
			require.Equal(t, Rejected, oc)
		})
	}
	require.Equal(t, uint16(1), e.sessions[0].received)
}

func TestSingleChunkMessage(t *testing.T) {
	e := New(Config{})
	out, oc := e.HandleFragment(senderA, codec.ChunkHeader{MsgID: 1, Total: 1, Index: 0, Len: 3}, []byte("abc"), epoch)
	require.Equal(t, Complete, oc)
	require.Equal(t, []byte("abc"), out)
}

func TestCompletedBytesAreOwnedByCaller(t *testing.T) {
	e := New(Config{})
	first := split(1, bytes.Repeat([]byte{'x'}, 300))
	feed(e, senderA, first[0], epoch)
	out, _ := feed(e, senderA, first[1], epoch)

	second := split(2, bytes.Repeat([]byte{'y'}, 300))
	feed(e, senderA, second[0], epoch)
	feed(e, senderA, second[1], epoch)

	require.Equal(t, bytes.Repeat([]byte{'x'}, 300), out)
}

func TestSweep(t *testing.T) {
	e := New(Config{Timeout: time.Second})
	frags := split(1, testPayload(500))
	feed(e, senderA, frags[0], epoch)

	require.Equal(t, 0, e.Sweep(epoch.Add(time.Second)))
	require.Equal(t, 1, e.Active())
	require.Equal(t, 1, e.Sweep(epoch.Add(time.Second+time.Nanosecond)))
	require.Equal(t, 0, e.Active())
	require.Equal(t, uint32(1), e.Counters().Snapshot().Expired)
}

func TestReset(t *testing.T) {
	e := New(Config{Slots: 3})
	feed(e, senderA, split(1, testPayload(500))[0], epoch)
	feed(e, senderB, split(1, testPayload(500))[0], epoch)
	require.Equal(t, 2, e.Active())
	e.Reset()
	require.Equal(t, 0, e.Active())
}

func TestDefaults(t *testing.T) {
	e := New(Config{})
	require.Equal(t, DefaultTimeout, e.Timeout())
	require.Equal(t, DefaultSlots, e.cfg.Slots)
}

func TestMultipleSlotsInterleavedSenders(t *testing.T) {
	e := New(Config{Slots: 2})
	pa := bytes.Repeat([]byte{'A'}, 700)
	pb := bytes.Repeat([]byte{'B'}, 700)
	a := split(1, pa)
	b := split(1, pb)

	var outA, outB []byte
	for i := range a {
		if got, oc := feed(e, senderA, a[i], epoch); oc == Complete {
			outA = got
		}
		if got, oc := feed(e, senderB, b[i], epoch); oc == Complete {
			outB = got
		}
	}
	require.Equal(t, pa, outA)
	require.Equal(t, pb, outB)
	require.Equal(t, uint32(0), e.Counters().Snapshot().Preempted)
}

func TestMultipleSlotsEvictsLeastRecent(t *testing.T) {
	e := New(Config{Slots: 2})
	feed(e, senderA, split(1, testPayload(500))[0], epoch)
	feed(e, senderB, split(1, testPayload(500))[0], epoch.Add(time.Millisecond))
	feed(e, senderC, split(1, testPayload(500))[0], epoch.Add(2*time.Millisecond))

	require.Equal(t, 2, e.Active())
	for _, s := range e.sessions {
		require.NotEqual(t, senderA, s.src)
	}
	require.Equal(t, uint32(1), e.Counters().Snapshot().Preempted)
}

func TestOutcomeString(t *testing.T) {
	require.Equal(t, "complete", Complete.String())
	require.Equal(t, "rejected", Rejected.String())
	require.Equal(t, "unknown", Outcome(42).String())
}
