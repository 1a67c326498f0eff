package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kabili207/ledlink-go/core"
)

func TestRecordRoundTrip(t *testing.T) {
	src := core.Address{0x24, 0x6F, 0x28, 0x01, 0x02, 0x03}
	tests := []struct {
		name   string
		record Record
	}{
		{
			name:   "rx with rssi",
			record: Record{Kind: RecordRX, Addr: src, RSSI: -67, HasRSSI: true, Data: []byte(`{"a":1}`)},
		},
		{
			name:   "rx without rssi",
			record: Record{Kind: RecordRX, Addr: src, Data: []byte{'C', 1}},
		},
		{
			name:   "tx",
			record: *NewTXRecord([]byte("payload")),
		},
		{
			name:   "hello",
			record: *NewHelloRecord(src, 6, HelloStatusOK),
		},
		{
			name:   "configure",
			record: *NewConfigureRecord(11),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.record.MarshalBinary()
			require.NoError(t, err)
			require.Len(t, b, RecordHeaderSize+len(tt.record.Data))

			got, err := ParseRecord(b)
			require.NoError(t, err)
			require.Equal(t, tt.record.Kind, got.Kind)
			require.Equal(t, tt.record.Addr, got.Addr)
			require.Equal(t, tt.record.HasRSSI, got.HasRSSI)
			require.Equal(t, tt.record.RSSI, got.RSSI)
			require.Equal(t, tt.record.Data, got.Data)
		})
	}
}

func TestParseRecordErrors(t *testing.T) {
	_, err := ParseRecord([]byte{RecordRX, 1, 2})
	require.ErrorIs(t, err, ErrInvalidRecord, "short record")

	bad := make([]byte, RecordHeaderSize)
	bad[0] = 0x7F
	_, err = ParseRecord(bad)
	require.ErrorIs(t, err, ErrInvalidRecord, "unknown kind")

	big := make([]byte, RecordHeaderSize+MaxDatagramSize+1)
	big[0] = RecordRX
	_, err = ParseRecord(big)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestRecordDatagramConversion(t *testing.T) {
	dg := &Datagram{Source: core.Address{1, 2, 3, 4, 5, 6}, Data: []byte("{}"), RSSI: -200, HasRSSI: true}
	r := NewRXRecord(dg)
	require.Equal(t, int8(-128), r.RSSI, "rssi is clamped to int8")

	back := r.Datagram()
	require.Equal(t, dg.Source, back.Source)
	require.True(t, back.HasRSSI)
	require.Equal(t, -128, back.RSSI)

	noRSSI := NewRXRecord(&Datagram{Source: dg.Source, Data: dg.Data})
	require.Equal(t, RSSIUnknown, noRSSI.Datagram().SignalStrength())
}

func TestHello(t *testing.T) {
	r := NewHelloRecord(core.Address{9}, 6, 3)
	ch, status, err := r.Hello()
	require.NoError(t, err)
	require.Equal(t, uint8(6), ch)
	require.Equal(t, uint8(3), status)

	_, _, err = NewTXRecord(nil).Hello()
	require.Error(t, err)
}
