package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blazingdb/ral/pkg/batch"
	"github.com/blazingdb/ral/pkg/clustercontext"
)

type recordingHandler struct {
	mu       sync.Mutex
	data     []DataPartitionMessage
	counts   []PartitionCountMessage
	received chan struct{}
}

func newRecordingHandler(buf int) *recordingHandler {
	return &recordingHandler{received: make(chan struct{}, buf)}
}

func (h *recordingHandler) OnDataPartition(msg DataPartitionMessage) {
	h.mu.Lock()
	h.data = append(h.data, msg)
	h.mu.Unlock()
	h.received <- struct{}{}
}

func (h *recordingHandler) OnPartitionCount(msg PartitionCountMessage) {
	h.mu.Lock()
	h.counts = append(h.counts, msg)
	h.mu.Unlock()
	h.received <- struct{}{}
}

// dialedPair spins up one WebsocketTransport behind an httptest server and
// a second dialed into it, standing in for two ral worker processes
// connected over a real socket.
func dialedPair(t *testing.T) (server *WebsocketTransport, client *WebsocketTransport, closeAll func()) {
	t.Helper()
	server = NewWebsocketTransport("node-a")
	srv := httptest.NewServer(server)

	client = NewWebsocketTransport("node-b")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ral/messages"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Dial(ctx, "node-a", url))

	return server, client, func() {
		_ = client.Close()
		srv.Close()
	}
}

func TestWebsocketTransport_SendDataPartitionDeliversToHandler(t *testing.T) {
	server, client, closeAll := dialedPair(t)
	defer closeAll()

	h := newRecordingHandler(1)
	server.Register("p", h)

	b, err := batch.New([]batch.Column{{Name: "amount", Type: batch.TypeFloat64, Values: []any{1.0}}})
	require.NoError(t, err)

	err = client.SendDataPartition(context.Background(), DataPartitionMessage{
		Source:        "node-b",
		Destination:   "node-a",
		CacheIDPrefix: "p",
		Payload:       b,
	})
	require.NoError(t, err)

	select {
	case <-h.received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data partition to arrive")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.data, 1)
	assert.Equal(t, clustercontext.NodeID("node-b"), h.data[0].Source)
	assert.Equal(t, 1, h.data[0].Payload.NumRows())
}

func TestWebsocketTransport_SendPartitionCountDeliversToHandler(t *testing.T) {
	server, client, closeAll := dialedPair(t)
	defer closeAll()

	h := newRecordingHandler(1)
	server.Register("p", h)

	err := client.SendPartitionCount(context.Background(), PartitionCountMessage{
		Source:        "node-b",
		Destination:   "node-a",
		CacheIDPrefix: "p",
		Count:         3,
	})
	require.NoError(t, err)

	select {
	case <-h.received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for partition count to arrive")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.counts, 1)
	assert.Equal(t, uint64(3), h.counts[0].Count)
}

func TestWebsocketTransport_SendToUndialedPeerErrors(t *testing.T) {
	tp := NewWebsocketTransport("node-a")
	err := tp.SendDataPartition(context.Background(), DataPartitionMessage{Destination: "node-z"})
	assert.Error(t, err)
}

// TestWebsocketTransport_ConcurrentSendsToSamePeerSucceed exercises the
// scenario executor.Executor's worker pool creates: multiple goroutines
// calling Send* for the same destination concurrently (two DoProcess
// calls both Scatter-ing to the same peer). gorilla/websocket permits only
// one concurrent writer per connection; peerConn's write mutex must
// serialize these without any call returning an error.
func TestWebsocketTransport_ConcurrentSendsToSamePeerSucceed(t *testing.T) {
	server, client, closeAll := dialedPair(t)
	defer closeAll()

	const n = 50
	h := newRecordingHandler(n)
	server.Register("p", h)

	b, err := batch.New([]batch.Column{{Name: "amount", Type: batch.TypeFloat64, Values: []any{1.0}}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- client.SendDataPartition(context.Background(), DataPartitionMessage{
				Source:        "node-b",
				Destination:   "node-a",
				CacheIDPrefix: "p",
				Payload:       b,
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		select {
		case <-h.received:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d/%d", i+1, n)
		}
	}
}
