package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/captrail/captrail/pkg/dom"
	"github.com/captrail/captrail/pkg/logging"
	"github.com/captrail/captrail/pkg/store"
)

func newTestServer(t *testing.T, st store.Store) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(st, logging.NewNopLogger(), Options{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func dialShim(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func meetSnapshot() dom.Envelope {
	return dom.Envelope{
		Type: dom.EnvelopeSnapshot,
		Nodes: []dom.Node{
			{ID: "root", Tag: "body"},
			{ID: "leave", Tag: "button", Attrs: map[string]string{"aria-label": "Leave call"}, Parent: "root"},
			{ID: "cap", Tag: "div", Attrs: map[string]string{"role": "region", "aria-label": "Captions"}, Parent: "root"},
		},
	}
}

func captionBlock(seq int, speaker, text string) dom.Envelope {
	blk := dom.NodeID(fmt.Sprintf("blk-%d", seq))
	sp := dom.NodeID(fmt.Sprintf("sp-%d", seq))
	txt := dom.NodeID(fmt.Sprintf("txt-%d", seq))
	return dom.Envelope{
		Type: dom.EnvelopeMutations,
		Nodes: []dom.Node{
			{ID: blk, Tag: "div", Attrs: map[string]string{"class": "caption-block"}, Parent: "cap"},
			{ID: sp, Tag: "span", Attrs: map[string]string{"class": "speaker"}, Text: speaker, Parent: blk},
			{ID: txt, Tag: "span", Attrs: map[string]string{"class": "caption-text"}, Text: text, Parent: blk},
		},
		Mutations: []dom.Mutation{{Type: dom.MutationChildList, Target: "cap", Added: []dom.NodeID{blk}}},
	}
}

func TestServer_ShimSessionCapturesMeeting(t *testing.T) {
	st := store.NewMemoryStore()
	_, ts := newTestServer(t, st)
	conn := dialShim(t, ts)

	require.NoError(t, conn.WriteJSON(dom.Envelope{
		Type:  dom.EnvelopeHello,
		Hello: &dom.Hello{Platform: "meet", URL: "https://meet.example/abc"},
	}))
	require.NoError(t, conn.WriteJSON(meetSnapshot()))
	require.NoError(t, conn.WriteJSON(captionBlock(0, "Alice", "hello everyone")))
	require.NoError(t, conn.WriteJSON(captionBlock(1, "Bob", "hi")))
	require.NoError(t, conn.WriteJSON(dom.Envelope{Type: dom.EnvelopeUnload}))

	require.Eventually(t, func() bool {
		list, err := st.ListMeetings(context.Background(), 0)
		return err == nil && len(list) == 1 && !list[0].EndedAt.IsZero()
	}, 2*time.Second, 10*time.Millisecond, "meeting was not captured and finalized")

	list, err := st.ListMeetings(context.Background(), 0)
	require.NoError(t, err)
	m, err := st.GetMeeting(context.Background(), list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "meet", m.Platform)
	require.Len(t, m.Transcript, 2)
	assert.Equal(t, "Alice", m.Transcript[0].Speaker)
	assert.Equal(t, "hello everyone", m.Transcript[0].Text)
}

func TestServer_SocketDropFinalizesMeeting(t *testing.T) {
	st := store.NewMemoryStore()
	_, ts := newTestServer(t, st)
	conn := dialShim(t, ts)

	require.NoError(t, conn.WriteJSON(dom.Envelope{
		Type:  dom.EnvelopeHello,
		Hello: &dom.Hello{Platform: "meet", URL: "https://meet.example/abc"},
	}))
	require.NoError(t, conn.WriteJSON(meetSnapshot()))
	require.NoError(t, conn.WriteJSON(captionBlock(0, "Alice", "hello")))

	require.Eventually(t, func() bool {
		list, err := st.ListMeetings(context.Background(), 0)
		return err == nil && len(list) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Tab crash: the socket drops with no unload.
	conn.Close()

	require.Eventually(t, func() bool {
		list, err := st.ListMeetings(context.Background(), 0)
		return err == nil && len(list) == 1 && !list[0].EndedAt.IsZero()
	}, 2*time.Second, 10*time.Millisecond, "socket drop must finalize the meeting")
}

func TestServer_UnknownPlatformClosesSession(t *testing.T) {
	st := store.NewMemoryStore()
	s, ts := newTestServer(t, st)
	conn := dialShim(t, ts)

	require.NoError(t, conn.WriteJSON(dom.Envelope{
		Type:  dom.EnvelopeHello,
		Hello: &dom.Hello{Platform: "webex", URL: "https://webex.example"},
	}))

	require.Eventually(t, func() bool { return s.SessionCount() == 0 },
		2*time.Second, 10*time.Millisecond)

	list, err := st.ListMeetings(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestServer_Healthz(t *testing.T) {
	_, ts := newTestServer(t, store.NewMemoryStore())

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_MetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, store.NewMemoryStore())

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_GRPCHealth(t *testing.T) {
	s := NewServer(store.NewMemoryStore(), logging.NewNopLogger(), Options{
		Addr:     "127.0.0.1:0",
		GRPCAddr: "127.0.0.1:0",
	})
	require.NoError(t, s.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	}()

	conn, err := grpc.NewClient(s.GRPCAddr(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
