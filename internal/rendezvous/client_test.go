package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/felundnet/felund/internal/state"
)

func testID(seed string, n int) string {
	return strings.Repeat(seed, n)
}

func TestCircleHint(t *testing.T) {
	a := CircleHint(testID("a", 24))
	if len(a) != 16 {
		t.Fatalf("hint length = %d, want 16", len(a))
	}
	if a != CircleHint(testID("a", 24)) {
		t.Error("hint is not deterministic")
	}
	if a == CircleHint(testID("b", 24)) {
		t.Error("distinct circles share a hint")
	}
}

func TestRegisterBody(t *testing.T) {
	var got struct {
		NodeID     string `json:"node_id"`
		CircleHint string `json:"circle_hint"`
		Endpoints  []struct {
			Transport string `json:"transport"`
			Host      string `json:"host"`
			Port      int    `json:"port"`
			Family    string `json:"family"`
			NAT       string `json:"nat"`
		} `json:"endpoints"`
		Capabilities struct {
			Relay     bool     `json:"relay"`
			Transport []string `json:"transport"`
		} `json:"capabilities"`
		TTLSeconds int `json:"ttl_s"`
	}
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/register" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		header = r.Header.Get("X-Felund-Node")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode register body: %v", err)
		}
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	nodeID := testID("1", 24)
	circleID := testID("c", 24)
	c := NewClient(srv.URL+"/", nodeID)
	if err := c.Register(context.Background(), circleID, "203.0.113.9:47777"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if header != nodeID {
		t.Errorf("X-Felund-Node = %q, want %q", header, nodeID)
	}
	if got.NodeID != nodeID || got.CircleHint != CircleHint(circleID) {
		t.Errorf("identity fields mangled: %+v", got)
	}
	if got.TTLSeconds != RegisterTTL {
		t.Errorf("ttl_s = %d, want %d", got.TTLSeconds, RegisterTTL)
	}
	if len(got.Endpoints) != 1 {
		t.Fatalf("endpoints = %+v, want one", got.Endpoints)
	}
	ep := got.Endpoints[0]
	if ep.Transport != "tcp" || ep.Host != "203.0.113.9" || ep.Port != 47777 || ep.Family != "ipv4" || ep.NAT != "unknown" {
		t.Errorf("endpoint mangled: %+v", ep)
	}
	if got.Capabilities.Relay || len(got.Capabilities.Transport) != 1 || got.Capabilities.Transport[0] != "tcp" {
		t.Errorf("capabilities mangled: %+v", got.Capabilities)
	}
}

func TestRegisterRejectsBadListenAddr(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", testID("1", 24))
	if err := c.Register(context.Background(), testID("c", 24), "no-port"); err == nil {
		t.Fatal("bad listen addr accepted")
	}
}

func TestPeersFiltersSelfAndUnusable(t *testing.T) {
	self := testID("1", 24)
	other := testID("2", 24)
	v6 := testID("3", 24)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/peers" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("circle_hint") == "" || r.URL.Query().Get("limit") == "" {
			t.Errorf("missing query params: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"peers": []map[string]any{
				{"node_id": self, "endpoints": []map[string]any{
					{"transport": "tcp", "host": "10.0.0.1", "port": 47777},
				}},
				{"node_id": other, "endpoints": []map[string]any{
					{"transport": "quic", "host": "10.0.0.2", "port": 47777},
					{"transport": "tcp", "host": "10.0.0.2", "port": 47778},
				}},
				{"node_id": v6, "endpoints": []map[string]any{
					{"transport": "tcp", "host": "fe80::1", "port": 47779},
				}},
				{"node_id": "", "endpoints": []map[string]any{
					{"transport": "tcp", "host": "10.0.0.3", "port": 47777},
				}},
				{"node_id": testID("4", 24), "endpoints": []map[string]any{
					{"transport": "tcp", "host": "", "port": 47777},
				}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, self)
	peers, err := c.Peers(context.Background(), testID("c", 24))
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("peers = %+v, want two usable entries", peers)
	}
	if peers[0].NodeID != other || peers[0].Addr != "10.0.0.2:47778" {
		t.Errorf("first tcp endpoint should win: %+v", peers[0])
	}
	if peers[1].NodeID != v6 || peers[1].Addr != "[fe80::1]:47779" {
		t.Errorf("ipv6 endpoint mangled: %+v", peers[1])
	}
}

func TestPushMessagesCapsBatch(t *testing.T) {
	var gotLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []state.Message `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotLen = len(body.Messages)
		json.NewEncoder(w).Encode(map[string]int{"stored": gotLen})
	}))
	defer srv.Close()

	msgs := make([]state.Message, PushBatch+10)
	for i := range msgs {
		msgs[i] = state.Message{MsgID: testID("f", 32), CircleID: testID("c", 24)}
	}
	c := NewClient(srv.URL, testID("1", 24))
	stored, err := c.PushMessages(context.Background(), testID("c", 24), msgs)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if gotLen != PushBatch {
		t.Errorf("server saw %d messages, want cap %d", gotLen, PushBatch)
	}
	if stored != PushBatch {
		t.Errorf("stored = %d, want %d", stored, PushBatch)
	}

	if n, err := c.PushMessages(context.Background(), testID("c", 24), nil); err != nil || n != 0 {
		t.Errorf("empty push = (%d, %v), want (0, nil) without a request", n, err)
	}
}

func TestPullMessagesCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("since") != "1700000000" || q.Get("limit") != "200" {
			t.Errorf("query mangled: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"messages":    []map[string]any{{"msg_id": testID("f", 32), "text": "hi"}},
			"server_time": 1700000123,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testID("1", 24))
	msgs, serverTime, err := c.PullMessages(context.Background(), testID("c", 24), 1700000000)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MsgID != testID("f", 32) {
		t.Errorf("messages mangled: %+v", msgs)
	}
	if serverTime != 1700000123 {
		t.Errorf("server_time = %d, want 1700000123", serverTime)
	}
}

func TestStatusErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testID("1", 24))
	err := c.Health(context.Background())
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("want StatusError, got %v", err)
	}
	if se.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", se.Code)
	}
}
