package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/ecatd/internal/ecat"
	"github.com/nerrad567/ecatd/internal/infrastructure/config"
	"github.com/nerrad567/ecatd/internal/infrastructure/logging"
	"github.com/nerrad567/ecatd/internal/journal"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeJournal struct {
	mu      sync.Mutex
	last    journal.Filter
	records []journal.EventRecord
	err     error
}

func (f *fakeJournal) Events(_ context.Context, filter journal.Filter) ([]journal.EventRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = filter
	return f.records, f.err
}

type fakeStats struct{}

func (fakeStats) CycleStats() ecat.SynchronizerStats {
	return ecat.SynchronizerStats{Cycles: 100, ExchangeErrors: 2, LastCycle: 250 * time.Microsecond}
}

func (fakeStats) SupervisionStats() ecat.SupervisorStats {
	return ecat.SupervisorStats{Passes: 7, Timeouts: 1, Lost: 1}
}

type fakeClients int

func (f fakeClients) Clients() int { return int(f) }

type fakeConn bool

func (f fakeConn) IsConnected() bool { return bool(f) }

// ============================================================================
// Helpers
// ============================================================================

// testSegment builds a live segment with a digital output on device 1 and
// a 16-bit analog input on device 2 holding 42.
func testSegment(t *testing.T) *ecat.Segment {
	t.Helper()
	seg := ecat.NewSegment(8, nil)
	_ = seg.WithImage(func(is *ecat.ImageSession) error {
		is.SetDevices([]ecat.DeviceInfo{
			{Name: "EL2004", OutputBits: 4, OutputAck: 1},
			{Name: "EL3102", InputBytes: 4, InputOffset: 2, InputAck: 1},
		})
		is.SetLayout(&ecat.Layout{
			Outputs: []ecat.Mapping{
				{Device: 1, Index: 0x7000, SubIndex: 1, Offset: 0, BitLength: 1, Type: ecat.TypeBoolean, Name: "Output"},
			},
			Inputs: []ecat.Mapping{
				{Device: 2, Index: 0x6000, SubIndex: 0x11, Offset: 4, BitLength: 16, Type: ecat.TypeInteger16, Name: "Value"},
			},
		})
		for _, d := range is.Devices() {
			d.State = ecat.StateOperational
		}
		is.Image()[0] = 0x01
		is.Image()[4] = 0x2A
		is.SetAck(3)
		is.SetExpected(3)
		is.SetOperational(true)
		is.SetFresh(true)
		return nil
	})
	return seg
}

func setFresh(seg *ecat.Segment, v bool) {
	_ = seg.WithImage(func(is *ecat.ImageSession) error {
		is.SetFresh(v)
		return nil
	})
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	return Deps{
		Config:    config.APIConfig{Host: "127.0.0.1", Port: 0, Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5}},
		WS:        config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Logger:    logging.Discard(),
		Segment:   testSegment(t),
		Journal:   &fakeJournal{},
		Stats:     fakeStats{},
		Inspect:   fakeClients(2),
		MQTT:      fakeConn(true),
		Interface: "eth0",
		Version:   "test",
	}
}

func testServer(t *testing.T, deps Deps) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)
	return srv, ts
}

func getJSON(t *testing.T, url string, wantStatus int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s status = %d, want %d (body %s)", url, resp.StatusCode, wantStatus, body)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
}

// ============================================================================
// Construction and lifecycle
// ============================================================================

func TestNew_Validation(t *testing.T) {
	deps := testDeps(t)
	deps.Logger = nil
	if _, err := New(deps); err == nil {
		t.Error("New() without logger error = nil")
	}

	deps = testDeps(t)
	deps.Segment = nil
	if _, err := New(deps); err == nil {
		t.Error("New() without segment error = nil")
	}
}

func TestNew_ExternalHub(t *testing.T) {
	deps := testDeps(t)
	hub := NewHub(deps.WS, deps.Logger)
	deps.ExternalHub = hub

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if srv.Hub() != hub {
		t.Error("Hub() did not return the injected hub")
	}
}

func TestStartClose(t *testing.T) {
	srv, err := New(testDeps(t))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start error = nil")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if srv.Addr() == "" {
		t.Fatal("Addr() empty after Start")
	}
	getJSON(t, "http://"+srv.Addr()+"/api/v1/health", http.StatusOK, nil)

	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestClose_NotStarted(t *testing.T) {
	srv, err := New(testDeps(t))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

// ============================================================================
// Health and devices
// ============================================================================

func TestHealth(t *testing.T) {
	deps := testDeps(t)
	_, ts := testServer(t, deps)

	var body map[string]any
	getJSON(t, ts.URL+"/api/v1/health", http.StatusOK, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["mqtt_connected"] != true {
		t.Errorf("mqtt_connected = %v, want true", body["mqtt_connected"])
	}
	if body["interface"] != "eth0" {
		t.Errorf("interface = %v, want eth0", body["interface"])
	}

	setFresh(deps.Segment, false)
	var stale map[string]any
	getJSON(t, ts.URL+"/api/v1/health", http.StatusOK, &stale)
	if stale["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", stale["status"])
	}
}

func TestListDevices(t *testing.T) {
	_, ts := testServer(t, testDeps(t))

	var body struct {
		Count    int                 `json:"count"`
		Ack      int                 `json:"ack"`
		Expected int                 `json:"expected"`
		Devices  []ecat.DeviceStatus `json:"devices"`
	}
	getJSON(t, ts.URL+"/api/v1/devices", http.StatusOK, &body)

	if body.Count != 2 || len(body.Devices) != 2 {
		t.Fatalf("count = %d (%d devices), want 2", body.Count, len(body.Devices))
	}
	if body.Ack != 3 || body.Expected != 3 {
		t.Errorf("ack/expected = %d/%d, want 3/3", body.Ack, body.Expected)
	}
	d := body.Devices[1]
	if d.ID != 2 || d.Name != "EL3102" || d.State != "OP" {
		t.Errorf("devices[1] = %+v, want EL3102 in OP", d)
	}
	if string(d.Inputs) != string([]byte{0x00, 0x00, 0x2A, 0x00}) {
		t.Errorf("inputs = % x, want 00 00 2a 00", d.Inputs)
	}
}

func TestGetDevice(t *testing.T) {
	_, ts := testServer(t, testDeps(t))

	tests := []struct {
		id         string
		wantStatus int
	}{
		{"2", http.StatusOK},
		{"9", http.StatusNotFound},
		{"0", http.StatusBadRequest},
		{"abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			getJSON(t, ts.URL+"/api/v1/devices/"+tt.id, tt.wantStatus, nil)
		})
	}

	var d DeviceView
	getJSON(t, ts.URL+"/api/v1/devices/1", http.StatusOK, &d)
	if d.Name != "EL2004" || !d.Live {
		t.Errorf("device = %+v, want live EL2004", d)
	}
	if string(d.Outputs) != string([]byte{0x01}) {
		t.Errorf("outputs = % x, want 01", d.Outputs)
	}
}

func TestDevices_StaleHasNoProcessData(t *testing.T) {
	deps := testDeps(t)
	_, ts := testServer(t, deps)
	setFresh(deps.Segment, false)

	var list struct {
		Fresh   bool                `json:"fresh"`
		Live    bool                `json:"live"`
		Count   int                 `json:"count"`
		Devices []ecat.DeviceStatus `json:"devices"`
	}
	getJSON(t, ts.URL+"/api/v1/devices", http.StatusOK, &list)
	if list.Fresh || list.Live {
		t.Errorf("fresh/live = %v/%v, want false/false", list.Fresh, list.Live)
	}
	if list.Count != 2 {
		t.Fatalf("count = %d, want 2", list.Count)
	}
	for _, d := range list.Devices {
		if d.Outputs != nil || d.Inputs != nil {
			t.Errorf("device %d outputs/inputs = % x / % x while stale, want none", d.ID, d.Outputs, d.Inputs)
		}
		if d.State != "OP" {
			t.Errorf("device %d State = %q, want the state to stay visible", d.ID, d.State)
		}
	}

	var one DeviceView
	getJSON(t, ts.URL+"/api/v1/devices/2", http.StatusOK, &one)
	if one.Live || one.Inputs != nil {
		t.Errorf("device 2 = %+v, want no inputs while stale", one)
	}
}

// ============================================================================
// Mappings
// ============================================================================

type mappingsBody struct {
	Mappings []MappingView `json:"mappings"`
	Count    int           `json:"count"`
	Live     bool          `json:"live"`
}

func TestListMappings(t *testing.T) {
	deps := testDeps(t)
	_, ts := testServer(t, deps)

	var all mappingsBody
	getJSON(t, ts.URL+"/api/v1/mappings", http.StatusOK, &all)
	if all.Count != 2 {
		t.Fatalf("count = %d, want 2", all.Count)
	}
	out := all.Mappings[0]
	if out.Space != "outputs" || out.Address != "1:0x7000:0x01" || out.Type != "BOOLEAN" || out.Value != "" {
		t.Errorf("mappings[0] = %+v, want BOOLEAN output 1:0x7000:0x01 without value", out)
	}

	var inputs mappingsBody
	getJSON(t, ts.URL+"/api/v1/mappings?space=inputs&values=true", http.StatusOK, &inputs)
	if inputs.Count != 1 {
		t.Fatalf("inputs count = %d, want 1", inputs.Count)
	}
	in := inputs.Mappings[0]
	if in.Index != "0x6000" || in.SubIndex != "0x11" || in.Value != "0x002a 42" || !inputs.Live {
		t.Errorf("inputs[0] = %+v live=%v, want live 0x6000:0x11 = 0x002a 42", in, inputs.Live)
	}

	getJSON(t, ts.URL+"/api/v1/mappings?space=sideways", http.StatusBadRequest, nil)
}

func TestListMappings_StaleHasNoValues(t *testing.T) {
	tests := []struct {
		name  string
		stale func(*ecat.ImageSession)
	}{
		{"not fresh", func(is *ecat.ImageSession) { is.SetFresh(false) }},
		{"not operational", func(is *ecat.ImageSession) { is.SetOperational(false) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := testDeps(t)
			_, ts := testServer(t, deps)
			_ = deps.Segment.WithImage(func(is *ecat.ImageSession) error {
				tt.stale(is)
				return nil
			})

			var body mappingsBody
			getJSON(t, ts.URL+"/api/v1/mappings?values=true", http.StatusOK, &body)
			if body.Live {
				t.Error("live = true, want false")
			}
			if body.Count != 2 {
				t.Errorf("count = %d, want the layout to stay listed", body.Count)
			}
			for _, m := range body.Mappings {
				if m.Value != "" || m.Error != "" {
					t.Errorf("%s value = %q error = %q while stale, want neither", m.Address, m.Value, m.Error)
				}
			}
		})
	}
}

type mappingBody struct {
	Mapping MappingView `json:"mapping"`
	Live    bool        `json:"live"`
}

func TestGetMapping(t *testing.T) {
	deps := testDeps(t)
	_, ts := testServer(t, deps)

	var input mappingBody
	getJSON(t, ts.URL+"/api/v1/mappings/2:0x6000:0x11", http.StatusOK, &input)
	if input.Mapping.Space != "inputs" || input.Mapping.Value != "0x002a 42" || !input.Live {
		t.Errorf("mapping = %+v live=%v, want live input 0x002a 42", input.Mapping, input.Live)
	}

	var output mappingBody
	getJSON(t, ts.URL+"/api/v1/mappings/1:7000:1", http.StatusOK, &output)
	if output.Mapping.Space != "outputs" || output.Mapping.Value != "TRUE" {
		t.Errorf("mapping = %+v, want output TRUE", output.Mapping)
	}

	getJSON(t, ts.URL+"/api/v1/mappings/9:0x6000:0x01", http.StatusNotFound, nil)
	getJSON(t, ts.URL+"/api/v1/mappings/nonsense", http.StatusBadRequest, nil)
}

func TestGetMapping_StaleHasNoValue(t *testing.T) {
	deps := testDeps(t)
	_, ts := testServer(t, deps)
	setFresh(deps.Segment, false)

	var stale mappingBody
	getJSON(t, ts.URL+"/api/v1/mappings/2:0x6000:0x11", http.StatusOK, &stale)
	if stale.Live || stale.Mapping.Value != "" {
		t.Errorf("stale mapping = %+v live=%v, want no value", stale.Mapping, stale.Live)
	}
	if stale.Mapping.Address != "2:0x6000:0x11" {
		t.Errorf("Address = %q, want the mapping metadata to be served", stale.Mapping.Address)
	}
}

// ============================================================================
// Events
// ============================================================================

func TestListEvents(t *testing.T) {
	deps := testDeps(t)
	store := &fakeJournal{records: []journal.EventRecord{
		{ID: 2, RunID: "run-1", Event: ecat.Event{Kind: ecat.EventLost, Device: 2}},
	}}
	deps.Journal = store
	_, ts := testServer(t, deps)

	var body struct {
		Count  int                   `json:"count"`
		Events []journal.EventRecord `json:"events"`
	}
	getJSON(t, ts.URL+"/api/v1/events?device=2&kind=lost&limit=5&run=run-1", http.StatusOK, &body)
	if body.Count != 1 || body.Events[0].Kind != ecat.EventLost {
		t.Errorf("events = %+v, want one lost event", body.Events)
	}

	store.mu.Lock()
	got := store.last
	store.mu.Unlock()
	want := journal.Filter{RunID: "run-1", Device: 2, Kind: ecat.EventLost, Limit: 5}
	if got != want {
		t.Errorf("filter = %+v, want %+v", got, want)
	}

	getJSON(t, ts.URL+"/api/v1/events?device=x", http.StatusBadRequest, nil)
	getJSON(t, ts.URL+"/api/v1/events?limit=0", http.StatusBadRequest, nil)

	store.mu.Lock()
	store.err = errors.New("disk I/O error")
	store.mu.Unlock()
	getJSON(t, ts.URL+"/api/v1/events", http.StatusInternalServerError, nil)
}

func TestListEvents_NoJournal(t *testing.T) {
	deps := testDeps(t)
	deps.Journal = nil
	_, ts := testServer(t, deps)

	var e Error
	getJSON(t, ts.URL+"/api/v1/events", http.StatusServiceUnavailable, &e)
	if e.Code != ErrCodeUnavailable {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeUnavailable)
	}
}

func TestListEvents_EmptyIsArray(t *testing.T) {
	_, ts := testServer(t, testDeps(t))

	var body map[string]json.RawMessage
	getJSON(t, ts.URL+"/api/v1/events", http.StatusOK, &body)
	if string(body["events"]) != "[]" {
		t.Errorf("events = %s, want []", body["events"])
	}
}

// ============================================================================
// Metrics
// ============================================================================

func TestMetricsJSON(t *testing.T) {
	_, ts := testServer(t, testDeps(t))

	var m SystemMetrics
	getJSON(t, ts.URL+"/api/v1/metrics", http.StatusOK, &m)

	if m.Version != "test" || m.Interface != "eth0" {
		t.Errorf("version/interface = %s/%s, want test/eth0", m.Version, m.Interface)
	}
	if m.Cycle.Cycles != 100 || m.Supervision.Passes != 7 {
		t.Errorf("cycles = %d passes = %d, want 100 and 7", m.Cycle.Cycles, m.Supervision.Passes)
	}
	if m.Segment.Devices != 2 || m.Segment.ByState["OP"] != 2 || !m.Segment.Operational {
		t.Errorf("segment = %+v, want 2 operational devices in OP", m.Segment)
	}
	if m.Inspect.Clients != 2 {
		t.Errorf("inspect clients = %d, want 2", m.Inspect.Clients)
	}
	if m.MQTT == nil || !m.MQTT.Connected {
		t.Errorf("mqtt = %+v, want connected", m.MQTT)
	}
	if m.Database != nil {
		t.Errorf("database = %+v, want omitted without a database", m.Database)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("goroutines = 0")
	}
}

func TestPrometheusMetrics(t *testing.T) {
	_, ts := testServer(t, testDeps(t))

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	body := string(raw)

	for _, want := range []string{
		"# TYPE ecatd_cycles_total counter",
		"ecatd_cycles_total 100",
		"ecatd_exchange_errors_total 2",
		"ecatd_working_counter 3",
		"ecatd_working_counter_expected 3",
		"ecatd_operational 1",
		"ecatd_fresh 1",
		"ecatd_supervision_passes_total 7",
		"ecatd_supervision_lost_total 1",
		`ecatd_device_state{device="2",name="EL3102"} 8`,
		`ecatd_device_lost{device="1",name="EL2004"} 0`,
		"ecatd_inspect_clients 2",
		"ecatd_websocket_clients 0",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

// ============================================================================
// Middleware
// ============================================================================

func TestRequestID(t *testing.T) {
	_, ts := testServer(t, testDeps(t))

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "abc123" {
		t.Errorf("X-Request-ID = %q, want abc123", got)
	}

	resp, err = http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); !isUUID(got) {
		t.Errorf("generated X-Request-ID = %q, want a UUID", got)
	}
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func TestUnknownRoutes(t *testing.T) {
	_, ts := testServer(t, testDeps(t))

	var e Error
	getJSON(t, ts.URL+"/api/v1/nothing", http.StatusNotFound, &e)
	if e.Code != ErrCodeNotFound {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeNotFound)
	}

	resp, err := http.Post(ts.URL+"/api/v1/health", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Code != ErrCodeMethodNotAllowed {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeMethodNotAllowed)
	}
	if got := resp.Header.Get("Allow"); got != http.MethodGet {
		t.Errorf("Allow = %q, want GET", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	srv, err := New(testDeps(t))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

// ============================================================================
// WebSocket
// ============================================================================

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck // Test cleanup
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // Test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocket_StreamsEvents(t *testing.T) {
	srv, ts := testServer(t, testDeps(t))
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(map[string]any{
		"type":    WSTypeSubscribe,
		"id":      "1",
		"payload": map[string]any{"channels": []string{ChannelSupervision}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypeResponse || msg.ID != "1" {
		t.Fatalf("subscribe reply = %+v, want response to 1", msg)
	}

	srv.Hub().Publish(ecat.Event{Kind: ecat.EventLost, Device: 2, Detail: "no response"})

	msg := readWS(t, conn)
	if msg.Type != WSTypeEvent || msg.EventType != ChannelSupervision {
		t.Fatalf("message = %+v, want supervision event", msg)
	}
	payload, _ := json.Marshal(msg.Payload)
	var ev ecat.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if ev.Kind != ecat.EventLost || ev.Device != 2 {
		t.Errorf("event = %+v, want lost device 2", ev)
	}
	if got := srv.Hub().ClientCount(); got != 1 {
		t.Errorf("ClientCount() = %d, want 1", got)
	}
}

func TestWebSocket_KindChannel(t *testing.T) {
	srv, ts := testServer(t, testDeps(t))
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(map[string]any{
		"type":    WSTypeSubscribe,
		"id":      "k",
		"payload": map[string]any{"channels": []string{"supervision.lost"}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypeResponse {
		t.Fatalf("subscribe reply = %+v, want response", msg)
	}

	srv.Hub().Publish(ecat.Event{Kind: ecat.EventAck, Device: 1})
	srv.Hub().Publish(ecat.Event{Kind: ecat.EventLost, Device: 3})

	msg := readWS(t, conn)
	payload, _ := json.Marshal(msg.Payload)
	var ev ecat.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if ev.Kind != ecat.EventLost || ev.Device != 3 {
		t.Errorf("first event = %+v, want lost device 3 (ack filtered out)", ev)
	}
	if msg.EventType != ChannelSupervision {
		t.Errorf("EventType = %q, want %q", msg.EventType, ChannelSupervision)
	}
}

func TestWebSocket_UnknownChannel(t *testing.T) {
	_, ts := testServer(t, testDeps(t))
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(map[string]any{
		"type":    WSTypeSubscribe,
		"id":      "x",
		"payload": map[string]any{"channels": []string{"device.state"}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypeError || msg.ID != "x" {
		t.Errorf("reply = %+v, want error for x", msg)
	}
}

func TestValidChannel(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{ChannelSupervision, true},
		{"supervision.lost", true},
		{"supervision.op-request", true},
		{"supervision.unknown", false},
		{"supervision.", false},
		{"state", false},
	}
	for _, tt := range tests {
		if got := validChannel(tt.name); got != tt.want {
			t.Errorf("validChannel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestWebSocket_Ping(t *testing.T) {
	_, ts := testServer(t, testDeps(t))
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(map[string]any{"type": WSTypePing, "id": "p"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypePong || msg.ID != "p" {
		t.Errorf("reply = %+v, want pong", msg)
	}

	if err := conn.WriteJSON(map[string]any{"type": "launch"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypeError {
		t.Errorf("reply = %+v, want error", msg)
	}
}

func TestWebSocket_UnsubscribedGetsNothing(t *testing.T) {
	srv, ts := testServer(t, testDeps(t))
	conn := dialWS(t, ts)

	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub().ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	srv.Hub().Publish(ecat.Event{Kind: ecat.EventAck, Device: 1})

	//nolint:errcheck // Test deadline
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("received a message without subscribing")
	}
}

func TestHub_RunClosesClients(t *testing.T) {
	deps := testDeps(t)
	hub := NewHub(deps.WS, deps.Logger)
	deps.ExternalHub = hub
	_, ts := testServer(t, deps)
	conn := dialWS(t, ts)

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() after Run = %d, want 0", got)
	}
	//nolint:errcheck // Test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
