package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mlink-tracker/internal/bus"
	"mlink-tracker/internal/evaluator"
	"mlink-tracker/internal/models"
	"mlink-tracker/internal/notifier"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStateStore 内存版设备状态，合并逻辑与数据库实现一致
type fakeStateStore struct {
	mu    sync.Mutex
	rows  map[string]models.DeviceSnapshot
	order map[string][]time.Time
	err   error
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{rows: make(map[string]models.DeviceSnapshot), order: make(map[string][]time.Time)}
}

func (f *fakeStateStore) Upsert(ctx context.Context, e *models.TelemetryEvent) (*models.DeviceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var current *models.DeviceSnapshot
	if row, ok := f.rows[e.DeviceID]; ok {
		current = &row
	}
	merged := models.MergeSnapshot(current, e)
	f.rows[e.DeviceID] = merged
	f.order[e.DeviceID] = append(f.order[e.DeviceID], e.Timestamp)
	return &merged, nil
}

func (f *fakeStateStore) get(id string) (models.DeviceSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	return row, ok
}

type historyKey struct {
	deviceID string
	ts       int64
}

type fakeHistory struct {
	mu   sync.Mutex
	rows map[historyKey]models.HistoryRecord
	err  error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{rows: make(map[historyKey]models.HistoryRecord)}
}

func (f *fakeHistory) Append(ctx context.Context, e *models.TelemetryEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	key := historyKey{e.DeviceID, e.Timestamp.UnixNano()}
	if _, ok := f.rows[key]; ok {
		return false, nil
	}
	f.rows[key] = models.HistoryFromEvent(e)
	return true, nil
}

func (f *fakeHistory) count(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.rows {
		if k.deviceID == deviceID {
			n++
		}
	}
	return n
}

type fakeAlerts struct {
	mu   sync.Mutex
	rows []models.AlertRecord
	err  error
}

func (f *fakeAlerts) Insert(ctx context.Context, a *models.AlertRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, *a)
	return nil
}

func (f *fakeAlerts) all() []models.AlertRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.AlertRecord(nil), f.rows...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []string
	err    error
}

func (f *fakeNotifier) Name() string { return "fake" }

func (f *fakeNotifier) Notify(ctx context.Context, a *models.AlertRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a.AlertID)
	return f.err
}

// panickingDetector 对指定设备 panic，其余委托给真实检测器
type panickingDetector struct {
	real     *evaluator.Detector
	deviceID string
}

func (d *panickingDetector) Detect(e *models.TelemetryEvent) (*models.AlertRecord, bool) {
	if e.DeviceID == d.deviceID {
		panic("detector exploded")
	}
	return d.real.Detect(e)
}

func (d *panickingDetector) FromHint(h *models.AlertHint) *models.AlertRecord {
	if h.DeviceID == d.deviceID {
		panic("detector exploded")
	}
	return d.real.FromHint(h)
}

type harness struct {
	pipeline *Pipeline
	state    *fakeStateStore
	history  *fakeHistory
	alerts   *fakeAlerts
	notifier *fakeNotifier
	bus      *bus.Bus
}

func newHarness(t *testing.T, opts Options) *harness {
	return newHarnessWithDetector(t, opts, evaluator.NewDetector())
}

func newHarnessWithDetector(t *testing.T, opts Options, detector AlertDetector) *harness {
	h := &harness{
		state:    newFakeStateStore(),
		history:  newFakeHistory(),
		alerts:   &fakeAlerts{},
		notifier: &fakeNotifier{},
		bus:      bus.New(256, zap.NewNop(), nil),
	}
	h.pipeline = New(opts, h.state, h.history, h.alerts, h.bus, detector,
		[]notifier.Notifier{h.notifier}, zap.NewNop(), nil)
	return h
}

// run 启动、投递并等待处理完成
func (h *harness) run(t *testing.T, msgs ...models.InboundMessage) {
	h.pipeline.Start(context.Background())
	for _, m := range msgs {
		require.NoError(t, h.pipeline.Dispatch(m))
	}
	require.NoError(t, h.pipeline.Stop(context.Background()))
}

func inbound(deviceID, kind, body string) models.InboundMessage {
	return models.InboundMessage{
		Topic:      "ns/" + deviceID + "/" + kind,
		DeviceID:   deviceID,
		Kind:       kind,
		Payload:    []byte(body),
		ReceivedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func collect(sub *bus.Subscription) []models.StreamEvent {
	var out []models.StreamEvent
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestScenarioA_TelemetryPersisted(t *testing.T) {
	h := newHarness(t, Options{})
	sub := h.bus.Subscribe()

	h.run(t, inbound("dev1", "telemetry", `{"ts":1700000000,"hr":72,"battery":80,"lat":23.9,"lon":121.0}`))

	snap, ok := h.state.get("dev1")
	require.True(t, ok)
	assert.Equal(t, 72, *snap.HeartRate)
	assert.Equal(t, 80, *snap.Battery)
	assert.Equal(t, 23.9, *snap.Latitude)
	assert.Equal(t, 121.0, *snap.Longitude)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), *snap.Timestamp)
	assert.Equal(t, 1, h.history.count("dev1"))
	assert.Empty(t, h.alerts.all())

	events := collect(sub)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTelemetry, events[0].Type)
	assert.Equal(t, "dev1", events[0].DeviceID)
}

func TestScenarioB_DuplicateHistorySuppressed(t *testing.T) {
	h := newHarness(t, Options{})
	body := `{"ts":1700000000,"hr":72,"battery":80,"lat":23.9,"lon":121.0}`

	h.run(t, inbound("dev1", "telemetry", body), inbound("dev1", "telemetry", body))

	assert.Equal(t, 1, h.history.count("dev1"))
}

func TestScenarioC_SOSRaisesOneAlert(t *testing.T) {
	h := newHarness(t, Options{})
	subs := []*bus.Subscription{h.bus.Subscribe(), h.bus.Subscribe()}

	h.run(t, inbound("dev1", "sos", `{"ts":1700000100,"sos":"1","lat":23.9,"lon":121.0}`))

	alerts := h.alerts.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, "dev1", alerts[0].DeviceID)
	assert.Equal(t, models.AlertKindSOS, alerts[0].Kind)
	assert.Equal(t, models.SeverityHigh, alerts[0].Severity)

	for _, sub := range subs {
		var sos []models.StreamEvent
		for _, e := range collect(sub) {
			if e.Type == models.EventSOS {
				sos = append(sos, e)
			}
		}
		require.Len(t, sos, 1)
		assert.Equal(t, "dev1", sos[0].DeviceID)
		assert.Equal(t, 23.9, *sos[0].Latitude)
		assert.Equal(t, alerts[0].AlertID, sos[0].AlertID)
	}

	assert.Equal(t, []string{alerts[0].AlertID}, h.notifier.alerts)
}

func TestScenarioD_StickyBattery(t *testing.T) {
	h := newHarness(t, Options{})

	h.run(t,
		inbound("dev1", "telemetry", `{"ts":1700000000,"hr":72,"battery":80}`),
		inbound("dev1", "telemetry", `{"ts":1700000060,"hr":75}`),
	)

	snap, _ := h.state.get("dev1")
	assert.Equal(t, 80, *snap.Battery)
	assert.Equal(t, 75, *snap.HeartRate)
	assert.Equal(t, time.Unix(1700000060, 0).UTC(), *snap.Timestamp)
}

func TestNoAlertWhenSOSFalseOrAbsent(t *testing.T) {
	h := newHarness(t, Options{})

	h.run(t,
		inbound("dev1", "telemetry", `{"ts":1,"sos":false}`),
		inbound("dev1", "telemetry", `{"ts":2}`),
		inbound("dev1", "sos", `{"ts":3,"sos":"0"}`),
		inbound("dev1", "telemetry", `{"ts":4,"sos":"maybe"}`),
	)

	assert.Empty(t, h.alerts.all())
}

func TestDuplicateSOSRaisesOnce(t *testing.T) {
	h := newHarness(t, Options{})
	body := `{"ts":1700000100,"sos":true}`

	h.run(t, inbound("dev1", "telemetry", body), inbound("dev1", "telemetry", body))

	assert.Len(t, h.alerts.all(), 1)
}

func TestAlertKind(t *testing.T) {
	h := newHarness(t, Options{})
	sub := h.bus.Subscribe()

	h.run(t, inbound("dev2", "alert", `{"ts":1700000000,"reason":"fall detected"}`))

	alerts := h.alerts.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertKindAlert, alerts[0].Kind)
	assert.Equal(t, models.SeverityMedium, alerts[0].Severity)
	assert.JSONEq(t, `{"ts":1700000000,"reason":"fall detected"}`, string(alerts[0].Payload))

	_, hasState := h.state.get("dev2")
	assert.False(t, hasState, "alert messages do not touch the snapshot")

	events := collect(sub)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventAlert, events[0].Type)
}

func TestMalformedAndIgnoredMessagesDoNotMutate(t *testing.T) {
	h := newHarness(t, Options{})
	sub := h.bus.Subscribe()

	h.run(t,
		inbound("dev1", "telemetry", `not json`),
		inbound("dev1", "telemetry", `[1,2,3]`),
		inbound("dev1", "status", `{"hr":1}`),
	)

	_, ok := h.state.get("dev1")
	assert.False(t, ok)
	assert.Equal(t, 0, h.history.count("dev1"))
	assert.Empty(t, collect(sub))
}

func TestPersistenceFailuresAreIsolated(t *testing.T) {
	h := newHarness(t, Options{})
	h.state.err = errors.New("db down")
	h.history.err = errors.New("db down")
	h.alerts.err = errors.New("db down")
	sub := h.bus.Subscribe()

	h.run(t, inbound("dev1", "sos", `{"ts":1700000000}`))

	var types []string
	for _, e := range collect(sub) {
		types = append(types, e.Type)
	}
	// 存储失败仍然广播遥测和 SOS
	assert.Equal(t, []string{models.EventTelemetry, models.EventSOS}, types)
	assert.Len(t, h.notifier.alerts, 1)
}

func TestNotifierFailureIsolated(t *testing.T) {
	h := newHarness(t, Options{})
	h.notifier.err = errors.New("webhook down")

	h.run(t,
		inbound("dev1", "sos", `{"ts":1}`),
		inbound("dev1", "telemetry", `{"ts":2,"hr":90}`),
	)

	snap, _ := h.state.get("dev1")
	assert.Equal(t, 90, *snap.HeartRate)
	assert.Len(t, h.alerts.all(), 1)
}

func TestPerDeviceArrivalOrder(t *testing.T) {
	h := newHarness(t, Options{Shards: 4})

	var msgs []models.InboundMessage
	for i := 0; i < 50; i++ {
		for d := 0; d < 5; d++ {
			// 时间戳倒序到达：按到达顺序合并，不按时间排序
			msgs = append(msgs, inbound(fmt.Sprintf("dev%d", d), "telemetry", fmt.Sprintf(`{"ts":%d,"hr":%d}`, 1700001000-i, i)))
		}
	}
	h.run(t, msgs...)

	for d := 0; d < 5; d++ {
		id := fmt.Sprintf("dev%d", d)
		snap, ok := h.state.get(id)
		require.True(t, ok)
		assert.Equal(t, 49, *snap.HeartRate, "last arrival wins for %s", id)
		assert.Equal(t, time.Unix(1700001000-49, 0).UTC(), *snap.Timestamp)

		order := h.state.order[id]
		require.Len(t, order, 50)
		for i := 1; i < len(order); i++ {
			assert.True(t, order[i].Before(order[i-1]), "arrival order preserved for %s", id)
		}
	}
}

func TestDispatch_QueueFullAndStopped(t *testing.T) {
	h := newHarness(t, Options{Shards: 1, QueueSize: 1, EnqueueTimeout: 10 * time.Millisecond})

	require.NoError(t, h.pipeline.Dispatch(inbound("dev1", "telemetry", `{}`)))
	err := h.pipeline.Dispatch(inbound("dev1", "telemetry", `{}`))
	assert.ErrorIs(t, err, ErrQueueFull)

	require.NoError(t, h.pipeline.Stop(context.Background()))
	require.NoError(t, h.pipeline.Stop(context.Background()))
	assert.ErrorIs(t, h.pipeline.Dispatch(inbound("dev1", "telemetry", `{}`)), ErrStopped)
}

func TestShardFor(t *testing.T) {
	for _, id := range []string{"dev1", "dev2", "a-very-long-device-identifier"} {
		s := ShardFor(id, 8)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 8)
		assert.Equal(t, s, ShardFor(id, 8))
	}

	assert.Equal(t, 0, ShardFor("dev1", 0))
	assert.Equal(t, 0, ShardFor("dev1", -3))
}

func TestDetectorPanicIsolated(t *testing.T) {
	h := newHarnessWithDetector(t, Options{Shards: 1}, &panickingDetector{real: evaluator.NewDetector(), deviceID: "bad"})
	sub := h.bus.Subscribe()

	h.run(t,
		inbound("bad", "telemetry", `{"ts":1700000000,"hr":70,"sos":true}`),
		inbound("bad", "alert", `{"ts":1700000001,"reason":"fall"}`),
		inbound("good", "telemetry", `{"ts":1700000002,"hr":65,"sos":true}`),
	)

	snap, ok := h.state.get("bad")
	require.True(t, ok)
	assert.Equal(t, 70, *snap.HeartRate)
	assert.Equal(t, 1, h.history.count("bad"))

	// 同一分片上的后续消息照常处理
	_, ok = h.state.get("good")
	require.True(t, ok)
	assert.Equal(t, 1, h.history.count("good"))

	alerts := h.alerts.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, "good", alerts[0].DeviceID)

	var telemetry []string
	for _, e := range collect(sub) {
		if e.Type == models.EventTelemetry {
			telemetry = append(telemetry, e.DeviceID)
		}
	}
	assert.Equal(t, []string{"bad", "good"}, telemetry)
}
