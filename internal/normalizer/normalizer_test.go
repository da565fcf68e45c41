package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var receivedAt = time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

func TestNormalize_Telemetry(t *testing.T) {
	res, err := Normalize("dev1", "telemetry", []byte(`{"ts":1700000000,"hr":72,"battery":80,"lat":23.9,"lon":121.0}`), receivedAt)
	require.NoError(t, err)
	require.Equal(t, ResultTelemetry, res.Kind)

	e := res.Telemetry
	assert.Equal(t, "dev1", e.DeviceID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), e.Timestamp)
	assert.Equal(t, 72, *e.HeartRate)
	assert.Equal(t, 80, *e.Battery)
	assert.Equal(t, 23.9, *e.Latitude)
	assert.Equal(t, 121.0, *e.Longitude)
	assert.Nil(t, e.Altitude)
	assert.Nil(t, e.SOS)
}

func TestNormalize_TimestampForms(t *testing.T) {
	tests := []struct {
		name string
		body string
		want time.Time
	}{
		{"epoch seconds", `{"ts":1700000000}`, time.Unix(1700000000, 0).UTC()},
		{"epoch millis", `{"ts":1700000000123}`, time.UnixMilli(1700000000123).UTC()},
		{"numeric string", `{"ts":"1700000000"}`, time.Unix(1700000000, 0).UTC()},
		{"rfc3339 zone", `{"ts":"2024-05-01T10:00:00+08:00"}`, time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC)},
		{"rfc3339 fraction", `{"ts":"2024-05-01T10:00:00.250Z"}`, time.Date(2024, 5, 1, 10, 0, 0, 250e6, time.UTC)},
		{"no zone is utc", `{"ts":"2024-05-01T10:00:00"}`, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{"missing", `{"hr":60}`, receivedAt},
		{"garbage", `{"ts":"yesterday"}`, receivedAt},
		{"null", `{"ts":null}`, receivedAt},
		{"negative", `{"ts":-5}`, receivedAt},
		{"beyond int64 range", `{"ts":1e20}`, receivedAt},
		{"millis past year 9999", `{"ts":9e18}`, receivedAt},
		{"seconds past year 9999", `{"ts":9e11}`, receivedAt},
		{"numeric string overflow", `{"ts":"1e25"}`, receivedAt},
		{"iso before epoch", `{"ts":"1960-01-01T00:00:00Z"}`, receivedAt},
		{"last millisecond of 9999", `{"ts":253402300799999}`, time.Date(9999, 12, 31, 23, 59, 59, 999e6, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Normalize("dev1", "telemetry", []byte(tt.body), receivedAt)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(res.Telemetry.Timestamp), "got %s", res.Telemetry.Timestamp)
			assert.Equal(t, time.UTC, res.Telemetry.Timestamp.Location())
		})
	}
}

func TestNormalize_NumericFields(t *testing.T) {
	res, err := Normalize("dev1", "telemetry", []byte(`{"hr":"71.6","battery":"n/a","lat":"24.1","lon":true,"alt":1200.5}`), receivedAt)
	require.NoError(t, err)

	e := res.Telemetry
	assert.Equal(t, 72, *e.HeartRate)
	assert.Nil(t, e.Battery, "non-numeric battery must be absent, not zero")
	assert.Equal(t, 24.1, *e.Latitude)
	assert.Nil(t, e.Longitude)
	assert.Equal(t, 1200.5, *e.Altitude)
}

func TestNormalize_OutOfRangeIsAbsent(t *testing.T) {
	res, err := Normalize("dev1", "telemetry", []byte(`{"battery":140,"lat":95,"lon":-181,"hr":"NaN"}`), receivedAt)
	require.NoError(t, err)

	e := res.Telemetry
	assert.Nil(t, e.Battery)
	assert.Nil(t, e.Latitude)
	assert.Nil(t, e.Longitude)
	assert.Nil(t, e.HeartRate)

	for _, body := range []string{`{"hr":1e10}`, `{"hr":1e30}`, `{"hr":-40}`, `{"hr":301}`, `{"battery":1e30}`, `{"battery":-1e30}`} {
		res, err := Normalize("dev1", "telemetry", []byte(body), receivedAt)
		require.NoError(t, err)
		assert.Nil(t, res.Telemetry.HeartRate, "body %s", body)
		assert.Nil(t, res.Telemetry.Battery, "body %s", body)
	}

	res, err = Normalize("dev1", "telemetry", []byte(`{"hr":300,"battery":0}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, 300, *res.Telemetry.HeartRate)
	assert.Equal(t, 0, *res.Telemetry.Battery)
}

func TestNormalize_NestedLocation(t *testing.T) {
	res, err := Normalize("dev1", "telemetry", []byte(`{"lat":23.5,"gps":{"lat":10,"lon":120.5,"alt":"300"}}`), receivedAt)
	require.NoError(t, err)
	e := res.Telemetry
	assert.Equal(t, 23.5, *e.Latitude, "flat field wins")
	assert.Equal(t, 120.5, *e.Longitude)
	assert.Equal(t, 300.0, *e.Altitude)

	res, err = Normalize("dev1", "telemetry", []byte(`{"location":{"lat":-33.9,"lon":151.2}}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, -33.9, *res.Telemetry.Latitude)
	assert.Equal(t, 151.2, *res.Telemetry.Longitude)
}

func TestNormalize_SOSSpellings(t *testing.T) {
	tests := []struct {
		raw  string
		want *bool
	}{
		{`true`, boolPtr(true)},
		{`false`, boolPtr(false)},
		{`1`, boolPtr(true)},
		{`0`, boolPtr(false)},
		{`"TRUE"`, boolPtr(true)},
		{`" False "`, boolPtr(false)},
		{`"1"`, boolPtr(true)},
		{`"0"`, boolPtr(false)},
		{`2`, nil},
		{`"yes"`, nil},
		{`null`, nil},
		{`{}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			res, err := Normalize("dev1", "telemetry", []byte(`{"sos":`+tt.raw+`}`), receivedAt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Telemetry.SOS)
		})
	}
}

func TestNormalize_SOSKind(t *testing.T) {
	res, err := Normalize("dev1", "sos", []byte(`{"ts":1700000000,"sos":"1"}`), receivedAt)
	require.NoError(t, err)
	require.Equal(t, ResultTelemetry, res.Kind)
	assert.True(t, res.Telemetry.SOSActive())

	// 主题即信号
	res, err = Normalize("dev1", "sos", []byte(`{"lat":23.9,"lon":121.0}`), receivedAt)
	require.NoError(t, err)
	assert.True(t, res.Telemetry.SOSActive())

	res, err = Normalize("dev1", "sos", []byte(`{"sos":false}`), receivedAt)
	require.NoError(t, err)
	assert.False(t, res.Telemetry.SOSActive())
	assert.NotNil(t, res.Telemetry.SOS)
}

func TestNormalize_AlertKind(t *testing.T) {
	body := `{"ts":"2024-05-01T10:00:00Z","reason":"fall detected","lat":23.1,"lon":120.2}`
	res, err := Normalize("dev9", "alert", []byte(body), receivedAt)
	require.NoError(t, err)
	require.Equal(t, ResultAlert, res.Kind)

	h := res.Alert
	assert.Equal(t, "dev9", h.DeviceID)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), h.Timestamp)
	assert.JSONEq(t, body, string(h.Payload))
	assert.False(t, h.SOS)
	assert.Equal(t, 23.1, *h.Latitude)
}

func TestNormalize_UnknownKindIgnored(t *testing.T) {
	res, err := Normalize("dev1", "status", []byte(`not json at all`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res.Kind)
	assert.Nil(t, res.Telemetry)
	assert.Nil(t, res.Alert)
}

func TestNormalize_Malformed(t *testing.T) {
	for _, body := range []string{``, `   `, `[1,2]`, `"str"`, `{"hr":`, `{"hr":1} {"hr":2}`, `42`} {
		_, err := Normalize("dev1", "telemetry", []byte(body), receivedAt)
		assert.ErrorIs(t, err, ErrMalformedPayload, "body %q", body)
	}
}

func boolPtr(b bool) *bool { return &b }
