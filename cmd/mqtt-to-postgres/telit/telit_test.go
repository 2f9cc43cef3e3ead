package telit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/helper"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlatform mimics the command API: an auth envelope yields a session id,
// command envelopes are answered from the canned responses map.
type fakePlatform struct {
	t         *testing.T
	responses map[string]string
	authCalls int
	lastAuth  string
}

func (f *fakePlatform) handler(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))

	if cmdRaw, hasCmd := body["cmd"]; hasCmd {
		var auth sessionRef
		require.NoError(f.t, json.Unmarshal(body["auth"], &auth))
		f.lastAuth = auth.SessionID

		var cmd command
		require.NoError(f.t, json.Unmarshal(cmdRaw, &cmd))
		response, known := f.responses[cmd.Command]
		if !known {
			response = `{"cmd": {"success": false, "errorMessages": ["unknown command"], "errorCodes": [-1]}}`
		}
		_, _ = w.Write([]byte(response))
		return
	}

	f.authCalls++
	_, _ = w.Write([]byte(`{"auth": {"params": {"sessionId": "session-1234"}}}`))
}

func newFakePlatform(t *testing.T, responses map[string]string) (*fakePlatform, *httptest.Server) {
	f := &fakePlatform{t: t, responses: responses}
	server := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(server.Close)
	return f, server
}

func TestGetThingAttr(t *testing.T) {
	helper.InitTestLogging()
	platform, server := newFakePlatform(t, map[string]string{
		"thing.attr.get": `{"cmd": {"success": true, "params": {"ts": "2024-03-07T14:05:09Z", "value": "87"}}}`,
	})

	c := NewClient(server.URL, "user", "pass")
	ts, value, err := c.GetThingAttr(context.Background(), "355772090123456", "batt")
	assert.NoError(t, err)
	assert.Equal(t, "2024-03-07T14:05:09Z", ts)
	assert.Equal(t, "87", value)

	// The lazy authenticate ran once and its session id was attached.
	assert.Equal(t, 1, platform.authCalls)
	assert.Equal(t, "session-1234", platform.lastAuth)
}

func TestSessionIsReused(t *testing.T) {
	helper.InitTestLogging()
	platform, server := newFakePlatform(t, map[string]string{
		"thing.attr.set": `{"cmd": {"success": true}}`,
	})

	c := NewClient(server.URL, "user", "pass")
	assert.NoError(t, c.SetThingAttr(context.Background(), "355772090123456", "batt", "90"))
	assert.NoError(t, c.SetThingAttr(context.Background(), "355772090123456", "batt", "91"))
	assert.Equal(t, 1, platform.authCalls)
}

func TestCommandErrorSurfaces(t *testing.T) {
	helper.InitTestLogging()
	_, server := newFakePlatform(t, map[string]string{
		"thing.attr.unset": `{"cmd": {"success": false, "errorMessages": ["attribute not found"], "errorCodes": [120]}}`,
	})

	c := NewClient(server.URL, "user", "pass")
	err := c.UnsetThingAttr(context.Background(), "355772090123456", "nosuch")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "attribute not found")
}

func TestListThings(t *testing.T) {
	helper.InitTestLogging()
	_, server := newFakePlatform(t, map[string]string{
		"thing.list": `{"cmd": {"success": true, "params": {"result": [{"key": "a"}, {"key": "b"}]}}}`,
	})

	c := NewClient(server.URL, "user", "pass")
	things, err := c.ListThings(context.Background(), 0, 10)
	assert.NoError(t, err)
	assert.Len(t, things, 2)
	assert.Equal(t, "a", things[0]["key"])
}

func TestHTTPErrorSurfaces(t *testing.T) {
	helper.InitTestLogging()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	c := NewClient(server.URL, "user", "pass")
	err := c.Authenticate(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
