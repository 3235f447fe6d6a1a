package server

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusekv/fusekv/pkg/cache"
	"github.com/fusekv/fusekv/pkg/config"
	"github.com/fusekv/fusekv/pkg/db"
	"github.com/fusekv/fusekv/pkg/engine"
)

// startTestServer boots a full server on an ephemeral port
func startTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.DBPath = t.TempDir() + "/db"
	cfg.Address = "127.0.0.1:0"
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Finalize())

	eng, err := engine.Open(engine.Options{Path: cfg.DBPath, TTL: cfg.TTL})
	require.NoError(t, err)

	var readCache *cache.Cache
	if cfg.CacheEnabled {
		readCache = cache.New(time.Duration(cfg.CacheTTL) * time.Second)
	}

	mgr := db.NewManager(eng, readCache)
	srv := NewServer(cfg, mgr)
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		srv.Shutdown(5 * time.Second)
		mgr.Close()
		if readCache != nil {
			readCache.Stop()
		}
		eng.Close()
	})
	return srv
}

// client is a line-oriented test client
type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialServer(t *testing.T, srv *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *client) send(req map[string]interface{}) Response {
	c.t.Helper()

	data, err := json.Marshal(req)
	require.NoError(c.t, err)
	_, err = c.conn.Write(append(data, '\n'))
	require.NoError(c.t, err)

	line, err := c.reader.ReadBytes('\n')
	require.NoError(c.t, err)

	var resp Response
	require.NoError(c.t, json.Unmarshal(line, &resp))
	return resp
}

func (c *client) result(resp Response) string {
	if resp.Result == nil {
		return ""
	}
	return *resp.Result
}

func TestRoundTrip(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dialServer(t, srv)

	resp := c.send(map[string]interface{}{"action": "put", "key": "k", "value": "v"})
	require.True(t, resp.Success)

	resp = c.send(map[string]interface{}{"action": "get", "key": "k"})
	require.True(t, resp.Success)
	assert.Equal(t, "v", c.result(resp))
}

func TestDefaultOnMissing(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dialServer(t, srv)

	resp := c.send(map[string]interface{}{"action": "get", "key": "absent", "default_value": "D"})
	require.True(t, resp.Success)
	assert.Equal(t, "D", c.result(resp))

	// Without a default the result is null.
	resp = c.send(map[string]interface{}{"action": "get", "key": "absent"})
	require.True(t, resp.Success)
	assert.Nil(t, resp.Result)
}

func TestJSONPatchMerge(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dialServer(t, srv)

	base := `{"employees":[{"first_name":"john","last_name":"doe"},{"first_name":"adam","last_name":"smith"}]}`
	resp := c.send(map[string]interface{}{"action": "put", "key": "k", "value": base})
	require.True(t, resp.Success)

	resp = c.send(map[string]interface{}{
		"action": "merge", "key": "k",
		"value": `[{"op":"replace","path":"/employees/1/first_name","value":"lucy"}]`,
	})
	require.True(t, resp.Success)

	resp = c.send(map[string]interface{}{
		"action": "merge", "key": "k",
		"value": `[{"op":"replace","path":"/employees/0/last_name","value":"dow"}]`,
	})
	require.True(t, resp.Success)

	resp = c.send(map[string]interface{}{"action": "get", "key": "k"})
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"employees":[{"first_name":"john","last_name":"dow"},{"first_name":"lucy","last_name":"smith"}]}`, c.result(resp))
}

func TestColumnFamilyIsolation(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dialServer(t, srv)

	resp := c.send(map[string]interface{}{"action": "create_column_family", "cf_name": "cf2"})
	require.True(t, resp.Success)

	resp = c.send(map[string]interface{}{"action": "put", "key": "x", "value": "A"})
	require.True(t, resp.Success)
	resp = c.send(map[string]interface{}{"action": "put", "key": "x", "value": "B", "cf_name": "cf2"})
	require.True(t, resp.Success)

	resp = c.send(map[string]interface{}{"action": "get", "key": "x"})
	assert.Equal(t, "A", c.result(resp))
	resp = c.send(map[string]interface{}{"action": "get", "key": "x", "cf_name": "cf2"})
	assert.Equal(t, "B", c.result(resp))

	// The default family is reserved.
	resp = c.send(map[string]interface{}{"action": "drop_column_family", "cf_name": "default"})
	require.False(t, resp.Success)
	assert.Contains(t, c.result(resp), "default-reserved")
}

func TestTransactionRollback(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dialServer(t, srv)

	resp := c.send(map[string]interface{}{"action": "begin_transaction"})
	require.True(t, resp.Success)
	assert.NotEmpty(t, c.result(resp))

	resp = c.send(map[string]interface{}{"action": "put", "key": "t", "value": "1", "txn": true})
	require.True(t, resp.Success)

	resp = c.send(map[string]interface{}{"action": "rollback_transaction"})
	require.True(t, resp.Success)

	resp = c.send(map[string]interface{}{"action": "get", "key": "t"})
	require.True(t, resp.Success)
	assert.Nil(t, resp.Result)
}

func TestIteratorScan(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dialServer(t, srv)

	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		resp := c.send(map[string]interface{}{"action": "put", "key": kv[0], "value": kv[1]})
		require.True(t, resp.Success)
	}

	resp := c.send(map[string]interface{}{"action": "create_iterator"})
	require.True(t, resp.Success)
	handle := c.result(resp)

	resp = c.send(map[string]interface{}{
		"action": "iterator_seek", "key": "a",
		"options": map[string]interface{}{"iterator_id": handle, "direction": "forward"},
	})
	require.True(t, resp.Success)
	assert.Equal(t, "a:1", c.result(resp))

	for _, expected := range []string{"b:2", "c:3", "invalid"} {
		resp = c.send(map[string]interface{}{
			"action":  "iterator_next",
			"options": map[string]interface{}{"iterator_id": handle},
		})
		require.True(t, resp.Success)
		assert.Equal(t, expected, c.result(resp))
	}

	resp = c.send(map[string]interface{}{
		"action":  "destroy_iterator",
		"options": map[string]interface{}{"iterator_id": handle},
	})
	require.True(t, resp.Success)
}

func TestWriteBatchOverWire(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dialServer(t, srv)

	resp := c.send(map[string]interface{}{"action": "write_batch_put", "key": "k1", "value": "v1"})
	require.True(t, resp.Success)
	resp = c.send(map[string]interface{}{"action": "write_batch_put", "key": "k2", "value": "v2"})
	require.True(t, resp.Success)

	// Staged writes are invisible, including to the same session.
	resp = c.send(map[string]interface{}{"action": "get", "key": "k1"})
	assert.Nil(t, resp.Result)

	resp = c.send(map[string]interface{}{"action": "write_batch_write"})
	require.True(t, resp.Success)

	resp = c.send(map[string]interface{}{"action": "get", "key": "k1"})
	assert.Equal(t, "v1", c.result(resp))
	resp = c.send(map[string]interface{}{"action": "get", "key": "k2"})
	assert.Equal(t, "v2", c.result(resp))
}

func TestAuthToken(t *testing.T) {
	srv := startTestServer(t, func(cfg *config.Config) { cfg.Token = "secret" })

	// The right token is accepted.
	c := dialServer(t, srv)
	resp := c.send(map[string]interface{}{"action": "put", "key": "k", "value": "v", "token": "secret"})
	require.True(t, resp.Success)

	// A wrong token is refused and the connection closes.
	c2 := dialServer(t, srv)
	resp = c2.send(map[string]interface{}{"action": "get", "key": "k", "token": "nope"})
	require.False(t, resp.Success)
	assert.Equal(t, "auth-failed", c2.result(resp))

	_ = c2.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c2.reader.ReadByte()
	assert.Error(t, err)
}

func TestFrameTooLarge(t *testing.T) {
	srv := startTestServer(t, func(cfg *config.Config) { cfg.MaxFrameSize = 1024 })
	c := dialServer(t, srv)

	big := strings.Repeat("x", 4096)
	data, err := json.Marshal(map[string]interface{}{"action": "put", "key": "k", "value": big})
	require.NoError(t, err)
	_, err = c.conn.Write(append(data, '\n'))
	require.NoError(t, err)

	line, err := c.reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(line, &resp))
	require.False(t, resp.Success)
	assert.Contains(t, c.result(resp), "frame-too-large")

	// The connection is gone afterwards.
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = c.reader.ReadByte()
	assert.Error(t, err)
}

func TestKeysOverWire(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dialServer(t, srv)

	for _, k := range []string{"alpha", "beta", "gamma"} {
		resp := c.send(map[string]interface{}{"action": "put", "key": k, "value": "v"})
		require.True(t, resp.Success)
	}

	resp := c.send(map[string]interface{}{"action": "keys"})
	require.True(t, resp.Success)

	var keys []string
	require.NoError(t, json.Unmarshal([]byte(c.result(resp)), &keys))
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, keys)

	resp = c.send(map[string]interface{}{
		"action":  "keys",
		"options": map[string]interface{}{"query": "a", "start": 1, "limit": 1},
	})
	require.True(t, resp.Success)
	require.NoError(t, json.Unmarshal([]byte(c.result(resp)), &keys))
	assert.Equal(t, []string{"beta"}, keys)
}

func TestListColumnFamiliesOverWire(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dialServer(t, srv)

	resp := c.send(map[string]interface{}{"action": "list_column_families"})
	require.True(t, resp.Success)

	var names []string
	require.NoError(t, json.Unmarshal([]byte(c.result(resp)), &names))
	assert.Equal(t, []string{"default"}, names)
}

func TestSessionReclaimOnDisconnect(t *testing.T) {
	srv := startTestServer(t, nil)

	c := dialServer(t, srv)
	resp := c.send(map[string]interface{}{"action": "begin_transaction"})
	require.True(t, resp.Success)
	resp = c.send(map[string]interface{}{"action": "put", "key": "t", "value": "1", "txn": true})
	require.True(t, resp.Success)

	// Dropping the connection rolls the transaction back.
	c.conn.Close()

	c2 := dialServer(t, srv)
	assert.Eventually(t, func() bool {
		resp := c2.send(map[string]interface{}{"action": "get", "key": "t"})
		return resp.Success && resp.Result == nil
	}, 2*time.Second, 50*time.Millisecond)
}

func TestCachedReadsOverWire(t *testing.T) {
	srv := startTestServer(t, func(cfg *config.Config) { cfg.CacheEnabled = true })
	c := dialServer(t, srv)

	resp := c.send(map[string]interface{}{"action": "put", "key": "k", "value": "v"})
	require.True(t, resp.Success)

	for i := 0; i < 3; i++ {
		resp = c.send(map[string]interface{}{"action": "get", "key": "k"})
		require.True(t, resp.Success)
		assert.Equal(t, "v", c.result(resp))
	}

	resp = c.send(map[string]interface{}{"action": "put", "key": "k", "value": "v2"})
	require.True(t, resp.Success)
	resp = c.send(map[string]interface{}{"action": "get", "key": "k"})
	assert.Equal(t, "v2", c.result(resp))
}

func TestIteratorIDAsStringOverWire(t *testing.T) {
	// Clients send iterator handles back as the strings they received.
	srv := startTestServer(t, nil)
	c := dialServer(t, srv)

	resp := c.send(map[string]interface{}{"action": "put", "key": "a", "value": "1"})
	require.True(t, resp.Success)

	resp = c.send(map[string]interface{}{"action": "create_iterator"})
	require.True(t, resp.Success)

	resp = c.send(map[string]interface{}{
		"action": "iterator_seek", "key": "a",
		"options": map[string]interface{}{"iterator_id": c.result(resp)},
	})
	require.True(t, resp.Success)
	assert.Equal(t, "a:1", c.result(resp))
}
