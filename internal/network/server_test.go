package network

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/annel0/voxel-terrain/internal/storage"
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/annel0/voxel-terrain/internal/world"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	world  *world.WorldManager
	server *PeerServer
	http   *httptest.Server
}

func newTestEnv(t *testing.T, opts Options, seed func(store *storage.FileStore)) *testEnv {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir(), "net")
	require.NoError(t, err)
	if seed != nil {
		seed(store)
	}

	wopts := world.DefaultOptions()
	wopts.WorldName = "net"
	wopts.ChunkHeight = 32
	wopts.ViewRadius = 1
	wopts.UnloadRadius = 2
	wopts.TickRate = 50
	wm := world.NewWorldManager(wopts, world.Deps{
		Sampler: world.NewPerlinSamplerWith(3, 12, 0, 0.05, 0.02),
		Records: store,
	})
	server := NewPeerServer(wm, opts)
	wm.AddEditListener(server.OnEdit)

	ctx, cancel := context.WithCancel(context.Background())
	go wm.Run(ctx)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleConnection))
	t.Cleanup(func() {
		server.Close()
		ts.Close()
		cancel()
		wm.Stop()
	})
	return &testEnv{world: wm, server: server, http: ts}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *testEnv) do(t *testing.T, fn func(wm *world.WorldManager)) {
	t.Helper()
	require.NoError(t, e.world.Do(context.Background(), fn))
}

// readType читает сообщения, пока не встретится нужный тип
func readType(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	for i := 0; i < 32; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "ожидалось сообщение %s", msgType)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == msgType {
			return msg
		}
	}
	t.Fatalf("сообщение %s не получено", msgType)
	return nil
}

func seedRecord(t *testing.T, cx, cz int) func(store *storage.FileStore) {
	return func(store *storage.FileStore) {
		c := world.NewChunk(vec.Vec2{X: cx, Z: cz}, 16, 32)
		data, err := world.Serialize(c)
		require.NoError(t, err)
		require.NoError(t, store.Save(c.Key(), data))
	}
}

func TestPeerServer_BulkResyncOnConnect(t *testing.T) {
	env := newTestEnv(t, Options{}, seedRecord(t, 7, -2))

	conn := env.dial(t)
	msg := readType(t, conn, MsgBulkResync)
	assert.NotEmpty(t, msg["peer_id"])
	chunks := msg["chunks"].([]any)
	require.Len(t, chunks, 1)
	first := chunks[0].(map[string]any)
	assert.EqualValues(t, 7, first["chunk_x"])
	assert.EqualValues(t, -2, first["chunk_z"])
	assert.NotEmpty(t, first["data"])

	assert.Eventually(t, func() bool { return env.server.PeerCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPeerServer_EditBroadcastsAndAcks(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	env.do(t, func(wm *world.WorldManager) {
		_ = wm.Store.LoadImmediate(0, 0, false)
	})

	editor := env.dial(t)
	readType(t, editor, MsgBulkResync)
	watcher := env.dial(t)
	readType(t, watcher, MsgBulkResync)
	require.Eventually(t, func() bool { return env.server.PeerCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, editor.WriteJSON(EditRequest{
		Type:      MsgEdit,
		Operation: world.OpDig,
		Position:  vec.Vec3Float{X: 5.5, Y: 5.5, Z: 5.5},
		Data:      map[string]any{"tool": "shovel"},
	}))

	ack := readType(t, editor, MsgEditAck)
	assert.Equal(t, world.OpDig, ack["operation"])
	assert.EqualValues(t, 1, ack["cost"])
	assert.Equal(t, true, ack["applied"])

	update := readType(t, watcher, MsgChunkUpdate)
	assert.EqualValues(t, 0, update["chunk_x"])
	assert.EqualValues(t, 0, update["chunk_z"])

	// запись из chunk_update восстанавливает выкопанный чанк
	var raw []byte
	encoded, _ := json.Marshal(update["data"])
	require.NoError(t, json.Unmarshal(encoded, &raw))
	restored, err := world.Deserialize(raw)
	require.NoError(t, err)
	assert.Zero(t, restored.Density(5, 5, 5))

	// новый пир получает изменённый чанк в bulk_resync
	late := env.dial(t)
	resync := readType(t, late, MsgBulkResync)
	assert.Len(t, resync["chunks"].([]any), 1)
}

func TestPeerServer_UnknownOperationAcknowledged(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	conn := env.dial(t)
	readType(t, conn, MsgBulkResync)

	require.NoError(t, conn.WriteJSON(EditRequest{Type: MsgEdit, Operation: "smooth_square"}))
	ack := readType(t, conn, MsgEditAck)
	assert.Equal(t, "smooth_square", ack["operation"])
	assert.EqualValues(t, 0, ack["cost"])
	assert.Equal(t, false, ack["applied"])
}

func TestPeerServer_ErrorsAndRateLimit(t *testing.T) {
	metrics := NewMetrics(nil)
	env := newTestEnv(t, Options{EditRate: 0.01, EditBurst: 1, Metrics: metrics}, nil)
	conn := env.dial(t)
	readType(t, conn, MsgBulkResync)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readType(t, conn, MsgError)
	assert.Equal(t, ErrCodeBadMessage, msg["code"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "teleport"}))
	msg = readType(t, conn, MsgError)
	assert.Equal(t, ErrCodeUnknownType, msg["code"])

	edit := EditRequest{Type: MsgEdit, Operation: world.OpDig, Position: vec.Vec3Float{X: 1, Y: 1, Z: 1}}
	require.NoError(t, conn.WriteJSON(edit))
	readType(t, conn, MsgEditAck)
	require.NoError(t, conn.WriteJSON(edit))
	msg = readType(t, conn, MsgError)
	assert.Equal(t, ErrCodeRateLimited, msg["code"], "вторая правка сверх burst отклоняется")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RateLimited))
}

func TestPeerServer_PositionTracksPlayer(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	conn := env.dial(t)
	readType(t, conn, MsgBulkResync)

	require.NoError(t, conn.WriteJSON(PositionMessage{Type: MsgPosition, Position: vec.Vec3Float{X: 20, Y: 15, Z: 4}}))

	players := func() int {
		n := 0
		env.do(t, func(wm *world.WorldManager) { n = wm.PlayerCount() })
		return n
	}
	require.Eventually(t, func() bool { return players() == 1 }, 2*time.Second, 10*time.Millisecond)

	// стриминг вокруг игрока подгружает его чанк
	require.Eventually(t, func() bool {
		loaded := false
		env.do(t, func(wm *world.WorldManager) { loaded = wm.IsLoaded("1_0") })
		return loaded
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return players() == 0 }, 2*time.Second, 10*time.Millisecond, "отключение снимает игрока")
	assert.Eventually(t, func() bool { return env.server.PeerCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPeerServer_CloseRejectsNewPeers(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	conn := env.dial(t)
	readType(t, conn, MsgBulkResync)

	env.server.Close()
	assert.Zero(t, env.server.PeerCount())

	url := "ws" + strings.TrimPrefix(env.http.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPeerServer_EditDuringConnectReachesPeer(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	env.do(t, func(wm *world.WorldManager) {
		_ = wm.Store.LoadImmediate(0, 0, false)
	})

	// держим горутину тика: подключение и правка встают в очередь мира
	release := make(chan struct{})
	blocked := make(chan struct{})
	go func() {
		_ = env.world.Do(context.Background(), func(*world.WorldManager) {
			close(blocked)
			<-release
		})
	}()
	<-blocked

	conn := env.dial(t)
	time.Sleep(20 * time.Millisecond)
	edited := make(chan error, 1)
	go func() {
		edited <- env.world.Do(context.Background(), func(wm *world.WorldManager) {
			wm.Editor.Dig(vec.Vec3Float{X: 5.5, Y: 5.5, Z: 5.5}, "")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, <-edited)

	resync := readType(t, conn, MsgBulkResync)
	if len(resync["chunks"].([]any)) == 1 {
		return
	}
	update := readType(t, conn, MsgChunkUpdate)
	assert.EqualValues(t, 0, update["chunk_x"], "правка после снимка приходит как chunk_update")
	assert.EqualValues(t, 0, update["chunk_z"])
}
