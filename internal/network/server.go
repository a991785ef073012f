package network

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/annel0/voxel-terrain/internal/logging"
	"github.com/annel0/voxel-terrain/internal/world"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
	worldTimeout   = 5 * time.Second
)

// Options параметры PeerServer
type Options struct {
	EditRate  float64 // правок в секунду на пира
	EditBurst int
	Metrics   *Metrics
}

// Peer подключённый клиент
type Peer struct {
	conn      *websocket.Conn // WebSocket соединение
	send      chan []byte     // Канал для отправки сообщений
	id        string          // Уникальный идентификатор (UUID)
	limiter   *rate.Limiter   // Ограничитель правок

	mu           sync.Mutex
	closed       bool
	lastActivity time.Time

	// защищены PeerServer.mu
	registered bool
	abandoned  bool
}

// ID идентификатор пира, он же id отслеживаемого игрока
func (p *Peer) ID() string { return p.id }

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

// LastActivity время последнего входящего сообщения
func (p *Peer) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// offer кладёт сообщение в очередь без блокировки. full=true, если очередь переполнена.
func (p *Peer) offer(data []byte) (sent, full bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, false
	}
	select {
	case p.send <- data:
		return true, false
	default:
		return false, true
	}
}

// closeSend закрывает очередь отправки один раз
func (p *Peer) closeSend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

// PeerServer раздаёт изменения террейна по websocket и принимает правки
// и позиции игроков. Мир трогается только через WorldManager.Do.
type PeerServer struct {
	world    *world.WorldManager
	upgrader websocket.Upgrader
	opts     Options
	metrics  *Metrics
	log      *logging.Logger

	mu     sync.RWMutex
	peers  map[string]*Peer
	closed bool
	wg     sync.WaitGroup
}

// NewPeerServer создаёт сервер. Подписка на правки мира (OnEdit) регистрируется
// вызывающим кодом до запуска цикла тиков.
func NewPeerServer(wm *world.WorldManager, opts Options) *PeerServer {
	if opts.EditRate <= 0 {
		opts.EditRate = 20
	}
	if opts.EditBurst <= 0 {
		opts.EditBurst = int(opts.EditRate * 2)
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &PeerServer{
		world: wm,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // В продакшене следует ограничить доступ
			},
		},
		opts:    opts,
		metrics: opts.Metrics,
		log:     logging.GetNetworkLogger(),
		peers:   make(map[string]*Peer),
	}
}

// PeerCount количество подключённых пиров
func (s *PeerServer) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// HandleConnection обрабатывает новое WebSocket подключение
func (s *PeerServer) HandleConnection(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Ошибка upgrade соединения %s: %v", r.RemoteAddr, err)
		return
	}

	peer := &Peer{
		conn:         conn,
		send:         make(chan []byte, sendQueueSize),
		id:           uuid.NewString(),
		limiter:      rate.NewLimiter(rate.Limit(s.opts.EditRate), s.opts.EditBurst),
		lastActivity: time.Now(),
	}

	registered, err := s.registerWithResync(peer)
	if err != nil {
		s.log.Warn("Пир %s: не удалось собрать bulk_resync: %v", peer.id, err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "world unavailable"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	if !registered {
		conn.Close()
		return
	}
	s.log.Info("🔌 Пир подключен: %s (%s)", peer.id, r.RemoteAddr)

	go s.writePump(peer)
	go s.readPump(peer)
}

// registerWithResync собирает снимок изменённых чанков, ставит bulk_resync
// в очередь пира и регистрирует его одной командой на горутине тика.
// Правка попадает либо в снимок, либо в chunk_update после него.
func (s *PeerServer) registerWithResync(peer *Peer) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), worldTimeout)
	defer cancel()

	var encErr error
	err := s.world.Do(ctx, func(wm *world.WorldManager) {
		chunks := wm.Store.CollectAllModified()
		if chunks == nil {
			chunks = []world.ModifiedChunk{}
		}
		data, err := json.Marshal(BulkResyncMessage{Type: MsgBulkResync, PeerID: peer.id, Chunks: chunks})
		if err != nil {
			encErr = err
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || peer.abandoned {
			return
		}
		peer.send <- data
		s.peers[peer.id] = peer
		s.wg.Add(2)
		peer.registered = true
		s.metrics.Messages.WithLabelValues("out", MsgBulkResync).Inc()
		s.metrics.ConnectedPeers.Inc()
	})
	if err != nil {
		// команда могла остаться в очереди мира или выполниться после таймаута
		s.mu.Lock()
		peer.abandoned = true
		late := peer.registered
		s.mu.Unlock()
		if late {
			// пампы не запускались
			s.disconnect(peer)
			s.wg.Add(-2)
		}
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return peer.registered, encErr
}

// disconnect снимает пира с учёта; очередь отправки закрывается один раз
func (s *PeerServer) disconnect(p *Peer) {
	s.mu.Lock()
	_, ok := s.peers[p.id]
	delete(s.peers, p.id)
	s.mu.Unlock()

	p.closeSend()
	if ok {
		s.metrics.ConnectedPeers.Dec()
	}
}

// readPump асинхронно читает сообщения от пира
func (s *PeerServer) readPump(p *Peer) {
	defer s.wg.Done()
	defer func() {
		s.disconnect(p)
		p.conn.Close()
		s.forgetPlayer(p)
		s.log.Info("🔌 Пир отключен: %s", p.id)
	}()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("Ошибка чтения от пира %s: %v", p.id, err)
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		p.touch()
		s.handleMessage(p, data)
	}
}

func (s *PeerServer) handleMessage(p *Peer, data []byte) {
	var head Message
	if err := json.Unmarshal(data, &head); err != nil {
		logging.LogProtocolError(p.id, err, data)
		s.sendError(p, ErrCodeBadMessage, "invalid json")
		return
	}
	switch head.Type {
	case MsgEdit, MsgPosition:
		s.metrics.Messages.WithLabelValues("in", head.Type).Inc()
	default:
		s.metrics.Messages.WithLabelValues("in", "unknown").Inc()
	}

	switch head.Type {
	case MsgEdit:
		var req EditRequest
		if err := json.Unmarshal(data, &req); err != nil {
			logging.LogProtocolError(p.id, err, data)
			s.sendError(p, ErrCodeBadMessage, "invalid edit")
			return
		}
		s.handleEdit(p, &req)
	case MsgPosition:
		var msg PositionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.LogProtocolError(p.id, err, data)
			s.sendError(p, ErrCodeBadMessage, "invalid position")
			return
		}
		s.handlePosition(p, &msg)
	default:
		s.sendError(p, ErrCodeUnknownType, head.Type)
	}
}

func (s *PeerServer) handleEdit(p *Peer, req *EditRequest) {
	if !p.limiter.Allow() {
		s.metrics.RateLimited.Inc()
		s.sendError(p, ErrCodeRateLimited, req.Operation)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), worldTimeout)
	defer cancel()

	var res world.EditResult
	err := s.world.Do(ctx, func(wm *world.WorldManager) {
		res = wm.Editor.Apply(req.Operation, req.Position, req.Data)
	})
	if err != nil {
		s.log.Warn("Пир %s: правка %s не выполнена: %v", p.id, req.Operation, err)
		s.sendError(p, ErrCodeUnavailable, err.Error())
		return
	}
	s.sendJSON(p, MsgEditAck, EditAckMessage{Type: MsgEditAck, EditResult: res})
}

func (s *PeerServer) handlePosition(p *Peer, msg *PositionMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), worldTimeout)
	defer cancel()

	err := s.world.Do(ctx, func(wm *world.WorldManager) {
		wm.SetPlayerPosition(p.id, msg.Position)
	})
	if err != nil && !errors.Is(err, world.ErrWorldStopped) {
		s.log.Warn("Пир %s: позиция не обновлена: %v", p.id, err)
	}
}

func (s *PeerServer) forgetPlayer(p *Peer) {
	ctx, cancel := context.WithTimeout(context.Background(), worldTimeout)
	defer cancel()
	err := s.world.Do(ctx, func(wm *world.WorldManager) {
		wm.RemovePlayer(p.id)
	})
	if err != nil && !errors.Is(err, world.ErrWorldStopped) {
		s.log.Warn("Пир %s: игрок не снят с учёта: %v", p.id, err)
	}
}

// writePump асинхронно отправляет сообщения пиру
func (s *PeerServer) writePump(p *Peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
		s.wg.Done()
	}()

	for {
		select {
		case message, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Канал закрыт
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue неблокирующая отправка; пир с переполненной очередью отключается
func (s *PeerServer) enqueue(p *Peer, data []byte) bool {
	sent, full := p.offer(data)
	if full {
		s.metrics.SlowPeers.Inc()
		s.log.Warn("Пир %s не успевает читать, отключаем", p.id)
		s.disconnect(p)
	}
	return sent
}

func (s *PeerServer) sendJSON(p *Peer, msgType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("Ошибка сериализации %s: %v", msgType, err)
		return
	}
	if s.enqueue(p, data) {
		s.metrics.Messages.WithLabelValues("out", msgType).Inc()
	}
}

func (s *PeerServer) sendError(p *Peer, code, message string) {
	s.sendJSON(p, MsgError, ErrorMessage{Type: MsgError, Code: code, Message: message})
}

// BroadcastChunk отправляет chunk_update всем пирам. Не блокирует: вызывается
// с горутины тика и из потребителя синхронизации.
func (s *PeerServer) BroadcastChunk(c world.ModifiedChunk) {
	data, err := json.Marshal(newChunkUpdate(c))
	if err != nil {
		s.log.Error("Ошибка сериализации chunk_update: %v", err)
		return
	}

	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		if s.enqueue(p, data) {
			s.metrics.Messages.WithLabelValues("out", MsgChunkUpdate).Inc()
		}
	}
}

// OnEdit слушатель правок мира
func (s *PeerServer) OnEdit(ev world.EditEvent) {
	s.BroadcastChunk(world.ModifiedChunk{ChunkX: ev.ChunkX, ChunkZ: ev.ChunkZ, Data: ev.Data})
}

// Close отключает всех пиров и ждёт завершения их горутин
func (s *PeerServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		s.disconnect(p)
		p.conn.Close()
	}
	s.wg.Wait()
	s.log.Info("PeerServer остановлен")
}
