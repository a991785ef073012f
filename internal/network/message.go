package network

import (
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/annel0/voxel-terrain/internal/world"
)

// Типы сообщений websocket-протокола
const (
	MsgBulkResync  = "bulk_resync"
	MsgChunkUpdate = "chunk_update"
	MsgEdit        = "edit"
	MsgEditAck     = "edit_ack"
	MsgPosition    = "position"
	MsgError       = "error"
)

// Message общий заголовок: по Type выбирается конкретная структура
type Message struct {
	Type string `json:"type"`
}

// BulkResyncMessage первое сообщение после подключения: все чанки,
// расходящиеся с генерацией
type BulkResyncMessage struct {
	Type   string                `json:"type"`
	PeerID string                `json:"peer_id"`
	Chunks []world.ModifiedChunk `json:"chunks"`
}

// ChunkUpdateMessage запись одного изменённого чанка
type ChunkUpdateMessage struct {
	Type   string `json:"type"`
	ChunkX int    `json:"chunk_x"`
	ChunkZ int    `json:"chunk_z"`
	Data   []byte `json:"data"`
}

// EditRequest правка террейна от пира
type EditRequest struct {
	Type      string         `json:"type"`
	Operation string         `json:"operation"`
	Position  vec.Vec3Float  `json:"position"`
	Data      map[string]any `json:"data,omitempty"`
}

// EditAckMessage ответ на правку
type EditAckMessage struct {
	Type string `json:"type"`
	world.EditResult
}

// PositionMessage позиция игрока пира
type PositionMessage struct {
	Type     string        `json:"type"`
	Position vec.Vec3Float `json:"position"`
}

// ErrorMessage сообщение об ошибке обработки
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Коды ошибок
const (
	ErrCodeBadMessage  = "bad_message"
	ErrCodeUnknownType = "unknown_type"
	ErrCodeRateLimited = "rate_limited"
	ErrCodeUnavailable = "unavailable"
)

func newChunkUpdate(c world.ModifiedChunk) ChunkUpdateMessage {
	return ChunkUpdateMessage{Type: MsgChunkUpdate, ChunkX: c.ChunkX, ChunkZ: c.ChunkZ, Data: c.Data}
}
