package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/annel0/voxel-terrain/internal/network"
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/gorilla/websocket"
)

const defaultServerAddr = "localhost:8088"

func main() {
	var (
		serverAddr = flag.String("server", defaultServerAddr, "адрес сервера террейна (host:port)")
		command    = flag.String("cmd", "tail", "Команда: tail, edit, stats")
		operation  = flag.String("op", "dig", "Операция правки для -cmd edit")
		position   = flag.String("pos", "0,0,0", "Позиция правки x,y,z")
		tool       = flag.String("tool", "", "Инструмент для dig")
		earth      = flag.Int("earth", 1, "earth_amount для place")
		limit      = flag.Int("limit", 0, "Сколько обновлений показать в tail (0 без ограничения)")
	)
	flag.Parse()

	switch *command {
	case "tail":
		if err := tailUpdates(*serverAddr, *limit); err != nil {
			log.Fatalf("❌ Tail failed: %v", err)
		}

	case "edit":
		pos, err := parsePosition(*position)
		if err != nil {
			log.Fatalf("❌ Invalid position: %v", err)
		}
		data := map[string]any{"tool": *tool, "earth_amount": *earth}
		if err := sendEdit(*serverAddr, *operation, pos, data); err != nil {
			log.Fatalf("❌ Edit failed: %v", err)
		}

	case "stats":
		if err := showStats(*serverAddr); err != nil {
			log.Fatalf("❌ Stats failed: %v", err)
		}

	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: tail, edit, stats")
		os.Exit(1)
	}
}

func dial(addr string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("подключение к %s: %w", u.String(), err)
	}
	return conn, nil
}

// tailUpdates печатает bulk_resync и последующие chunk_update
func tailUpdates(addr string, limit int) error {
	conn, err := dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("🎬 Tailing terrain updates from %s\n", addr)

	updates := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("stream error: %w", err)
		}

		var head network.Message
		if err := json.Unmarshal(data, &head); err != nil {
			fmt.Printf("⚠️  bad message: %v\n", err)
			continue
		}

		switch head.Type {
		case network.MsgBulkResync:
			var msg network.BulkResyncMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return err
			}
			fmt.Printf("📦 bulk_resync peer=%s chunks=%d\n", msg.PeerID, len(msg.Chunks))
			for _, c := range msg.Chunks {
				fmt.Printf("   %d_%d (%d bytes)\n", c.ChunkX, c.ChunkZ, len(c.Data))
			}
		case network.MsgChunkUpdate:
			var msg network.ChunkUpdateMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return err
			}
			updates++
			fmt.Printf("[%s] 🧱 %d_%d (%d bytes)\n", time.Now().Format("15:04:05"), msg.ChunkX, msg.ChunkZ, len(msg.Data))
		default:
			fmt.Printf("ℹ️  %s\n", head.Type)
		}

		if limit > 0 && updates >= limit {
			break
		}
	}

	fmt.Printf("\n📊 Total updates: %d\n", updates)
	return nil
}

// sendEdit отправляет правку и ждёт edit_ack
func sendEdit(addr, op string, pos vec.Vec3Float, data map[string]any) error {
	conn, err := dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	err = conn.WriteJSON(network.EditRequest{
		Type:      network.MsgEdit,
		Operation: op,
		Position:  pos,
		Data:      data,
	})
	if err != nil {
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ожидание edit_ack: %w", err)
		}

		var head network.Message
		if err := json.Unmarshal(raw, &head); err != nil {
			continue
		}
		switch head.Type {
		case network.MsgEditAck:
			var ack network.EditAckMessage
			if err := json.Unmarshal(raw, &ack); err != nil {
				return err
			}
			fmt.Printf("✅ %s cost=%d applied=%v chunks=%v\n", ack.Operation, ack.Cost, ack.Applied, ack.Chunks)
			return nil
		case network.MsgError:
			var e network.ErrorMessage
			_ = json.Unmarshal(raw, &e)
			return fmt.Errorf("%s: %s", e.Code, e.Message)
		}
	}
}

// showStats выводит /api/stats
func showStats(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/api/stats")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		return err
	}
	out, _ := json.MarshalIndent(pretty["data"], "", "  ")
	fmt.Println("📊 Terrain server statistics")
	fmt.Println(string(out))
	return nil
}

func parsePosition(s string) (vec.Vec3Float, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return vec.Vec3Float{}, fmt.Errorf("ожидается x,y,z: %q", s)
	}
	var coords [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return vec.Vec3Float{}, err
		}
		coords[i] = v
	}
	return vec.Vec3Float{X: coords[0], Y: coords[1], Z: coords[2]}, nil
}
