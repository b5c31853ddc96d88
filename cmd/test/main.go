// Interactive probe client for the bridge: connects over WebSocket, sends a
// text turn (or streams an audio file), and plays synthesized audio replies
// through sox.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voicebridge/messages"
)

// AudioPlayer streams audio via sox
type AudioPlayer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	closed bool
}

func NewAudioPlayer(sampleRate int) *AudioPlayer {
	cmd := exec.Command("sox",
		"-t", "raw",
		"-r", fmt.Sprint(sampleRate),
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Println("sox stdin error:", err)
		return nil
	}

	if err := cmd.Start(); err != nil {
		log.Println("sox start error:", err)
		return nil
	}

	return &AudioPlayer{cmd: cmd, stdin: stdin}
}

func (p *AudioPlayer) Play(audioData []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.stdin == nil {
		return
	}
	p.stdin.Write(audioData)
}

func (p *AudioPlayer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Wait()
	}
}

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/ws", "WebSocket server URL")
	text := flag.String("text", "Hello there!", "Text message to send")
	audioFile := flag.String("file", "", "Optional PCM/WAV file to stream as audio chunks")
	chatID := flag.String("chat", "probe-chat", "Chat ID")
	characterID := flag.String("character", "probe-character", "Character ID")
	flag.Parse()

	log.Printf("connecting to %s...", *serverURL)

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	player := NewAudioPlayer(24000)
	if player != nil {
		defer player.Close()
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Println("read error:", err)
				return
			}

			var msg messages.ServerMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Println("parse error:", err)
				continue
			}

			switch msg.Type {
			case messages.TypeConnected:
				log.Println("bridge connected to backend")

			case messages.TypeText:
				fmt.Printf("<< %s\n", msg.Text)

			case messages.TypeAudio:
				audioBytes, err := base64.StdEncoding.DecodeString(msg.Data)
				if err != nil {
					log.Println("bad audio data:", err)
					continue
				}
				log.Printf("playing %d bytes (%s @ %d Hz)", len(audioBytes), msg.Format, msg.SampleRate)
				if player != nil {
					player.Play(audioBytes)
				}

			case messages.TypeStopPlayback:
				log.Println("stop playback")

			case messages.TypeError:
				log.Printf("error [%s]: %s", msg.Code, msg.Message)

			case messages.TypeUnknown:
				log.Printf("unknown backend frame, marker=0x%02x", msg.Marker)
			}
		}
	}()

	// Wait for the connected confirmation to land
	time.Sleep(500 * time.Millisecond)

	if *audioFile != "" {
		sendAudioFile(conn, *audioFile, *chatID, *characterID)
	} else {
		out := messages.ClientMessage{
			Type:        messages.TypeText,
			Message:     *text,
			ChatID:      *chatID,
			CharacterID: *characterID,
		}
		if err := conn.WriteJSON(out); err != nil {
			log.Fatalf("send error: %v", err)
		}
		log.Printf(">> %s", *text)
	}

	select {
	case <-done:
		log.Println("connection closed")
	case <-interrupt:
		log.Println("interrupted, closing...")
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	case <-time.After(60 * time.Second):
		log.Println("timeout waiting for response")
	}
}

// sendAudioFile streams a PCM file as base64 audio chunks at a real-time-ish
// pace.
func sendAudioFile(conn *websocket.Conn, path, chatID, characterID string) {
	audioData, err := loadAudioFile(path)
	if err != nil {
		log.Fatalf("Failed to load audio: %v", err)
	}

	chunkSize := 3200 // 100ms at 16kHz PCM16
	for i := 0; i < len(audioData); i += chunkSize {
		end := i + chunkSize
		if end > len(audioData) {
			end = len(audioData)
		}

		msg := messages.ClientMessage{
			Type:        messages.TypeAudio,
			Data:        base64.StdEncoding.EncodeToString(audioData[i:end]),
			Format:      "pcm16",
			SampleRate:  16000,
			ChatID:      chatID,
			CharacterID: characterID,
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("send error: %v", err)
			return
		}

		time.Sleep(100 * time.Millisecond)
	}

	log.Println("audio sent, waiting for response...")
}

// loadAudioFile loads PCM or WAV file and returns raw PCM bytes
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Standard WAV files carry a 44-byte RIFF header
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		return data[44:], nil
	}

	return data, nil
}
