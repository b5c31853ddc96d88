// Stub persona backend speaking the bridge's binary TCP protocol. Echoes
// text turns, answers audio with a short synthetic tone, and emits periodic
// keepalives. For local development and manual bridge testing only.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math"
	"net"
	"time"

	"github.com/bytedance/sonic"

	"voicebridge/wire"
)

func main() {
	addr := flag.String("addr", ":9100", "listen address")
	keepalive := flag.Duration("keepalive", 15*time.Second, "keepalive interval (0 to disable)")
	flag.Parse()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	log.Printf("fake backend listening on %s", *addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatalf("accept: %v", err)
		}
		go serve(conn, *keepalive)
	}
}

func serve(conn net.Conn, keepalive time.Duration) {
	defer conn.Close()
	log.Printf("peer connected: %s", conn.RemoteAddr())

	stop := make(chan struct{})
	defer close(stop)

	if keepalive > 0 {
		go func() {
			ticker := time.NewTicker(keepalive)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					if err := writeFrame(conn, wire.Frame{Marker: wire.MarkerKeepalive}); err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			log.Printf("peer %s gone: %v", conn.RemoteAddr(), err)
			return
		}

		switch frame.Marker {
		case wire.MarkerTextFromClient:
			var in struct {
				Text string `json:"text"`
			}
			_ = sonic.Unmarshal(frame.Payload, &in)
			reply, _ := sonic.Marshal(map[string]any{
				"text":     fmt.Sprintf("you said: %s", in.Text),
				"is_audio": false,
			})
			if err := writeFrame(conn, wire.Frame{Marker: wire.MarkerTextToClient, Payload: reply}); err != nil {
				return
			}

		case wire.MarkerAudioFromClient:
			if err := writeFrame(conn, toneFrame()); err != nil {
				return
			}

		case wire.MarkerCallModeStart, wire.MarkerCallModeEnd,
			wire.MarkerCharacterSwitch, wire.MarkerStopPlayback:
			log.Printf("control frame 0x%02x (%d payload bytes)", uint32(frame.Marker), len(frame.Payload))

		default:
			log.Printf("unexpected marker 0x%02x", uint32(frame.Marker))
		}
	}
}

// toneFrame builds an audio frame carrying 200ms of 440 Hz PCM16 at 24 kHz.
func toneFrame() wire.Frame {
	const (
		sampleRate = 24000
		samples    = sampleRate / 5
	)

	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/sampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}

	meta, _ := sonic.Marshal(map[string]any{"format": "pcm16", "sample_rate": sampleRate})
	payload := make([]byte, 4+len(meta)+len(pcm))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(meta)))
	copy(payload[4:], meta)
	copy(payload[4+len(meta):], pcm)

	return wire.Frame{Marker: wire.MarkerAudioToClient, Payload: payload}
}

func writeFrame(conn net.Conn, f wire.Frame) error {
	_, err := conn.Write(f.Encode())
	return err
}
