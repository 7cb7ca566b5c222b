// Package live streams microphone audio and periodic camera frames to a
// remote multimodal live endpoint and plays the synthesized reply gaplessly.
//
// # Architecture
//
//	-- Session:     lifecycle controller; owns every resource below and
//	                guarantees release on every exit path
//	-- MicCapture:  exclusive 16 kHz mono capture aggregated into fixed blocks
//	-- CameraCapture: ffmpeg MJPEG reader keeping only the newest frame
//	-- Conn:        the live WebSocket; setup handshake, deferred sends,
//	                ordered inbound event decoding
//	-- Graph:       output audio graph; mixes scheduled PCM sources into the
//	                speaker stream, time advances only as frames render
//	-- Scheduler:   places reply chunks back to back on the graph cursor
//
// # Data Flow
//
//	mic blocks ──────► Conn.SendAudioChunk ─┐
//	camera frames ───► Conn.SendImageFrame ─┼──► live endpoint
//	                                         │
//	transcript deltas ◄── dispatch loop ◄────┘
//	reply audio ───────► Scheduler ► Graph ► speaker
//
// # State Machine
//
//	IDLE ──Start──► CONNECTING ──opened──► ACTIVE ──remote close / Stop──► IDLE
//	                    │                     │
//	                    └──failure──► ERROR ◄─┴── remote error
//
// Stop from any non-idle state returns the session to IDLE, including from
// ERROR, which rearms it for another Start.
//
// # Usage
//
//	cfg := live.DefaultSessionConfig()
//	cfg.Live.APIKey = os.Getenv("GEMINI_API_KEY")
//
//	session := live.NewSession(cfg, logger)
//	if err := session.Start(ctx); err != nil {
//	    return err
//	}
//	for event := range session.Events() {
//	    switch e := event.(type) {
//	    case *live.TranscriptDeltaEvent:
//	        fmt.Printf("%s: %s\n", e.Role, e.Text)
//	    case *live.ErrorEvent:
//	        log.Error("session failed", "error", e.Err)
//	    }
//	}
package live
