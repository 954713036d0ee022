// Command replay runs recorded recognizer and realtime traces through a
// session on a simulated clock and prints the resulting transcript.
//
// Usage:
//
//	replay run trace.yaml [more.yaml...]
//	replay check trace.yaml
//
// Trace file (trace.yaml):
//
//	name: early response
//	entries:
//	  - at: 0s
//	    recognizer: {text: "we can ship by Friday.", final: true}
//	  - at: 900ms
//	    realtime: '{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_1","transcript":"We can ship by Friday."}'
//	  - at: 5s
//	    stop: true
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
