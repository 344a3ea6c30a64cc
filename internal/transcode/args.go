package transcode

import (
	"fmt"
	"strings"
)

// Spec describes one ffmpeg invocation pushing a local source to the
// platform ingest endpoint.
type Spec struct {
	StreamID  string
	Input     string
	Loop      bool
	Encode    bool
	IngestURL string
	StreamKey string
}

// Validate checks that the spec carries everything buildArgs needs.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Input) == "" {
		return fmt.Errorf("input source is required")
	}
	if strings.TrimSpace(s.IngestURL) == "" {
		return fmt.Errorf("ingest URL is required")
	}
	if strings.TrimSpace(s.StreamKey) == "" {
		return fmt.Errorf("stream key is required")
	}
	return nil
}

// Target returns the RTMP publish URL for the spec.
func (s Spec) Target() string {
	return strings.TrimRight(s.IngestURL, "/") + "/" + s.StreamKey
}

// buildArgs assembles the ffmpeg argument list. Sources are read at native
// speed so the ingest endpoint sees realtime delivery. Without re-encoding
// the codecs are copied straight through; with it the video track goes
// through libx264 tuned for live delivery.
func buildArgs(spec Spec) []string {
	args := []string{"-hide_banner", "-loglevel", "warning", "-re"}
	if spec.Loop {
		args = append(args, "-stream_loop", "-1")
	}
	args = append(args, "-i", spec.Input)
	if spec.Encode {
		args = append(args,
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-tune", "zerolatency",
			"-g", "60",
			"-c:a", "aac",
			"-b:a", "128k",
			"-ar", "44100",
		)
	} else {
		args = append(args, "-c:v", "copy", "-c:a", "copy")
	}
	args = append(args, "-f", "flv", spec.Target())
	return args
}
