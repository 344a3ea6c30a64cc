package transcode

import (
	"reflect"
	"testing"
)

func TestBuildArgs(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
		want []string
	}{
		{
			name: "copy codecs",
			spec: Spec{Input: "/media/show.mp4", IngestURL: "rtmp://ingest.example/live", StreamKey: "abc"},
			want: []string{
				"-hide_banner", "-loglevel", "warning", "-re",
				"-i", "/media/show.mp4",
				"-c:v", "copy", "-c:a", "copy",
				"-f", "flv", "rtmp://ingest.example/live/abc",
			},
		},
		{
			name: "loop and encode",
			spec: Spec{Input: "/media/loop.mp4", Loop: true, Encode: true, IngestURL: "rtmp://ingest.example/live/", StreamKey: "xyz"},
			want: []string{
				"-hide_banner", "-loglevel", "warning", "-re",
				"-stream_loop", "-1",
				"-i", "/media/loop.mp4",
				"-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency", "-g", "60",
				"-c:a", "aac", "-b:a", "128k", "-ar", "44100",
				"-f", "flv", "rtmp://ingest.example/live/xyz",
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := buildArgs(tc.spec)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("args mismatch:\n got %v\nwant %v", got, tc.want)
			}
		})
	}
}

func TestSpecValidate(t *testing.T) {
	valid := Spec{Input: "/media/a.mp4", IngestURL: "rtmp://x/live", StreamKey: "k"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
	for _, tc := range []struct {
		name string
		spec Spec
	}{
		{"missing input", Spec{IngestURL: "rtmp://x/live", StreamKey: "k"}},
		{"missing ingest", Spec{Input: "/media/a.mp4", StreamKey: "k"}},
		{"missing key", Spec{Input: "/media/a.mp4", IngestURL: "rtmp://x/live"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.spec.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
