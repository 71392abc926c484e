package media

import (
	"sort"
	"strings"
)

// Format describes one encoder output target
type Format struct {
	Name        string
	Ext         string
	ContentType string
	Args        []string // ffmpeg output arguments placed before the output path
	Image       bool     // single-frame output
}

// formats maps target names to ffmpeg output settings
var formats = map[string]Format{
	"mp3":  {Name: "mp3", Ext: "mp3", ContentType: "audio/mpeg", Args: []string{"-vn", "-c:a", "libmp3lame", "-q:a", "4"}},
	"ogg":  {Name: "ogg", Ext: "ogg", ContentType: "audio/ogg", Args: []string{"-vn", "-c:a", "libvorbis", "-q:a", "4"}},
	"opus": {Name: "opus", Ext: "opus", ContentType: "audio/opus", Args: []string{"-vn", "-c:a", "libopus", "-b:a", "96k"}},
	"wav":  {Name: "wav", Ext: "wav", ContentType: "audio/wav", Args: []string{"-vn", "-c:a", "pcm_s16le"}},
	"mp4": {Name: "mp4", Ext: "mp4", ContentType: "video/mp4", Args: []string{
		"-c:v", "libx264", "-preset", "veryfast", "-crf", "28", "-pix_fmt", "yuv420p",
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2", "-c:a", "aac", "-b:a", "128k", "-movflags", "+faststart",
	}},
	"webm": {Name: "webm", Ext: "webm", ContentType: "video/webm", Args: []string{
		"-c:v", "libvpx-vp9", "-b:v", "0", "-crf", "35", "-deadline", "realtime", "-c:a", "libopus",
	}},
	"gif": {Name: "gif", Ext: "gif", ContentType: "image/gif", Args: []string{
		"-vf", "fps=10,scale='min(480,iw)':-1:flags=lanczos", "-loop", "0", "-an",
	}},
	"png":  {Name: "png", Ext: "png", ContentType: "image/png", Args: []string{"-frames:v", "1", "-update", "1"}, Image: true},
	"jpg":  {Name: "jpg", Ext: "jpg", ContentType: "image/jpeg", Args: []string{"-frames:v", "1", "-update", "1", "-q:v", "3"}, Image: true},
	"webp": {Name: "webp", Ext: "webp", ContentType: "image/webp", Args: []string{"-frames:v", "1", "-update", "1", "-c:v", "libwebp", "-quality", "80"}, Image: true},
}

var aliases = map[string]string{
	"jpeg": "jpg",
	"m4v":  "mp4",
	"oga":  "ogg",
}

// LookupFormat resolves a user supplied format name
func LookupFormat(name string) (Format, bool) {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "."))
	if alias, ok := aliases[name]; ok {
		name = alias
	}
	f, ok := formats[name]
	return f, ok
}

// FormatNames returns the supported target names, sorted
func FormatNames() []string {
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
