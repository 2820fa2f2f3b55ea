package pipeline

import (
	"path/filepath"
	"strings"
)

// Payload is the queue entry body for a transcode job.
type Payload struct {
	OriginalKey string   `json:"originalKey"`
	Resolutions []string `json:"resolutions"`
	VideoName   string   `json:"videoName"`
	Environment string   `json:"environment"`
	CallbackURL string   `json:"callbackUrl,omitempty"`
}

// Container formats the pipeline expects to handle. Anything else gets a
// warning at initialization but is still handed to the encoder, which is the
// real authority on what it can decode.
var supportedExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".avi":  true,
	".webm": true,
	".m4v":  true,
	".mpg":  true,
	".mpeg": true,
	".wmv":  true,
	".flv":  true,
	".ts":   true,
}

func isSupportedExtension(key string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(key))]
}

var contentTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/mp2t",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".mp4":  "video/mp4",
}

// contentTypeFor picks the upload content type by file extension.
func contentTypeFor(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
