package video

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/grafov/m3u8"
)

// MasterPlaylist renders the top-level manifest for the given rendition names.
// Entries come out in descending height order regardless of input order, and
// the attribute layout is fixed because downstream players key off it.
func MasterPlaylist(resolutions []string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, name := range SortByHeightDesc(resolutions) {
		p, ok := ProfileByName(name)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=%q\n", p.Bandwidth(), p.Width, p.Height, p.Codecs)
		fmt.Fprintf(&b, "hls_%s/index-.m3u8\n", name)
	}
	return b.String()
}

// ValidateRenditionPlaylist parses an encoder-produced media playlist and
// checks it references at least one segment. An empty rendition would upload
// cleanly but play as a black screen, so it is rejected here instead.
func ValidateRenditionPlaylist(path string) (segments int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open rendition playlist %s: %w", path, err)
	}
	defer f.Close()

	playlist, playlistType, err := m3u8.DecodeFrom(bufio.NewReader(f), true)
	if err != nil {
		return 0, fmt.Errorf("failed to parse rendition playlist %s: %w", path, err)
	}
	if playlistType != m3u8.MEDIA {
		return 0, fmt.Errorf("rendition playlist %s is not a media playlist", path)
	}
	mediaPlaylist := playlist.(*m3u8.MediaPlaylist)
	for _, segment := range mediaPlaylist.Segments {
		if segment != nil && segment.URI != "" {
			segments++
		}
	}
	if segments == 0 {
		return 0, fmt.Errorf("rendition playlist %s contains no segments", path)
	}
	return segments, nil
}
