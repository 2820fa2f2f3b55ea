package video

import "sort"

// Profile describes one rendition of the fixed encoding ladder.
type Profile struct {
	Name        string `json:"name"`
	Width       int64  `json:"width"`
	Height      int64  `json:"height"`
	VideoKbps   int64  `json:"videoKbps"`
	AudioKbps   int64  `json:"audioKbps"`
	H264Profile string `json:"h264Profile"`
	H264Level   string `json:"h264Level"`
	// Codecs is the RFC 6381 string advertised in the master playlist.
	Codecs string `json:"codecs"`
}

// Bandwidth is the BANDWIDTH attribute value for the master playlist.
func (p Profile) Bandwidth() int64 {
	return p.VideoKbps * 1000
}

// The encoding ladder is fixed; requests pick a subset by name.
var Ladder = []Profile{
	{Name: "1080p", Width: 1920, Height: 1080, VideoKbps: 6593, AudioKbps: 192, H264Profile: "high", H264Level: "4.0", Codecs: "avc1.640028,mp4a.40.5"},
	{Name: "720p", Width: 1280, Height: 720, VideoKbps: 2766, AudioKbps: 128, H264Profile: "high", H264Level: "4.0", Codecs: "avc1.640028,mp4a.40.5"},
	{Name: "480p", Width: 854, Height: 480, VideoKbps: 1395, AudioKbps: 128, H264Profile: "main", H264Level: "3.1", Codecs: "avc1.42001f,mp4a.40.5"},
	{Name: "360p", Width: 640, Height: 360, VideoKbps: 1038, AudioKbps: 96, H264Profile: "main", H264Level: "3.1", Codecs: "avc1.4d001f,mp4a.40.5"},
	{Name: "240p", Width: 426, Height: 240, VideoKbps: 400, AudioKbps: 64, H264Profile: "baseline", H264Level: "3.0", Codecs: "avc1.42001e,mp4a.40.5"},
}

// ProfileByName looks a rendition up in the ladder.
func ProfileByName(name string) (Profile, bool) {
	for _, p := range Ladder {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// IsValidResolution reports whether name is part of the ladder.
func IsValidResolution(name string) bool {
	_, ok := ProfileByName(name)
	return ok
}

// AllResolutions returns the ladder names in descending height order. This is
// the default set when a submission does not pick resolutions.
func AllResolutions() []string {
	names := make([]string, len(Ladder))
	for i, p := range Ladder {
		names[i] = p.Name
	}
	return names
}

// FilterValidResolutions drops requested renditions taller than the source
// (no-upscale invariant), preserving the requested order.
func FilterValidResolutions(requested []string, sourceHeight int64) []string {
	valid := make([]string, 0, len(requested))
	for _, name := range requested {
		p, ok := ProfileByName(name)
		if !ok {
			continue
		}
		if p.Height <= sourceHeight {
			valid = append(valid, name)
		}
	}
	return valid
}

// SortByHeightDesc orders rendition names tallest-first, the order both the
// per-resolution processing loop and the master playlist use.
func SortByHeightDesc(names []string) []string {
	sorted := append([]string{}, names...)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, _ := ProfileByName(sorted[i])
		pj, _ := ProfileByName(sorted[j])
		return pi.Height > pj.Height
	})
	return sorted
}
