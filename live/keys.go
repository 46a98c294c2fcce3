package live

import (
	"strconv"
	"strings"
	"time"
)

// LiveKey is the session identity: "<platform>:<stable room id>".
func LiveKey(p Platform, roomID string) string {
	return string(p) + ":" + roomID
}

// SplitLiveKey parses a key produced by LiveKey.
func SplitLiveKey(key string) (Platform, string, bool) {
	prefix, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return "", "", false
	}
	p := Platform(prefix)
	if !p.Valid() {
		return "", "", false
	}
	return p, id, true
}

// ArchiveKey identifies one broadcast of a room: "<live_key>@<started_at unix seconds>".
func ArchiveKey(liveKey string, startedAt time.Time) string {
	return liveKey + "@" + strconv.FormatInt(startedAt.Unix(), 10)
}

// ParseLegacyKey recognizes keys written before the "<platform>:<id>" scheme:
// "showroom-<room_url_key>", "idn-<slug>" and bare ids (numeric ids were showroom rooms).
// ok is false for keys already in the current format.
func ParseLegacyKey(key string) (p Platform, rest string, ok bool) {
	if _, _, current := SplitLiveKey(key); current || key == "" {
		return "", "", false
	}
	if r, found := strings.CutPrefix(key, "showroom-"); found {
		return PlatformShowroom, r, true
	}
	if r, found := strings.CutPrefix(key, "idn-"); found {
		return PlatformIDN, r, true
	}
	if _, err := strconv.ParseInt(key, 10, 64); err == nil {
		return PlatformShowroom, key, true
	}
	return PlatformIDN, key, true
}
