package parser

import (
	"bufio"
	"io"
	"strings"

	"github.com/grafana/regexp"

	"mktv-gateway/work/types"
)

const (
	// DefaultGroup labels channels whose EXTINF line carries no group-title.
	DefaultGroup = "Autres"
	// DefaultName labels channels whose EXTINF line carries no display name.
	DefaultName = "Unnamed channel"
)

// attrRegex matches key="value" attribute pairs inside the EXTINF metadata.
var attrRegex = regexp.MustCompile(`([\w-]+)="([^"]*)"`)

// channelMeta holds the attributes parsed from an EXTINF line, waiting for the
// companion URL line that follows it.
type channelMeta struct {
	id    string
	name  string
	logo  string
	group string
}

// ParsePlaylist scans M3U playlist text into catalog channels. An EXTINF line
// introduces metadata for the next non-comment, non-blank line, which becomes
// that channel's playable URL; the pairing is purely positional. Other comment
// lines and URLs with no preceding metadata are skipped.
func ParsePlaylist(r io.Reader) []types.Channel {
	var channels []types.Channel
	var pending *channelMeta

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#EXTINF") {
			meta := parseExtinf(line)
			pending = &meta
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if pending == nil {
			continue
		}

		channels = append(channels, types.Channel{
			ID:    pending.id,
			Name:  pending.name,
			Logo:  pending.logo,
			Group: pending.group,
			URL:   line,
		})
		pending = nil
	}

	return channels
}

// parseExtinf splits an EXTINF line into attributes and display name. The name
// follows the first top-level comma; commas inside quoted attribute values
// (group-title="News, Local") must not split, so quote state is tracked while
// scanning forward.
func parseExtinf(line string) channelMeta {
	payload := strings.TrimSpace(strings.TrimPrefix(line, "#EXTINF:"))

	commaIndex := -1
	inQuotes := false
	for i := 0; i < len(payload); i++ {
		switch payload[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				commaIndex = i
			}
		}
		if commaIndex >= 0 {
			break
		}
	}

	attrsPart := payload
	name := ""
	if commaIndex >= 0 {
		attrsPart = strings.TrimSpace(payload[:commaIndex])
		name = strings.TrimSpace(payload[commaIndex+1:])
	}

	attrs := make(map[string]string)
	for _, match := range attrRegex.FindAllStringSubmatch(attrsPart, -1) {
		attrs[match[1]] = match[2]
	}

	meta := channelMeta{
		id:    attrs["tvg-id"],
		logo:  attrs["tvg-logo"],
		group: attrs["group-title"],
		name:  name,
	}
	if meta.group == "" {
		meta.group = DefaultGroup
	}
	if meta.name == "" {
		meta.name = DefaultName
	}
	return meta
}
