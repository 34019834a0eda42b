package proxy

import (
	"net/url"
	"strings"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

// proxiedTarget extracts the url parameter from a rewritten proxy link.
func proxiedTarget(t *testing.T, line string) string {
	t.Helper()
	if !strings.HasPrefix(line, "/api/proxy?") {
		t.Fatalf("expected proxy link, got %q", line)
	}
	params, err := url.ParseQuery(strings.TrimPrefix(line, "/api/proxy?"))
	if err != nil {
		t.Fatal(err)
	}
	return params.Get("url")
}

func TestRewriteManifestRoundTrip(t *testing.T) {
	base := mustParse(t, "https://cdn.example.com/live/chan/index.m3u8?token=abc")
	manifest := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXTINF:6.0,
seg001.ts
#EXTINF:6.0,
sub/seg002.ts
#EXTINF:6.0,
/absolute/seg003.ts
#EXTINF:6.0,
https://other.example.net/seg004.ts
#EXTINF:6.0,
//mirror.example.org/seg005.ts
#EXT-X-ENDLIST`

	rctx := RewriteContext{StreamID: "sid-1", BearerToken: "tok-1"}
	rewritten := RewriteManifest(manifest, base, rctx)

	want := []string{
		"https://cdn.example.com/live/chan/seg001.ts",
		"https://cdn.example.com/live/chan/sub/seg002.ts",
		"https://cdn.example.com/absolute/seg003.ts",
		"https://other.example.net/seg004.ts",
		"https://mirror.example.org/seg005.ts",
	}

	var got []string
	for _, line := range strings.Split(rewritten, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		got = append(got, proxiedTarget(t, trimmed))
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d rewritten segments, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("segment %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRewriteManifestCarriesSessionAndAuth(t *testing.T) {
	base := mustParse(t, "https://cdn.example.com/index.m3u8")
	rewritten := RewriteManifest("#EXTM3U\nseg.ts", base, RewriteContext{StreamID: "sid-9", BearerToken: "tok-9"})

	line := strings.Split(rewritten, "\n")[1]
	params, err := url.ParseQuery(strings.TrimPrefix(line, "/api/proxy?"))
	if err != nil {
		t.Fatal(err)
	}
	if params.Get("sid") != "sid-9" {
		t.Errorf("expected sid carried through, got %q", params.Get("sid"))
	}
	if params.Get("at") != "tok-9" {
		t.Errorf("expected bearer token carried through, got %q", params.Get("at"))
	}
}

func TestRewriteManifestURIAttribute(t *testing.T) {
	base := mustParse(t, "https://cdn.example.com/live/index.m3u8")
	manifest := `#EXTM3U
#EXT-X-KEY:METHOD=AES-128,URI="keys/key.bin",IV=0x1234
seg.ts`

	rewritten := RewriteManifest(manifest, base, RewriteContext{StreamID: "s", BearerToken: "t"})
	lines := strings.Split(rewritten, "\n")

	keyLine := lines[1]
	if !strings.HasPrefix(keyLine, `#EXT-X-KEY:METHOD=AES-128,URI="/api/proxy?`) {
		t.Fatalf("expected URI rewritten in place, got %q", keyLine)
	}
	if !strings.HasSuffix(keyLine, `,IV=0x1234`) {
		t.Fatalf("expected directive tail preserved, got %q", keyLine)
	}

	start := strings.Index(keyLine, `URI="`) + len(`URI="`)
	end := strings.LastIndex(keyLine, `"`)
	params, err := url.ParseQuery(strings.TrimPrefix(keyLine[start:end], "/api/proxy?"))
	if err != nil {
		t.Fatal(err)
	}
	if params.Get("url") != "https://cdn.example.com/live/keys/key.bin" {
		t.Errorf("unexpected key URI target: %q", params.Get("url"))
	}
}

func TestRewriteManifestLeavesOtherCommentsAlone(t *testing.T) {
	base := mustParse(t, "https://cdn.example.com/index.m3u8")
	manifest := "#EXTM3U\n#EXT-X-VERSION:3\n\n#EXT-X-TARGETDURATION:6\nseg.ts"

	rewritten := RewriteManifest(manifest, base, RewriteContext{})
	lines := strings.Split(rewritten, "\n")

	if lines[0] != "#EXTM3U" || lines[1] != "#EXT-X-VERSION:3" || lines[2] != "" || lines[3] != "#EXT-X-TARGETDURATION:6" {
		t.Fatalf("expected comment and blank lines verbatim, got %q", lines[:4])
	}
}

func TestParseTarget(t *testing.T) {
	if _, err := ParseTarget(""); err == nil {
		t.Fatal("expected error for empty target")
	}
	if _, err := ParseTarget("ftp://example.com/x"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	if _, err := ParseTarget("://bad"); err == nil {
		t.Fatal("expected error for malformed URL")
	}
	if _, err := ParseTarget("https://example.com/live.m3u8"); err != nil {
		t.Fatalf("expected https target accepted, got %v", err)
	}
}
