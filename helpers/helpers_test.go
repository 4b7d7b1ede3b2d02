package helpers

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"1.5h", 90 * time.Minute, false},
		{"1d", 24 * time.Hour, false},
		{"30d", 720 * time.Hour, false},
		{"0.5d", 12 * time.Hour, false},
		{" 10s ", 10 * time.Second, false},
		{"", 0, true},
		{"soon", 0, true},
		{"xd", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, err := ParseDuration(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d)
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"0", 0, false},
		{"1024", 1024, false},
		{"512K", 512 << 10, false},
		{"100M", 100 << 20, false},
		{"100MB", 100 << 20, false},
		{"2g", 2 << 30, false},
		{"1T", 1 << 40, false},
		{"", 0, true},
		{"-5M", 0, true},
		{"100X", 0, true},
		{"lots", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			n, err := ParseSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, n)
		})
	}
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512B", FormatSize(512))
	assert.Equal(t, "1.0KB", FormatSize(1024))
	assert.Equal(t, "100.0MB", FormatSize(100<<20))
	assert.Equal(t, "1.5GB", FormatSize(3<<29))
}

func TestHTMLToText(t *testing.T) {
	html := `<html><head><title>Blocked</title></head><body>
		<h1>VIRUS FOUND</h1>
		<p>Access to this   resource is <b>denied</b>.</p>
	</body></html>`

	text := HTMLToText(html)
	assert.Contains(t, text, "VIRUS FOUND")
	assert.Contains(t, text, "denied")
	assert.NotContains(t, text, "<")
	assert.NotContains(t, text, "\n")
}

func TestCollapseWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", CollapseWhitespace("  a\n\t b \r\n c  "))
	assert.Equal(t, "", CollapseWhitespace("   \n\t  "))
}

func TestSanitizeUTF8(t *testing.T) {
	assert.Equal(t, "plain ascii", SanitizeUTF8("plain ascii"))
	assert.Equal(t, "héllo", SanitizeUTF8("héllo"))
	assert.Equal(t, "ab", SanitizeUTF8("a\x00b"))
	assert.Equal(t, "ab", SanitizeUTF8("a\xffb"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "exact", Truncate("exact", 5))
	assert.Equal(t, "lo...", Truncate("long enough", 5))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	assert.Equal(t, "", Truncate("abc", 0))

	// Rune-aware: never splits a multi-byte character.
	got := Truncate(strings.Repeat("é", 20), 10)
	assert.Equal(t, strings.Repeat("é", 7)+"...", got)
}

func TestContentDigest(t *testing.T) {
	digest1, n, err := ContentDigest(bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	assert.EqualValues(t, 11, n)
	assert.Len(t, digest1, 64)

	digest2, _, err := ContentDigest(bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	assert.Equal(t, digest1, digest2)

	digest3, _, err := ContentDigest(bytes.NewReader([]byte("hello worlds")))
	require.NoError(t, err)
	assert.NotEqual(t, digest1, digest3)
}

func TestFileDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))

	fileDigest, n, err := FileDigest(path)
	require.NoError(t, err)
	assert.EqualValues(t, 11, n)

	contentDigest, _, err := ContentDigest(bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	assert.Equal(t, contentDigest, fileDigest)

	_, _, err = FileDigest(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestExtractMessagePartsSimple(t *testing.T) {
	raw := "From: sender@example.com\r\n" +
		"To: rcpt@example.com\r\n" +
		"Subject: plain\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"just a body\r\n"

	parts, err := ExtractMessageParts(strings.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "part-1", parts[0].Filename)
	assert.Equal(t, "text/plain", parts[0].ContentType)
	assert.Equal(t, "just a body\r\n", string(parts[0].Data))
}

func TestExtractMessagePartsMultipart(t *testing.T) {
	raw := "From: sender@example.com\r\n" +
		"Subject: with attachment\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"frontier\"\r\n" +
		"\r\n" +
		"--frontier\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--frontier\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Content-Disposition: attachment; filename=\"payload.bin\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"aGVsbG8gd29ybGQ=\r\n" +
		"--frontier--\r\n"

	parts, err := ExtractMessageParts(strings.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, parts, 2)

	assert.Equal(t, "text/plain", parts[0].ContentType)
	// The CRLF preceding a boundary belongs to the delimiter, not the body.
	assert.Equal(t, "see attached", string(parts[0].Data))

	assert.Equal(t, "payload.bin", parts[1].Filename)
	assert.Equal(t, "application/octet-stream", parts[1].ContentType)
	// Transfer encoding is undone during extraction.
	assert.Equal(t, "hello world", string(parts[1].Data))
}

func TestExtractMessagePartsMalformed(t *testing.T) {
	_, err := ExtractMessageParts(strings.NewReader("Content-Type: multipart/mixed\r\n\r\nno boundary"))
	assert.Error(t, err)
}
