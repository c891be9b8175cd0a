package helpers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTextBody_PlainText(t *testing.T) {
	raw := []byte("From: dispatch@example.org\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Incident no.: 2024-001\r\nKeyword: F2\r\n")

	body, err := ExtractTextBody(raw)
	require.NoError(t, err)
	assert.Contains(t, body, "Incident no.: 2024-001")
	assert.Contains(t, body, "Keyword: F2")
}

func TestExtractTextBody_PrefersPlainOverHTML(t *testing.T) {
	raw := []byte("Content-Type: multipart/alternative; boundary=frontier\r\n" +
		"\r\n" +
		"--frontier\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>html rendition</p>\r\n" +
		"--frontier\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain rendition\r\n" +
		"--frontier--\r\n")

	body, err := ExtractTextBody(raw)
	require.NoError(t, err)
	assert.Contains(t, body, "plain rendition")
	assert.NotContains(t, body, "html rendition")
}

func TestExtractTextBody_HTMLOnlyIsConverted(t *testing.T) {
	raw := []byte("Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><body><p>Alarm: chimney fire</p></body></html>\r\n")

	body, err := ExtractTextBody(raw)
	require.NoError(t, err)
	assert.Contains(t, body, "Alarm: chimney fire")
	assert.NotContains(t, body, "<p>")
}

func TestExtractTextBody_QuotedPrintable(t *testing.T) {
	raw := []byte("Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n" +
		"\r\n" +
		"Hauptstra=C3=9Fe 12\r\n")

	body, err := ExtractTextBody(raw)
	require.NoError(t, err)
	assert.Contains(t, body, "Hauptstraße 12")
}

func TestExtractTextBody_Base64(t *testing.T) {
	raw := []byte("Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"SW5jaWRlbnQgbm8uOiAyMDI0LTAwMQ==\r\n")

	body, err := ExtractTextBody(raw)
	require.NoError(t, err)
	assert.Contains(t, body, "Incident no.: 2024-001")
}

func TestExtractTextBody_AttachmentOnly(t *testing.T) {
	raw := []byte("Content-Type: application/pdf\r\n" +
		"\r\n" +
		"%PDF-1.4 not text\r\n")

	_, err := ExtractTextBody(raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoTextBody)
}

func TestExtractTextBody_NestedMultipart(t *testing.T) {
	raw := []byte("Content-Type: multipart/mixed; boundary=outer\r\n" +
		"\r\n" +
		"--outer\r\n" +
		"Content-Type: multipart/alternative; boundary=inner\r\n" +
		"\r\n" +
		"--inner\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"nested plain body\r\n" +
		"--inner--\r\n" +
		"--outer\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"\r\n" +
		"binary attachment\r\n" +
		"--outer--\r\n")

	body, err := ExtractTextBody(raw)
	require.NoError(t, err)
	assert.Contains(t, body, "nested plain body")
}

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("message one"))
	b := ContentHash([]byte("message two"))

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, ContentHash([]byte("message one")))
	assert.Equal(t, strings.ToLower(a), a)
}
