package helpers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/k3a/html2text"
)

// ErrNoTextBody is returned when a message contains neither a text/plain
// nor a text/html part.
var ErrNoTextBody = errors.New("message has no extractable text body")

// ExtractTextBody returns the plain-text body of a raw RFC 822 message.
// The MIME structure is traversed depth-first; the first text/plain part
// wins. If only a text/html part exists, it is converted to plain text.
// Transfer encodings and charsets are decoded by go-message.
func ExtractTextBody(raw []byte) (string, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", fmt.Errorf("failed to parse message: %w", err)
	}

	var plainBody *string
	var htmlBody *string

	var walk func(*message.Entity) error
	walk = func(e *message.Entity) error {
		mediaType, _, _ := e.Header.ContentType()

		if strings.HasPrefix(mediaType, "multipart/") {
			mr := e.MultipartReader()
			if mr == nil {
				return nil
			}
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					break
				}
				if err != nil {
					return fmt.Errorf("error reading multipart: %w", err)
				}
				if err := walk(part); err != nil {
					return err
				}
			}
			return nil
		}

		content, err := io.ReadAll(e.Body)
		if err != nil {
			return fmt.Errorf("error reading entity body: %w", err)
		}

		switch mediaType {
		case "text/plain":
			if plainBody == nil {
				s := string(content)
				plainBody = &s
			}
		case "text/html":
			if htmlBody == nil {
				s := string(content)
				htmlBody = &s
			}
		}
		return nil
	}

	if err := walk(entity); err != nil {
		return "", err
	}

	if plainBody == nil && htmlBody != nil {
		plaintext := html2text.HTML2Text(*htmlBody)
		plainBody = &plaintext
	}
	if plainBody == nil {
		return "", ErrNoTextBody
	}
	if !utf8.ValidString(*plainBody) {
		return "", fmt.Errorf("message body is not valid text")
	}

	return *plainBody, nil
}
