package helpers

import (
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
)

// MessagePart is a scannable leaf part extracted from a MIME message.
type MessagePart struct {
	// Filename is the part's declared file name, or a synthesized
	// "part-N" placeholder when the part carries none.
	Filename string
	// ContentType is the part's media type (e.g. "application/zip").
	ContentType string
	// Data is the decoded part body. go-message transparently undoes
	// base64/quoted-printable transfer encoding.
	Data []byte
}

// ExtractMessageParts walks the MIME structure of a message and returns its
// leaf parts for scanning. Multipart containers are descended into; their
// leaves are returned in document order. A non-multipart message yields a
// single part holding the whole body.
func ExtractMessageParts(r io.Reader) ([]MessagePart, error) {
	msg, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	var parts []MessagePart
	if err := collectParts(msg, &parts); err != nil {
		return nil, err
	}
	return parts, nil
}

func collectParts(entity *message.Entity, parts *[]MessagePart) error {
	mediaType, _, _ := entity.Header.ContentType()

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := entity.MultipartReader()
		if mr == nil {
			return fmt.Errorf("multipart message without readable parts")
		}
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read message part: %w", err)
			}
			if err := collectParts(p, parts); err != nil {
				return err
			}
		}
	}

	data, err := io.ReadAll(entity.Body)
	if err != nil {
		return fmt.Errorf("failed to read part body: %w", err)
	}

	_, dispParams, _ := entity.Header.ContentDisposition()
	filename := dispParams["filename"]
	if filename == "" {
		filename = fmt.Sprintf("part-%d", len(*parts)+1)
	}

	*parts = append(*parts, MessagePart{
		Filename:    filename,
		ContentType: mediaType,
		Data:        data,
	})
	return nil
}
