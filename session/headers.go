package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	headerUploadLength = "Upload-Length"
	headerUploadName   = "Upload-Name"
	headerUploadOffset = "Upload-Offset"

	offsetContentType = "application/offset+octet-stream"
)

func initiationHeader(fileName string, fileSize int64) http.Header {
	h := http.Header{}
	h.Set(headerUploadLength, strconv.FormatInt(fileSize, 10))
	h.Set(headerUploadName, EncodeName(fileName))
	h.Set("Accept", "text/plain")
	return h
}

func chunkHeader(fileName string, fileSize, offset int64) http.Header {
	h := http.Header{}
	h.Set("Content-Type", offsetContentType)
	h.Set(headerUploadOffset, strconv.FormatInt(offset, 10))
	h.Set(headerUploadLength, strconv.FormatInt(fileSize, 10))
	h.Set(headerUploadName, EncodeName(fileName))
	return h
}

// EncodeName percent-encodes a file name for the Upload-Name header.
// Letters, digits and -_.!~*'() are kept, every other UTF-8 byte is escaped.
func EncodeName(name string) string {
	const hex = "0123456789ABCDEF"

	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if shouldKeep(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func shouldKeep(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}

// ParseTextID treats the whole initiation response as the session id.
func ParseTextID(body []byte) (string, error) {
	id := strings.TrimSpace(string(body))
	if id == "" {
		return "", ErrMissingUploadID
	}
	return id, nil
}

// ParseJSONID returns a parser for servers answering with a JSON envelope,
// reading the id from the given top level field.
func ParseJSONID(field string) func([]byte) (string, error) {
	return func(body []byte) (string, error) {
		var envelope map[string]interface{}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return "", fmt.Errorf("decode initiation response: %w", err)
		}

		switch v := envelope[field].(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return "", ErrMissingUploadID
			}
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		default:
			return "", ErrMissingUploadID
		}
	}
}
