package transport

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"sort"
)

// Body is a request payload. Every kind is turned into one contiguous payload before sending.
type Body interface {
	Materialize() (data []byte, contentType string, err error)
}

type bytesBody []byte

// Bytes sends data as-is.
func Bytes(data []byte) Body {
	return bytesBody(data)
}

func (b bytesBody) Materialize() ([]byte, string, error) {
	return b, "", nil
}

type stringBody string

// String sends s as a plain text payload.
func String(s string) Body {
	return stringBody(s)
}

func (b stringBody) Materialize() ([]byte, string, error) {
	return []byte(b), "text/plain; charset=utf-8", nil
}

type streamBody struct {
	reader io.Reader
}

// Stream buffers everything from r and sends it as a single payload.
// r is closed after reading when it is an io.Closer.
func Stream(r io.Reader) Body {
	return streamBody{reader: r}
}

func (b streamBody) Materialize() ([]byte, string, error) {
	if c, ok := b.reader.(io.Closer); ok {
		defer c.Close() //nolint:errcheck
	}

	data, err := io.ReadAll(b.reader)
	if err != nil {
		return nil, "", fmt.Errorf("read stream body: %w", err)
	}
	return data, "", nil
}

// MultipartFile is a file part of a multipart body.
type MultipartFile struct {
	FieldName   string
	FileName    string
	ContentType string
	Content     io.Reader
}

type multipartBody struct {
	fields map[string]string
	files  []MultipartFile
}

// Multipart sends a multipart/form-data payload built from fields and files.
func Multipart(fields map[string]string, files ...MultipartFile) Body {
	return multipartBody{fields: fields, files: files}
}

func (b multipartBody) Materialize() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(b.fields))
	for k := range b.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := w.WriteField(k, b.fields[k]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}

	for _, f := range b.files {
		part, err := createFilePart(w, f)
		if err != nil {
			return nil, "", fmt.Errorf("create part %s: %w", f.FieldName, err)
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return nil, "", fmt.Errorf("write part %s: %w", f.FieldName, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

func createFilePart(w *multipart.Writer, f MultipartFile) (io.Writer, error) {
	if f.ContentType == "" {
		return w.CreateFormFile(f.FieldName, f.FileName)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.FieldName, f.FileName))
	h.Set("Content-Type", f.ContentType)
	return w.CreatePart(h)
}
