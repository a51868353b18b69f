package transport

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"

	jsonx "wasp/internal/shared/json"
)

// BodyFunc builds a fresh request body. It is called once per endpoint
// attempt, so every call must return an independent reader.
type BodyFunc func() (body io.ReadCloser, contentType string, err error)

// JSONBody encodes v once and replays the bytes on every attempt.
func JSONBody(v any) (BodyFunc, error) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json body: %w", err)
	}
	return func() (io.ReadCloser, string, error) {
		return io.NopCloser(bytes.NewReader(data)), "application/json", nil
	}, nil
}

// FormField is a non-file multipart field. ContentType is left empty for
// plain form values.
type FormField struct {
	Name        string
	Value       string
	ContentType string
}

// FilePart is a binary multipart part. Open must return a reader positioned
// at the start of the content; it is called once per attempt.
type FilePart struct {
	Field    string
	FileName string
	Open     func() (io.Reader, error)
}

// EmptyFilePart is the placeholder part sent when a write carries no files.
// The server rejects multipart writes with no file part at all.
func EmptyFilePart() FilePart {
	return FilePart{
		Open: func() (io.Reader, error) { return strings.NewReader(""), nil },
	}
}

// MultipartBody streams fields followed by files through a pipe. When files
// is empty a single EmptyFilePart is sent.
func MultipartBody(fields []FormField, files []FilePart) BodyFunc {
	if len(files) == 0 {
		files = []FilePart{EmptyFilePart()}
	}
	return func() (io.ReadCloser, string, error) {
		sources := make([]io.Reader, len(files))
		for i, file := range files {
			if file.Open == nil {
				continue
			}
			src, err := file.Open()
			if err != nil {
				return nil, "", fmt.Errorf("open part %q: %w", file.Field, err)
			}
			sources[i] = src
		}

		pr, pw := io.Pipe()
		writer := multipart.NewWriter(pw)
		go func() {
			pw.CloseWithError(writeMultipart(writer, fields, files, sources))
		}()
		return pr, writer.FormDataContentType(), nil
	}
}

func writeMultipart(writer *multipart.Writer, fields []FormField, files []FilePart, sources []io.Reader) error {
	for _, field := range fields {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, escapeQuotes(field.Name)))
		if field.ContentType != "" {
			header.Set("Content-Type", field.ContentType)
		}
		part, err := writer.CreatePart(header)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(part, field.Value); err != nil {
			return err
		}
	}
	for i, file := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			escapeQuotes(file.Field), escapeQuotes(file.FileName)))
		header.Set("Content-Type", "application/octet-stream")
		part, err := writer.CreatePart(header)
		if err != nil {
			return err
		}
		if sources[i] == nil {
			continue
		}
		if _, err := io.Copy(part, sources[i]); err != nil {
			return fmt.Errorf("copy part %q: %w", file.Field, err)
		}
	}
	return writer.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
