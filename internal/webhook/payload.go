package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/inaiurai/genbot/internal/models"
)

const (
	maxMemory = 32 << 20
	maxJSON   = 1 << 20
)

// File is an uploaded callback attachment.
type File struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Payload is a callback flattened to string fields plus any uploaded files.
type Payload struct {
	Fields map[string]string
	Files  map[string]*File
}

func (p *Payload) get(key string) string {
	return strings.TrimSpace(p.Fields[key])
}

// ParseRequest reads a multipart, urlencoded or JSON callback body.
func ParseRequest(r *http.Request) (*Payload, error) {
	p := &Payload{Fields: map[string]string{}, Files: map[string]*File{}}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxMemory); err != nil {
			return nil, fmt.Errorf("%w: multipart body: %v", models.ErrValidation, err)
		}
		for k, v := range r.MultipartForm.Value {
			if len(v) > 0 {
				p.Fields[k] = v[0]
			}
		}
		for k, headers := range r.MultipartForm.File {
			if len(headers) == 0 {
				continue
			}
			f, err := headers[0].Open()
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, err
			}
			p.Files[k] = &File{Filename: headers[0].Filename, ContentType: headers[0].Header.Get("Content-Type"), Data: data}
		}
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("%w: form body: %v", models.ErrValidation, err)
		}
		for k, v := range r.PostForm {
			if len(v) > 0 {
				p.Fields[k] = v[0]
			}
		}
	default:
		var raw map[string]any
		if err := json.NewDecoder(io.LimitReader(r.Body, maxJSON)).Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: json body: %v", models.ErrValidation, err)
		}
		for k, v := range raw {
			if s, ok := stringify(v); ok {
				p.Fields[k] = s
			}
		}
	}
	return p, nil
}

// stringify renders JSON scalars the way a form would carry them. Objects and
// arrays are dropped.
func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
