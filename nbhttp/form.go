// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

import (
	"fmt"
	"strconv"
)

// DefaultBoundary separates multipart fields unless Config.Boundary is set.
const DefaultBoundary = "nbhttpcFormBoundary7MA4YWxkTrZu0gW"

// FieldKind .
type FieldKind uint8

const (
	// FormKV is a name with an inline value.
	FormKV FieldKind = iota
	// FormKVExt is a name whose value of known length is pulled from a
	// ValueSource. Multipart only.
	FormKVExt
	// FormFile is a file part pulled from a BodySource. Multipart only.
	FormFile
)

// FormField .
type FormField struct {
	Kind  FieldKind
	Name  string
	Value string

	// Length is the exact value or file size of FormKVExt and FormFile.
	Length      int64
	ValueSource ValueSource

	FileName    string
	ContentType string
	File        BodySource
}

// Form is the body of a url-encoded or multipart/form-data request.
type Form struct {
	Fields []FormField
}

// NewForm .
func NewForm() *Form {
	return &Form{}
}

// Add appends a key/value field.
func (f *Form) Add(name, value string) *Form {
	f.Fields = append(f.Fields, FormField{Kind: FormKV, Name: name, Value: value})
	return f
}

// AddExt appends a field whose value is pulled from src.
func (f *Form) AddExt(name string, length int64, src ValueSource) *Form {
	f.Fields = append(f.Fields, FormField{Kind: FormKVExt, Name: name, Length: length, ValueSource: src})
	return f
}

// AddFile appends a file field whose content is pulled from src.
func (f *Form) AddFile(name, fileName, contentType string, length int64, src BodySource) *Form {
	f.Fields = append(f.Fields, FormField{
		Kind:        FormFile,
		Name:        name,
		FileName:    fileName,
		ContentType: contentType,
		Length:      length,
		File:        src,
	})
	return f
}

func (field *FormField) validate() error {
	switch field.Kind {
	case FormKV:
	case FormKVExt:
		if field.ValueSource == nil || field.Length < 0 {
			return fmt.Errorf("%w: field %q has no value source", ErrFormFieldType, field.Name)
		}
	case FormFile:
		if field.File == nil || field.Length < 0 {
			return fmt.Errorf("%w: field %q has no file source", ErrFormFieldType, field.Name)
		}
	default:
		return fmt.Errorf("%w: %v", ErrFormFieldType, field.Kind)
	}
	return nil
}

func (field *FormField) dataLen() int64 {
	if field.Kind == FormKV {
		return int64(len(field.Value))
	}
	return field.Length
}

// URLEncodedLen is the body length of f sent as
// application/x-www-form-urlencoded.
func (f *Form) URLEncodedLen() int64 {
	n := len(f.Fields)
	if n == 0 {
		return 0
	}
	total := int64(2*n - 1)
	for i := range f.Fields {
		total += int64(EscapedLen(f.Fields[i].Name) + EscapedLen(f.Fields[i].Value))
	}
	return total
}

// MultipartLen is the body length of f sent as multipart/form-data with the
// given boundary.
func (f *Form) MultipartLen(boundary string) int64 {
	var total int64
	for i := range f.Fields {
		field := &f.Fields[i]
		total += int64(fieldHeadLen(boundary, field)) + field.dataLen() + 2
	}
	return total + int64(len(boundary)) + 6
}

const (
	dispositionPrefix = "Content-Disposition: form-data; name=\""
	filenamePrefix    = "\"; filename=\""
	contentTypePrefix = "Content-Type: "
)

// fieldHeadLen is the length of the boundary line and part headers that
// precede a field's data.
func fieldHeadLen(boundary string, field *FormField) int {
	n := 2 + len(boundary) + 2
	n += len(dispositionPrefix) + EscapedLen(field.Name) + 1
	if field.Kind == FormFile {
		n += len(filenamePrefix) + EscapedLen(field.FileName)
	}
	n += 2
	if field.Kind == FormFile && field.ContentType != "" {
		n += len(contentTypePrefix) + len(field.ContentType) + 2
	}
	return n + 2
}

// appendFieldHead appends what fieldHeadLen measures.
func appendFieldHead(dst []byte, boundary string, field *FormField) []byte {
	dst = append(dst, "--"...)
	dst = append(dst, boundary...)
	dst = append(dst, "\r\n"...)
	dst = append(dst, dispositionPrefix...)
	dst = appendEscaped(dst, field.Name)
	if field.Kind == FormFile {
		dst = append(dst, filenamePrefix...)
		dst = appendEscaped(dst, field.FileName)
	}
	dst = append(dst, "\"\r\n"...)
	if field.Kind == FormFile && field.ContentType != "" {
		dst = append(dst, contentTypePrefix...)
		dst = append(dst, field.ContentType...)
		dst = append(dst, "\r\n"...)
	}
	return append(dst, "\r\n"...)
}

func appendEscaped(dst []byte, s string) []byte {
	l := len(dst)
	n := EscapedLen(s)
	for i := 0; i < n; i++ {
		dst = append(dst, 0)
	}
	escapeTo(dst[l:], s)
	return dst
}

func multipartContentType(boundary string) string {
	return ContentTypeMultipart + "; boundary=" + boundary
}

func formatLength(n int64) string {
	return strconv.FormatInt(n, 10)
}
