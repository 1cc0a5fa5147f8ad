package transport

import (
	"path/filepath"
	"strings"
)

// PayloadKind is what an outbound message carries.
type PayloadKind string

const (
	KindText     PayloadKind = "text"
	KindImage    PayloadKind = "image"
	KindDocument PayloadKind = "document"
)

// Payload is one outbound message body.
type Payload struct {
	Kind           PayloadKind `json:"kind"`
	Text           string      `json:"text,omitempty"`
	AttachmentPath string      `json:"attachment_path,omitempty"`
	Caption        string      `json:"caption,omitempty"`
	FileName       string      `json:"file_name,omitempty"`
}

// Text builds a text payload.
func Text(body string) Payload {
	return Payload{Kind: KindText, Text: body}
}

// Image builds an image payload with an optional caption.
func Image(path, caption string) Payload {
	return Payload{Kind: KindImage, AttachmentPath: path, Caption: caption, FileName: filepath.Base(path)}
}

// Document builds a document payload. An empty fileName uses the base of path.
func Document(path, fileName, caption string) Payload {
	if fileName == "" {
		fileName = filepath.Base(path)
	}
	return Payload{Kind: KindDocument, AttachmentPath: path, Caption: caption, FileName: fileName}
}

var mimeTypes = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".mp4":  "video/mp4",
	".mp3":  "audio/mpeg",
}

// MimeTypeFor maps a file name to its MIME type by extension.
func MimeTypeFor(name string) string {
	if mt, ok := mimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return mt
	}
	return "application/octet-stream"
}
