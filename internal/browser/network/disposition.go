package network

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

// Disposition is the parsed form of a Content-Disposition header.
type Disposition struct {
	Attachment bool
	Filename   string
}

// ParseDisposition parses a Content-Disposition value. A missing or
// unparseable header is treated as inline. When no filename parameter is
// present, the last path segment of fallbackURL is used.
func ParseDisposition(header, fallbackURL string) Disposition {
	var d Disposition
	if header != "" {
		mediaType, params, err := mime.ParseMediaType(header)
		if err == nil {
			d.Attachment = strings.EqualFold(mediaType, "attachment")
			// mime decodes RFC 2231 filename* into "filename".
			d.Filename = sanitizeFilename(params["filename"])
		} else if strings.HasPrefix(strings.ToLower(strings.TrimSpace(header)), "attachment") {
			d.Attachment = true
		}
	}
	if d.Filename == "" {
		d.Filename = filenameFromURL(fallbackURL)
	}
	return d
}

// IsDispositionHeader reports whether a header map key names Content-Disposition,
// regardless of case.
func IsDispositionHeader(key string) bool {
	return strings.EqualFold(key, "content-disposition")
}

func filenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "download"
	}
	name := sanitizeFilename(path.Base(u.Path))
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	return name
}

// sanitizeFilename strips directory components so a server-chosen name can
// never escape the download directory.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return name
}
