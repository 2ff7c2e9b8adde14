package domain

import (
	"mime"
	"path"
	"strings"
)

type MediaCategory string

const (
	MediaVideo    MediaCategory = "video"
	MediaAudio    MediaCategory = "audio"
	MediaSubtitle MediaCategory = "subtitle"
	MediaOther    MediaCategory = "other"
)

var extensionCategories = map[string]MediaCategory{
	".mp4":  MediaVideo,
	".m4v":  MediaVideo,
	".mkv":  MediaVideo,
	".webm": MediaVideo,
	".avi":  MediaVideo,
	".mov":  MediaVideo,
	".wmv":  MediaVideo,
	".flv":  MediaVideo,
	".ts":   MediaVideo,
	".mp3":  MediaAudio,
	".flac": MediaAudio,
	".ogg":  MediaAudio,
	".opus": MediaAudio,
	".m4a":  MediaAudio,
	".aac":  MediaAudio,
	".wav":  MediaAudio,
	".srt":  MediaSubtitle,
	".vtt":  MediaSubtitle,
	".ass":  MediaSubtitle,
}

var fallbackContentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".ts":   "video/mp2t",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".m4a":  "audio/mp4",
	".srt":  "application/x-subrip",
	".vtt":  "text/vtt",
}

func CategoryForPath(p string) MediaCategory {
	if c, ok := extensionCategories[strings.ToLower(path.Ext(p))]; ok {
		return c
	}
	return MediaOther
}

// ContentTypeForPath resolves a MIME type from the file extension, falling
// back to a fixed table for container types the system registry often lacks.
func ContentTypeForPath(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	if ct, ok := fallbackContentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}
