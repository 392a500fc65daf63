package category

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Category classifies a file by content type.
type Category int

const (
	Other Category = iota
	Apk
	Picture
	Video
	Music
	Doc
	Zip
	Theme
)

func (c Category) String() string {
	switch c {
	case Apk:
		return "apk"
	case Picture:
		return "picture"
	case Video:
		return "video"
	case Music:
		return "music"
	case Doc:
		return "doc"
	case Zip:
		return "zip"
	case Theme:
		return "theme"
	default:
		return "other"
	}
}

// Cacheable reports whether icons for the category are loaded in the background.
func (c Category) Cacheable() bool {
	return c == Apk || c == Picture || c == Video
}

// MarshalText lets categories appear by name in JSON listings.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts the names produced by String.
func (c *Category) UnmarshalText(text []byte) error {
	parsed, ok := Parse(string(text))
	if !ok {
		return fmt.Errorf("unknown category %q", text)
	}
	*c = parsed
	return nil
}

// Parse maps a category name back to its value.
func Parse(name string) (Category, bool) {
	for c := Other; c <= Theme; c++ {
		if c.String() == name {
			return c, true
		}
	}
	return Other, false
}

var extCategories = map[string]Category{
	"apk": Apk,
}

var extIcons = map[string]string{}

const DefaultIcon = "file_icon_default"

func init() {
	add := func(cat Category, icon string, exts ...string) {
		for _, ext := range exts {
			extIcons[ext] = icon
			if cat != Other {
				extCategories[ext] = cat
			}
		}
	}

	add(Music, "file_icon_mp3", "mp3")
	add(Music, "file_icon_wma", "wma")
	add(Music, "file_icon_wav", "wav")
	add(Music, "file_icon_mid", "mid")
	add(Video, "file_icon_video", "mp4", "wmv", "mpeg", "m4v", "3gp", "3gpp", "3g2", "3gpp2", "asf")
	add(Picture, "file_icon_picture", "jpg", "jpeg", "gif", "png", "bmp", "wbmp", "webp", "tif", "tiff")
	add(Doc, "file_icon_txt", "txt", "log", "xml", "ini", "lrc")
	add(Doc, "file_icon_office", "doc", "ppt", "docx", "pptx", "xsl", "xslx")
	add(Doc, "file_icon_pdf", "pdf")
	add(Zip, "file_icon_zip", "zip")
	add(Theme, "file_icon_theme", "mtz")
	add(Other, "file_icon_rar", "rar")
	add(Apk, "file_icon_apk", "apk")
}

// Ext returns the lower-cased extension of path without the leading dot.
func Ext(path string) string {
	ext := filepath.Ext(path)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// FromPath detects the category of path by its extension.
func FromPath(path string) Category {
	if cat, ok := extCategories[Ext(path)]; ok {
		return cat
	}
	return Other
}

// FallbackIcon returns the static icon name shown while no thumbnail is
// available for path.
func FallbackIcon(path string) string {
	if icon, ok := extIcons[Ext(path)]; ok {
		return icon
	}
	return DefaultIcon
}
