// Package apk_icon pulls the launcher icon out of an Android package.
package apk_icon

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var ErrNotAPK = errors.New("not an apk archive")

// maxIconBytes guards against absurd entries in hostile archives.
const maxIconBytes = 4 << 20

type Icon struct {
	Name        string
	Data        []byte
	ContentType string
}

// Density order of resource qualifiers, lowest first. Unqualified
// directories rank as mdpi.
var densities = map[string]int{
	"ldpi":    1,
	"mdpi":    2,
	"tvdpi":   3,
	"hdpi":    4,
	"xhdpi":   5,
	"xxhdpi":  6,
	"xxxhdpi": 7,
}

var iconNames = []string{"ic_launcher", "icon", "app_icon"}

// Extract returns the highest density launcher icon in the apk at apkPath,
// or nil when the archive has none.
func Extract(apkPath string) (*Icon, error) {
	r, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAPK, err)
	}
	defer r.Close()

	best, bestRank := (*zip.File)(nil), -1
	for _, f := range r.File {
		rank, ok := iconRank(f.Name)
		if !ok || rank <= bestRank {
			continue
		}
		best, bestRank = f, rank
	}
	if best == nil {
		return nil, nil
	}

	data, err := readEntry(best)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", best.Name, err)
	}

	return &Icon{
		Name:        best.Name,
		Data:        data,
		ContentType: "image/png",
	}, nil
}

// iconRank scores a launcher icon entry such as
// res/mipmap-xxhdpi-v4/ic_launcher.png. Higher is better.
func iconRank(name string) (int, bool) {
	if !strings.HasSuffix(name, ".png") || !strings.HasPrefix(name, "res/") {
		return 0, false
	}

	dir, file := path.Split(name)
	base := strings.TrimSuffix(file, ".png")
	// Round and adaptive foreground layers are a step below the plain icon.
	nameRank, plain := -1, 0
	for i, candidate := range iconNames {
		switch base {
		case candidate:
			nameRank, plain = len(iconNames)-i, 1
		case candidate + "_round", candidate + "_foreground":
			nameRank = len(iconNames) - i
		default:
			continue
		}
		break
	}
	if nameRank < 0 {
		return 0, false
	}

	parts := strings.Split(strings.Trim(dir, "/"), "/")
	if len(parts) != 2 {
		return 0, false
	}
	qualifiers := strings.Split(parts[1], "-")
	if qualifiers[0] != "mipmap" && qualifiers[0] != "drawable" {
		return 0, false
	}

	density := densities["mdpi"]
	for _, q := range qualifiers[1:] {
		if d, ok := densities[q]; ok {
			density = d
		}
	}

	return density*100 + nameRank*10 + plain, true
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxIconBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxIconBytes {
		return nil, fmt.Errorf("icon larger than %d bytes", maxIconBytes)
	}
	return data, nil
}
