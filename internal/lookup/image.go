package lookup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ktec-smt/aoirecord/internal/schema"
)

var (
	// ErrImageNotFound is returned when no reference image matches an item.
	ErrImageNotFound = errors.New("reference image not found")

	// ErrImageNameFormat is returned for image names that do not follow
	// <item code>_<model>_<board>_<side>.
	ErrImageNameFormat = errors.New("invalid image file name")
)

// ImageNameExample shows the expected reference image naming.
const ImageNameExample = "Y8470722R_20_CN-SNDDJ0CJ_411CA_S面.jpg"

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
}

// FindImage returns the path of the reference image for item in dir. A file
// named <item>_<lot suffix>... is preferred over one merely starting with
// <item>. Matching ignores case.
func FindImage(dir, lot, item string) (string, error) {
	if err := schema.ValidateLotNumber(lot); err != nil {
		return "", err
	}
	item = strings.TrimSpace(item)
	if item == "" {
		return "", fmt.Errorf("%w: empty item code", ErrImageNotFound)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read image directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	item = strings.ToUpper(item)
	prefixes := []string{item + "_" + schema.LotSuffix(lot), item}
	for _, p := range prefixes {
		for _, name := range names {
			if strings.HasPrefix(strings.ToUpper(name), p) {
				return filepath.Join(dir, name), nil
			}
		}
	}
	return "", fmt.Errorf("%w: item %s in %s", ErrImageNotFound, item, dir)
}

// ImageName is the metadata carried by a reference image file name.
type ImageName struct {
	Base     string
	ItemCode string
	Model    string
	Board    string
	Side     string
}

// ModelLabel is "<model> <board>".
func (n ImageName) ModelLabel() string {
	return n.Model + " " + n.Board
}

// BoardLabel is "<model> <board> <side>".
func (n ImageName) BoardLabel() string {
	return n.ModelLabel() + " " + n.Side
}

// ParseImageName splits a reference image path or base name. The last three
// underscore-separated parts are model, board and side; everything before
// them is the item code, which may itself contain underscores.
func ParseImageName(name string) (ImageName, error) {
	base := filepath.Base(name)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	parts := strings.Split(base, "_")
	if len(parts) < 4 {
		return ImageName{}, fmt.Errorf("%w: %q (expected e.g. %s)", ErrImageNameFormat, base, ImageNameExample)
	}
	n := len(parts)
	out := ImageName{
		Base:     base,
		ItemCode: strings.Join(parts[:n-3], "_"),
		Model:    parts[n-3],
		Board:    parts[n-2],
		Side:     parts[n-1],
	}
	if out.ItemCode == "" || out.Model == "" || out.Board == "" || out.Side == "" {
		return ImageName{}, fmt.Errorf("%w: %q (expected e.g. %s)", ErrImageNameFormat, base, ImageNameExample)
	}
	return out, nil
}
