package render

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

var builtinFonts = map[string][]byte{
	"go":         goregular.TTF,
	"go regular": goregular.TTF,
	"go bold":    gobold.TTF,
}

// builtinNames are the display names of builtinFonts
var builtinNames = []string{"Go", "Go Regular", "Go Bold"}

// Fonts resolves font names to parsed font files.
// A font named "Open Sans" is looked up as Open Sans.ttf, Open_Sans.ttf
// or the .otf equivalents inside the font directory. Unknown fonts fall
// back to Go Bold.
type Fonts struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*opentype.Font
}

// NewFonts creates a font registry reading from dir
func NewFonts(dir string, logger *slog.Logger) *Fonts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fonts{
		dir:    dir,
		logger: logger.With("component", "fonts"),
		cache:  make(map[string]*opentype.Font),
	}
}

// Face returns a new face for the named font at size pixels.
// Faces are not safe for concurrent use; the caller must Close it.
func (f *Fonts) Face(name string, size float64) (font.Face, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid font size %v", size)
	}
	fnt, err := f.font(name)
	if err != nil {
		return nil, err
	}
	face, err := opentype.NewFace(fnt, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create face for %q: %w", name, err)
	}
	return face, nil
}

// List returns the names Face resolves without falling back: the builtin
// fonts plus every .ttf and .otf file in the font directory, with
// underscores shown as spaces.
func (f *Fonts) List() ([]string, error) {
	names := append([]string(nil), builtinNames...)
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[strings.ToLower(n)] = true
	}

	if f.dir != "" {
		entries, err := os.ReadDir(f.dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read font directory: %w", err)
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if e.IsDir() || (ext != ".ttf" && ext != ".otf") {
				continue
			}
			name := strings.ReplaceAll(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())), "_", " ")
			if key := strings.ToLower(name); !seen[key] {
				seen[key] = true
				names = append(names, name)
			}
		}
	}

	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return names, nil
}

func (f *Fonts) font(name string) (*opentype.Font, error) {
	key := strings.ToLower(strings.TrimSpace(name))

	f.mu.RLock()
	fnt, ok := f.cache[key]
	f.mu.RUnlock()
	if ok {
		return fnt, nil
	}

	data, err := f.read(name)
	if err != nil {
		return nil, err
	}
	fnt, err = opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font %q: %w", name, err)
	}

	f.mu.Lock()
	f.cache[key] = fnt
	f.mu.Unlock()
	return fnt, nil
}

func (f *Fonts) read(name string) ([]byte, error) {
	if data, ok := builtinFonts[strings.ToLower(name)]; ok {
		return data, nil
	}

	if f.dir != "" && name != "" && !strings.ContainsAny(name, `/\`) {
		base := []string{name, strings.ReplaceAll(name, " ", "_"), strings.ReplaceAll(name, " ", "")}
		for _, b := range base {
			for _, ext := range []string{".ttf", ".otf"} {
				path := filepath.Join(f.dir, b+ext)
				data, err := os.ReadFile(path)
				if err == nil {
					return data, nil
				}
				if !os.IsNotExist(err) {
					return nil, fmt.Errorf("failed to read font %s: %w", path, err)
				}
			}
		}
	}

	f.logger.Warn("font not found, using fallback", "font", name, "dir", f.dir)
	return gobold.TTF, nil
}
