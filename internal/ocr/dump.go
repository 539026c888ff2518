package ocr

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
)

// DumpTokens writes page as indented JSON for debugging.
func DumpTokens(w io.Writer, page entity.RawPage) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(page)
}

// SaveDump writes page to dir/<source file name>.ocr.json and returns the path.
func SaveDump(dir, sourcePath string, page entity.RawPage) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create ocr dump dir: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	out := filepath.Join(dir, base+".ocr.json")
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	if err := DumpTokens(f, page); err != nil {
		_ = f.Close()
		return "", err
	}
	return out, f.Close()
}
