// Package catalog implements the Input Catalog: for a requested
// (exchange, market type, message type, day) tuple, it enumerates the
// hourly capture files that may contain that day, including the lossy
// first hour of the following day.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/cryptoarchive/daily-processor/internal/model"
)

// File is one enumerated input: its path and on-disk size, needed both for
// stage-1's size-descending ordering and stage-2's size-percentile
// bookkeeping over the bucket files it produces.
type File struct {
	Path string
	Size int64
}

// Enumerate globs <input_dir>/**/<E>.<M>.<T>.<D>-??-??.json.gz and
// <input_dir>/**/<E>.<M>.<T>.<D+1>-00-??.json.gz (D+1 being D advanced by
// exactly one UTC calendar day) and returns their union, sorted by size
// descending (long-pole first), as required for stage-1 scheduling.
func Enumerate(inputDir, exchange string, marketType model.MarketType, msgType model.MsgType, day model.Day) ([]File, error) {
	patterns := []string{
		fmt.Sprintf("**/%s.%s.%s.%s-??-??.json.gz", exchange, marketType, msgType, day),
		fmt.Sprintf("**/%s.%s.%s.%s-00-??.json.gz", exchange, marketType, msgType, day.Next()),
	}

	seen := make(map[string]struct{})
	var files []File
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(filepath.Join(inputDir, pattern))
		if err != nil {
			return nil, fmt.Errorf("catalog: glob %s: %w", pattern, err)
		}
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			info, err := os.Stat(m)
			if err != nil {
				return nil, fmt.Errorf("catalog: stat %s: %w", m, err)
			}
			files = append(files, File{Path: m, Size: info.Size()})
		}
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Size > files[j].Size
	})
	return files, nil
}
