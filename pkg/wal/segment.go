package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// segmentFile wraps one open, append-only WAL segment.
type segmentFile struct {
	startLSN uint64
	maxLSN   uint64
	path     string
	f        *os.File
	size     int64
}

func segmentPath(dir string, startLSN uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.wal", startLSN))
}

func openSegment(dir string, startLSN uint64) (*segmentFile, error) {
	path := segmentPath(dir, startLSN)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &segmentFile{startLSN: startLSN, maxLSN: startLSN, path: path, f: f, size: info.Size()}, nil
}

// listSegments returns segment start LSNs present in dir, ascending.
func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var starts []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wal") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".wal")
		n, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		starts = append(starts, n)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts, nil
}
