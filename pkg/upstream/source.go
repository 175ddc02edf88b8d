package upstream

import (
	"bufio"
	"context"
	"os"
	"strings"
)

// FileSource enumerates identifiers from a local file, one per line.
//
// It lets an operator replay a fixed identifier list without calling the
// enumeration endpoint. Blank lines and lines starting with '#' are ignored.
// The scope argument is not used.
type FileSource struct {
	Path string
}

var _ Source = FileSource{}

// Enumerate implements Source.
func (s FileSource) Enumerate(ctx context.Context, scope string) ([]string, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, &FetchError{Op: "Enumerate", ID: s.Path, Kind: ErrSourceUnavailable, Err: err}
	}
	defer func() { _ = f.Close() }()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, &FetchError{Op: "Enumerate", ID: s.Path, Kind: ErrSourceUnavailable, Err: err}
	}
	return Dedupe(ids), nil
}
