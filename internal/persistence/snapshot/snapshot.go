package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/CSneko/nya-folia-sub021/internal/sim/world"
)

const Version = 1

// Header is written as a JSON line ahead of the gob body so a file can be
// identified without decoding the whole layout.
type Header struct {
	Version int       `json:"version"`
	RunID   string    `json:"run_id"`
	Step    uint64    `json:"step"`
	At      time.Time `json:"at"`
	Regions int       `json:"regions"`
}

// LayoutV1 is a point-in-time copy of the region layout.
type LayoutV1 struct {
	Header Header `json:"header"`

	TuningDigest string         `json:"tuning_digest,omitempty"`
	Layout       world.Snapshot `json:"layout"`
	Metrics      world.Metrics  `json:"metrics"`
}

// FromWorld builds a layout record from a world snapshot and its metrics.
func FromWorld(runID, digest string, snap world.Snapshot, m world.Metrics) LayoutV1 {
	return LayoutV1{
		Header: Header{
			Version: Version,
			RunID:   runID,
			Step:    snap.Step,
			At:      snap.At,
			Regions: len(snap.Regions),
		},
		TuningDigest: digest,
		Layout:       snap,
		Metrics:      m,
	}
}

// Path names a layout file by step so lexical order is step order.
func Path(dir string, step uint64) string {
	return filepath.Join(dir, fmt.Sprintf("layout-%020d.snap.zst", step))
}

func WriteSnapshot(path string, snap LayoutV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap LayoutV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (LayoutV1, error) {
	var snap LayoutV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported layout version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the leading header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, err
	}
	err = json.Unmarshal(line, &h)
	return h, err
}

// List returns layout files in dir, oldest step first.
func List(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "layout-") || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// Prune removes all but the newest keep layout files.
func Prune(dir string, keep int) (int, error) {
	files, err := List(dir)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	n := 0
	for len(files) > keep {
		if err := os.Remove(files[0]); err != nil {
			return n, err
		}
		files = files[1:]
		n++
	}
	return n, nil
}
