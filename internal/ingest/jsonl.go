package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/banshee-data/occupancy.report/internal/detect"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
)

// Source produces detection frames. Read returns io.EOF at the end of a
// finite stream; any other error makes the Reader reopen the source.
type Source interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (detect.Frame, error)
	Close() error
}

// maxLineBytes bounds one JSON line. A longer line fails the read and the
// Reader reopens the source.
const maxLineBytes = 4 << 20

// JSONLSource reads one frame per line:
//
//	{"seq":12,"ts":"2024-03-01T09:00:00.4Z","detections":[
//	  {"bbox":[x1,y1,x2,y2],"conf":0.91,"class":0,"embedding":[...]}]}
//
// "ts" may also be a number of unix seconds. "seq" defaults to the line
// number and "skipped" to 0. Malformed lines are logged and skipped. A
// malformed detection is dropped and a malformed embedding stripped without
// losing the rest of the frame.
type JSONLSource struct {
	open func() (io.ReadCloser, error)

	rc      io.ReadCloser
	scanner *bufio.Scanner
	line    int64

	malformed atomic.Int64
}

// NewJSONLFile returns a source that opens path on every Open.
func NewJSONLFile(path string) *JSONLSource {
	return &JSONLSource{open: func() (io.ReadCloser, error) { return os.Open(path) }}
}

// NewJSONLStream returns a source over an already open stream such as
// stdin. Reopening continues from the stream's current position.
func NewJSONLStream(r io.Reader) *JSONLSource {
	rc := io.NopCloser(r)
	return &JSONLSource{open: func() (io.ReadCloser, error) { return rc, nil }}
}

// Open implements Source.
func (s *JSONLSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.rc != nil {
		_ = s.rc.Close()
	}
	rc, err := s.open()
	if err != nil {
		return fmt.Errorf("open detection feed: %w", err)
	}
	s.rc = rc
	s.scanner = bufio.NewScanner(rc)
	s.scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return nil
}

// Read implements Source.
func (s *JSONLSource) Read(ctx context.Context) (detect.Frame, error) {
	if s.scanner == nil {
		return detect.Frame{}, errors.New("detection feed not open")
	}
	for {
		if err := ctx.Err(); err != nil {
			return detect.Frame{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				if errors.Is(err, bufio.ErrTooLong) {
					s.malformed.Add(1)
				}
				s.scanner = nil
				return detect.Frame{}, fmt.Errorf("read detection feed line %d: %w", s.line+1, err)
			}
			return detect.Frame{}, io.EOF
		}
		s.line++
		raw := s.scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		f, issues, err := ParseFrame(raw, s.line)
		if err != nil {
			s.malformed.Add(1)
			monitoring.Logf("[JSONLSource] skipping line %d: %v", s.line, err)
			continue
		}
		for _, issue := range issues {
			s.malformed.Add(1)
			monitoring.Logf("[JSONLSource] line %d: %v", s.line, issue)
		}
		return f, nil
	}
}

// Close implements Source.
func (s *JSONLSource) Close() error {
	s.scanner = nil
	if s.rc == nil {
		return nil
	}
	err := s.rc.Close()
	s.rc = nil
	return err
}

// Malformed returns the number of skipped lines, dropped detections and
// stripped embeddings so far.
func (s *JSONLSource) Malformed() int64 { return s.malformed.Load() }

// ParseFrame decodes one JSON line. defaultSeq is used when the line has
// no "seq". A line that is not a frame object returns an error. Problems
// confined to one detection do not: a detection with an unusable bbox is
// left out and a non-numeric embedding is removed, and each is reported in
// issues. Geometry is not checked here; the tracker drops invalid boxes.
func ParseFrame(raw []byte, defaultSeq int64) (f detect.Frame, issues []error, err error) {
	if !gjson.ValidBytes(raw) {
		return detect.Frame{}, nil, errors.New("invalid JSON")
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return detect.Frame{}, nil, errors.New("frame is not an object")
	}

	f.Seq = defaultSeq
	if seq := doc.Get("seq"); seq.Exists() {
		if seq.Type != gjson.Number || seq.Int() < 0 {
			return detect.Frame{}, nil, fmt.Errorf("bad seq %s", seq.Raw)
		}
		f.Seq = seq.Int()
	}
	if ts := doc.Get("ts"); ts.Exists() {
		t, err := parseTimestamp(ts)
		if err != nil {
			return detect.Frame{}, nil, err
		}
		f.Timestamp = t
	}
	if sk := doc.Get("skipped"); sk.Exists() {
		f.Skipped = max(int(sk.Int()), 0)
	}

	dets := doc.Get("detections")
	if dets.Exists() && !dets.IsArray() {
		return detect.Frame{}, nil, errors.New("detections is not an array")
	}
	for i, d := range dets.Array() {
		det, err := parseDetection(d)
		if err != nil {
			issues = append(issues, fmt.Errorf("dropping detection %d: %w", i, err))
			continue
		}
		if emb := d.Get("embedding"); emb.Exists() && emb.Type != gjson.Null && det.Embedding == nil {
			issues = append(issues, fmt.Errorf("stripping embedding of detection %d: %s", i, emb.Raw))
		}
		f.Detections = append(f.Detections, det)
	}
	return f, issues, nil
}

func parseTimestamp(v gjson.Result) (time.Time, error) {
	switch v.Type {
	case gjson.Number:
		secs := v.Float()
		return time.Unix(0, int64(secs*float64(time.Second))).UTC(), nil
	case gjson.String:
		t, err := time.Parse(time.RFC3339Nano, v.Str)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad ts: %w", err)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("bad ts %s", v.Raw)
	}
}

func parseDetection(d gjson.Result) (detect.Detection, error) {
	bbox := d.Get("bbox").Array()
	if len(bbox) != 4 {
		return detect.Detection{}, fmt.Errorf("detection bbox needs 4 numbers, got %s", d.Get("bbox").Raw)
	}
	var c [4]float64
	for i, v := range bbox {
		if v.Type != gjson.Number {
			return detect.Detection{}, fmt.Errorf("detection bbox has non-number %s", v.Raw)
		}
		c[i] = v.Float()
	}
	det := detect.Detection{
		Box:        detect.Box{X1: c[0], Y1: c[1], X2: c[2], Y2: c[3]},
		Confidence: d.Get("conf").Float(),
		Class:      int(d.Get("class").Int()),
	}
	det.Embedding = parseEmbedding(d.Get("embedding"))
	return det, nil
}

// parseEmbedding returns nil unless v is a non-empty array of numbers.
func parseEmbedding(v gjson.Result) []float64 {
	if !v.IsArray() {
		return nil
	}
	vals := v.Array()
	if len(vals) == 0 {
		return nil
	}
	out := make([]float64, len(vals))
	for i, x := range vals {
		if x.Type != gjson.Number {
			return nil
		}
		out[i] = x.Float()
	}
	return out
}
